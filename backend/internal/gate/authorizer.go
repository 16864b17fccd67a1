package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Authorizer answers the access question for one (document, token) pair.
// It is consulted exactly once per upgrade.
type Authorizer interface {
	CheckAccess(ctx context.Context, docID, token string) (Level, error)
}

// HTTPAuthorizer asks an external document service for the caller's access
// level: GET {base}/v1/documents/{docID}/access with the token as bearer
// credential, answering {"access": "r" | "rw" | null}.
type HTTPAuthorizer struct {
	base   string
	client *http.Client
}

func NewHTTPAuthorizer(baseURL string) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{},
	}
}

type accessResp struct {
	Access *string `json:"access"`
}

func (a *HTTPAuthorizer) CheckAccess(ctx context.Context, docID, token string) (Level, error) {
	url := fmt.Sprintf("%s/v1/documents/%s/access", a.base, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return LevelNone, errors.Wrap(err, "building access request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return LevelNone, errors.Wrap(err, "access check failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return LevelNone, nil
	case resp.StatusCode != http.StatusOK:
		return LevelNone, errors.Errorf("access check: unexpected status %d", resp.StatusCode)
	}

	var body accessResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LevelNone, errors.Wrap(err, "decoding access response")
	}
	if body.Access == nil {
		return LevelNone, nil
	}
	return ParseLevel(*body.Access)
}

// JWTAuthorizer resolves access locally from an HS256 token whose "docs"
// claim maps document ids to "r" or "rw". Invalid or expired tokens yield
// LevelNone rather than an error: a bad credential is a rejection, not an
// upstream failure.
type JWTAuthorizer struct {
	secret []byte
}

func NewJWTAuthorizer(secret []byte) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret}
}

func (a *JWTAuthorizer) CheckAccess(_ context.Context, docID, token string) (Level, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return LevelNone, nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return LevelNone, nil
	}
	docs, ok := claims["docs"].(map[string]any)
	if !ok {
		return LevelNone, nil
	}
	access, ok := docs[docID].(string)
	if !ok {
		return LevelNone, nil
	}
	level, err := ParseLevel(access)
	if err != nil {
		return LevelNone, nil
	}
	return level, nil
}
