package gate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by Admit for the upgrade handler.
const (
	CtxDocID       = "docId"
	CtxAccessLevel = "accessLevel"
)

const checkTimeout = 1200 * time.Millisecond

// Admit is the admission middleware for the upgrade route. The document id
// comes from the :docId path parameter; the token from the Authorization
// header or, since browsers cannot set headers on websocket requests, from
// the ?token= query parameter.
func Admit(auth Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := strings.TrimSpace(c.Param("docId"))
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if docID == "" || token == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_REQUEST",
				"message": "document id and token are required",
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		level, err := auth.CheckAccess(ctx, docID, token)
		if err != nil {
			log.WithFields(log.Fields{"err": err, "doc": docID}).Warn("access check failed")
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "authorization check failed",
			})
			return
		}
		if level == LevelNone {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "no access to document",
			})
			return
		}

		c.Set(CtxDocID, docID)
		c.Set(CtxAccessLevel, level)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
