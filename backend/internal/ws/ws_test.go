package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"syncServer/backend/internal/bus"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/protocol"
	"syncServer/backend/internal/session"
	"syncServer/backend/internal/store"
)

var testSecret = []byte("ws-test-secret")

func newCollabServer(t *testing.T, pingInterval time.Duration) (*httptest.Server, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := session.NewRegistry(session.Config{
		Store: store.NewMemoryStore(50),
		Queue: cache.NewMemoryQueue(100, time.Minute),
		Bus:   bus.NewMemoryBus(),
	})
	m := NewManager(reg, ManagerOptions{PingInterval: pingInterval})

	r := gin.New()
	r.GET("/collab/:docId", gate.Admit(gate.NewJWTAuthorizer(testSecret)), m.WebSocketConnect)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg
}

func token(t *testing.T, docs map[string]any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"docs": docs}).
		SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func dial(t *testing.T, srv *httptest.Server, docID, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/" + docID + "?token=" + tok
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	return data
}

// readUpdate skips frames until a sync update arrives and returns its payload.
func readUpdate(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	for {
		dec := protocol.NewDecoder(readFrame(t, c))
		kind, err := dec.ReadVarUint()
		require.NoError(t, err)
		if kind != protocol.MessageSync {
			continue
		}
		sub, err := dec.ReadVarUint()
		require.NoError(t, err)
		if sub != protocol.SyncUpdate {
			continue
		}
		p, err := dec.ReadVarBytes()
		require.NoError(t, err)
		return p
	}
}

func TestAdmissionHandshake(t *testing.T) {
	srv, reg := newCollabServer(t, time.Minute)

	c := dial(t, srv, "doc-1", token(t, map[string]any{"doc-1": "rw"}))

	// The first frame after admission is a proactive sync step 1.
	dec := protocol.NewDecoder(readFrame(t, c))
	kind, err := dec.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageSync, kind)
	sub, err := dec.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, protocol.SyncStep1, sub)

	require.Equal(t, 1, reg.Len())
}

func TestUnauthorizedDialRejected(t *testing.T) {
	srv, reg := newCollabServer(t, time.Minute)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/doc-1?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Not even a read-only grant admits a socket for a different document.
	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/doc-2?token=" +
		token(t, map[string]any{"doc-1": "rw"})
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	require.Zero(t, reg.Len())
}

func TestTwoClientConvergence(t *testing.T) {
	srv, _ := newCollabServer(t, time.Minute)
	tok := token(t, map[string]any{"doc-1": "rw"})

	a := dial(t, srv, "doc-1", tok)
	b := dial(t, srv, "doc-1", tok)
	readFrame(t, a) // admission step 1
	readFrame(t, b)

	client := crdt.NewDoc()
	ev := client.Append("items", "x", "y", "z")
	enc := protocol.NewEncoder()
	enc.WriteVarUint(protocol.MessageSync)
	protocol.WriteUpdate(enc, ev.Payload)
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, enc.Bytes()))

	for _, peer := range []*websocket.Conn{a, b} {
		doc := crdt.NewDoc()
		_, err := doc.ApplyUpdate(readUpdate(t, peer), nil)
		require.NoError(t, err)
		require.Equal(t, []string{"x", "y", "z"}, doc.List("items"))
	}
}

func TestUnansweredPingReclaimsConnection(t *testing.T) {
	srv, reg := newCollabServer(t, 50*time.Millisecond)

	c := dial(t, srv, "doc-1", token(t, map[string]any{"doc-1": "rw"}))
	require.Eventually(t, func() bool { return reg.Len() == 1 },
		time.Second, 10*time.Millisecond)

	// The client never reads, so it never answers the server's probes. The
	// second tick finds the probe unanswered and reclaims the connection,
	// destroying the now-empty session.
	_ = c
	require.Eventually(t, func() bool { return reg.Len() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestProtocolViolationClosesSocket(t *testing.T) {
	srv, reg := newCollabServer(t, time.Minute)

	c := dial(t, srv, "doc-1", token(t, map[string]any{"doc-1": "rw"}))
	readFrame(t, c)

	enc := protocol.NewEncoder()
	enc.WriteVarUint(9)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, enc.Bytes()))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return reg.Len() == 0 },
		2*time.Second, 20*time.Millisecond)
}
