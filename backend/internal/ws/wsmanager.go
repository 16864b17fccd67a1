// Package ws promotes admitted upgrade requests to live connections and
// runs their read/write/liveness pumps against the session layer.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Access control happens at admission; the upgrade itself accepts any
	// origin so non-browser clients work.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Manager struct {
	reg          *session.Registry
	pingInterval time.Duration
	sendBuffer   int
}

type ManagerOptions struct {
	PingInterval time.Duration
	SendBuffer   int
}

func NewManager(reg *session.Registry, opt ManagerOptions) *Manager {
	return &Manager{
		reg:          reg,
		pingInterval: opt.PingInterval,
		sendBuffer:   opt.SendBuffer,
	}
}

// WebSocketConnect upgrades an admitted request and binds the socket to its
// document session. It blocks in the read loop until the connection ends.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.GetString(gate.CtxDocID)
	level, ok := c.MustGet(gate.CtxAccessLevel).(gate.Level)
	if !ok || docID == "" {
		c.String(http.StatusInternalServerError, "admission state missing")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": docID}).Warn("websocket upgrade failed")
		return
	}

	sess, _, err := m.reg.Resolve(c.Request.Context(), docID)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": docID}).Error("session resolve failed")
		_ = conn.Close()
		return
	}

	wsConn := newConn(uuid.NewString(), conn, sess, m.reg, level, m.pingInterval, m.sendBuffer)
	if err := sess.Attach(wsConn); err != nil {
		log.WithFields(log.Fields{"err": err, "doc": docID}).Warn("attach failed")
		wsConn.Close()
		return
	}

	go wsConn.writeLoop()
	go wsConn.pingLoop()
	wsConn.readLoop(c.Request.Context())
}
