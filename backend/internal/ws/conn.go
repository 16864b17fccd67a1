package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/session"
)

const (
	// DefaultPingInterval is the liveness probe period; a connection that
	// leaves a probe unanswered for a full period is reclaimed.
	DefaultPingInterval = 30 * time.Second

	defaultSendBuffer = 64
	writeWait         = 10 * time.Second
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is the per-socket state machine: it pumps inbound messages into the
// session, drains the outbound buffer onto the socket, and probes liveness.
// Every teardown path funnels through Close, which detaches from the
// session exactly once.
type Conn struct {
	id    string
	ws    *websocket.Conn
	sess  *session.Session
	reg   *session.Registry
	level gate.Level

	send chan []byte
	done chan struct{}

	closeOnce    sync.Once
	pongReceived atomic.Bool
	pingInterval time.Duration
}

func newConn(id string, ws *websocket.Conn, sess *session.Session, reg *session.Registry, level gate.Level, pingInterval time.Duration, sendBuffer int) *Conn {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	c := &Conn{
		id:           id,
		ws:           ws,
		sess:         sess,
		reg:          reg,
		level:        level,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
	c.pongReceived.Store(true)
	return c
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) Level() gate.Level { return c.level }

// Send enqueues a message without blocking. A full buffer is reported as an
// error; the session closes connections that cannot keep up.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close tears the connection down: detach from the session (destroying it
// on last detach), stop the pumps, close the socket. Idempotent and safe
// from any goroutine not holding session state.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.reg.Release(c.sess, c)
		_ = c.ws.Close()
	})
}

// readLoop processes inbound messages in receipt order until the socket
// dies or the session reports a protocol violation.
func (c *Conn) readLoop(ctx context.Context) {
	defer c.Close()
	c.ws.SetPongHandler(func(string) error {
		c.pongReceived.Store(true)
		return nil
	})
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := c.sess.HandleMessage(ctx, c, data); err != nil {
			log.WithFields(log.Fields{"err": err, "conn": c.id, "doc": c.sess.ID()}).
				Warn("closing connection on protocol violation")
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.Close()
				return
			}
		}
	}
}

// pingLoop is the only mechanism reclaiming sockets that die without a
// close at the transport layer: each tick force-closes the connection if
// the previous probe went unanswered, otherwise probes again.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.pongReceived.Swap(false) {
				c.Close()
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
