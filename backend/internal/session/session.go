// Package session holds the in-memory authority for open documents: one
// Session per (process, document id), a Registry mapping ids to live
// sessions, and the sync/awareness dispatch that keeps local connections and
// remote replicas converged.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"syncServer/backend/internal/awareness"
	"syncServer/backend/internal/bus"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/events"
	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/protocol"
)

// AwarenessChannelSuffix derives the presence bus channel from the content
// channel (the document id itself).
const AwarenessChannelSuffix = ":awareness"

// Conn is the session's view of an attached connection. Send must not
// block: it either enqueues or reports an error, and the session closes
// connections that report one. Close must be safe to call from any
// goroutine and must not be invoked while session state is locked.
type Conn interface {
	ID() string
	Level() gate.Level
	Send(payload []byte) error
	Close()
}

// Session owns one document's in-memory state. All mutation of doc,
// awareness and conns is serialized by mu; hydration runs under mu so
// messages arriving during cold start queue behind it.
type Session struct {
	id               string
	awarenessChannel string

	reg *Registry

	mu        sync.Mutex
	closed    bool
	doc       crdt.Document
	awareness *awareness.Registry
	// conns maps each attached connection to the awareness client ids it
	// controls, for presence cleanup on disconnect.
	conns map[Conn]map[uint64]struct{}

	sub bus.Subscription
}

func newSession(id string, reg *Registry) *Session {
	return &Session{
		id:               id,
		awarenessChannel: id + AwarenessChannelSuffix,
		reg:              reg,
		doc:              reg.cfg.NewDoc(),
		awareness:        awareness.NewRegistry(),
		conns:            make(map[Conn]map[uint64]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Attach registers a connection and sends the admission messages: a
// proactive sync step 1 requesting the client's state vector and, when any
// presence is known, a snapshot of the awareness registry.
func (s *Session) Attach(c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("session %s is closed", s.id)
	}
	s.conns[c] = make(map[uint64]struct{})

	enc := protocol.NewEncoder()
	enc.WriteVarUint(protocol.MessageSync)
	protocol.WriteSyncStep1(enc, s.doc.EncodeStateVector())
	if err := c.Send(enc.Bytes()); err != nil {
		return errors.Wrap(err, "sending sync step 1")
	}

	if s.awareness.Len() > 0 {
		enc = protocol.NewEncoder()
		enc.WriteVarUint(protocol.MessageAwareness)
		enc.WriteVarBytes(s.awareness.EncodeAll())
		if err := c.Send(enc.Bytes()); err != nil {
			return errors.Wrap(err, "sending awareness snapshot")
		}
	}
	return nil
}

// HandleMessage dispatches one inbound binary message from an attached
// connection. A non-nil error means a fatal protocol violation; the caller
// must close the connection without further processing.
func (s *Session) HandleMessage(ctx context.Context, c Conn, data []byte) error {
	toClose, err := s.dispatch(ctx, c, data)
	// Conn.Close re-enters the registry and the session mutex, so closing
	// happens strictly after dispatch released it.
	for _, conn := range toClose {
		conn.Close()
	}
	return err
}

// dispatch holds the session mutex for the whole message. The unlock is
// deferred so a panic in a decode path can never leave the session wedged.
func (s *Session) dispatch(ctx context.Context, c Conn, data []byte) (toClose []Conn, err error) {
	dec := protocol.NewDecoder(data)
	kind, err := dec.ReadVarUint()
	if err != nil {
		return nil, protocol.ErrProtocolViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case protocol.MessageSync:
		reply := protocol.NewEncoder()
		reply.WriteVarUint(protocol.MessageSync)
		evts, err := protocol.ReadSyncMessage(dec, reply, s.doc, c, c.Level() == gate.LevelReadWrite)
		if err != nil {
			return nil, errors.Wrap(protocol.ErrProtocolViolation, err.Error())
		}
		// Replies go only to the originating connection.
		if reply.Len() > 1 {
			if err := c.Send(reply.Bytes()); err != nil {
				toClose = append(toClose, c)
			}
		}
		for _, ev := range evts {
			toClose = s.fanoutLocked(ctx, ev.Payload, c, toClose)
		}
		return toClose, nil

	case protocol.MessageAwareness:
		delta, err := dec.ReadVarBytes()
		if err != nil {
			return nil, errors.Wrap(protocol.ErrProtocolViolation, err.Error())
		}
		return s.applyAwarenessLocked(ctx, delta, c, nil), nil

	default:
		return nil, protocol.ErrProtocolViolation
	}
}

// fanoutLocked propagates one locally applied update:
//  1. best-effort publish to the replica bus, the recent-updates queue and
//     the event firehose — failures degrade convergence speed, never
//     correctness, so they are logged and swallowed;
//  2. one atomic broadcast loop to every attached connection, originator
//     included (re-delivery is a no-op under the merge contract);
//  3. durable append; on failure the originating connection is closed —
//     peers already received the update, the failing writer must not assume
//     durability.
func (s *Session) fanoutLocked(ctx context.Context, payload []byte, origin Conn, toClose []Conn) []Conn {
	cfg := s.reg.cfg
	if err := cfg.Bus.Publish(ctx, s.id, payload); err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("bus publish failed")
	}
	if err := cfg.Queue.Push(ctx, s.id, payload); err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("cache queue push failed")
	}
	if cfg.Events != nil {
		cfg.Events.Enqueue(events.UpdateEvent{
			DocID:  s.id,
			ConnID: origin.ID(),
			Bytes:  len(payload),
			At:     cfg.now(),
		})
	}

	msg := updateMessage(payload)
	for conn := range s.conns {
		if err := conn.Send(msg); err != nil {
			toClose = append(toClose, conn)
		}
	}

	if err := cfg.Store.Append(ctx, s.id, payload); err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id, "conn": origin.ID()}).
			Error("durable append failed, dropping originating connection")
		toClose = append(toClose, origin)
	}
	return toClose
}

func (s *Session) applyAwarenessLocked(ctx context.Context, delta []byte, origin Conn, toClose []Conn) []Conn {
	// A truncated delta still applies the entries preceding the truncation,
	// so the partial change is propagated like any other; only the unread
	// tail is lost.
	change, err := s.awareness.ApplyUpdate(delta)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("truncated awareness delta")
	}
	// Attribute newly introduced client ids to the originating connection
	// so its presence can be cleaned up when it goes away.
	if controlled, ok := s.conns[origin]; ok {
		for _, id := range change.Added {
			controlled[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(controlled, id)
		}
	}

	changed := change.All()
	if len(changed) == 0 {
		return toClose
	}
	// Re-encode the applied entries rather than relaying the client's bytes,
	// so replicas only ever see well-formed deltas.
	applied := s.awareness.EncodeUpdate(changed)
	msg := awarenessMessage(applied)
	for conn := range s.conns {
		if err := conn.Send(msg); err != nil {
			toClose = append(toClose, conn)
		}
	}
	if err := s.reg.cfg.Bus.Publish(ctx, s.awarenessChannel, applied); err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("awareness publish failed")
	}
	return toClose
}

// applyRemoteUpdate merges an update delivered by the replica bus. It is
// broadcast locally but never re-published, re-queued or re-persisted: each
// replica persists only writes received directly from its own clients.
// Self-delivered publishes apply as no-ops and produce no events.
func (s *Session) applyRemoteUpdate(payload []byte) {
	var toClose []Conn

	s.mu.Lock()
	evts, err := s.doc.ApplyUpdate(payload, nil)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("dropping malformed replica update")
	}
	for _, ev := range evts {
		msg := updateMessage(ev.Payload)
		for conn := range s.conns {
			if err := conn.Send(msg); err != nil {
				toClose = append(toClose, conn)
			}
		}
	}
	s.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
}

func (s *Session) applyRemoteAwareness(delta []byte) {
	var toClose []Conn

	s.mu.Lock()
	change, err := s.awareness.ApplyUpdate(delta)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("dropping malformed replica awareness delta")
	}
	if changed := change.All(); len(changed) > 0 {
		msg := awarenessMessage(s.awareness.EncodeUpdate(changed))
		for conn := range s.conns {
			if err := conn.Send(msg); err != nil {
				toClose = append(toClose, conn)
			}
		}
	}
	s.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
}

func (s *Session) busLoop(sub bus.Subscription) {
	for msg := range sub.Messages() {
		switch msg.Channel {
		case s.id:
			s.applyRemoteUpdate(msg.Payload)
		case s.awarenessChannel:
			s.applyRemoteAwareness(msg.Payload)
		}
	}
}

func (s *Session) destroy() {
	if s.sub != nil {
		_ = s.sub.Close()
	}
	s.doc.Release()
}

func updateMessage(payload []byte) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(protocol.MessageSync)
	protocol.WriteUpdate(enc, payload)
	return enc.Bytes()
}

func awarenessMessage(delta []byte) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(protocol.MessageAwareness)
	enc.WriteVarBytes(delta)
	return enc.Bytes()
}
