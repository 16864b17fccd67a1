package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"syncServer/backend/internal/bus"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/events"
	"syncServer/backend/internal/store"
)

// Config wires a Registry to its collaborators. Events may be nil.
type Config struct {
	Store  store.UpdateStore
	Queue  cache.UpdateQueue
	Bus    bus.Bus
	Events *events.Dispatcher
	// NewDoc constructs the opaque document capability; defaults to the
	// built-in implementation.
	NewDoc func() crdt.Document

	now func() time.Time
}

// Registry is the process-wide map from document id to its at-most-one live
// session. It is explicitly constructed and torn down by the owning
// process: created at startup, drained by Cleanup at shutdown.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config) *Registry {
	if cfg.NewDoc == nil {
		cfg.NewDoc = crdt.New
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Registry{cfg: cfg, sessions: make(map[string]*Session)}
}

// Resolve returns the live session for docID, constructing and hydrating it
// when absent. The new session is registered before hydration so concurrent
// resolvers share it, but its mutex is held throughout hydration: early
// messages queue until the document is warm.
func (r *Registry) Resolve(ctx context.Context, docID string) (*Session, bool, error) {
	r.mu.Lock()
	if s, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	s := newSession(docID, r)
	r.sessions[docID] = s
	s.mu.Lock()
	r.mu.Unlock()

	if err := r.start(ctx, s); err != nil {
		s.closed = true
		s.mu.Unlock()
		r.mu.Lock()
		if r.sessions[docID] == s {
			delete(r.sessions, docID)
		}
		r.mu.Unlock()
		s.destroy()
		return nil, false, err
	}
	s.mu.Unlock()
	return s, true, nil
}

// start hydrates the session and subscribes it to the replica bus; called
// with s.mu held.
func (r *Registry) start(ctx context.Context, s *Session) error {
	if err := r.hydrate(ctx, s); err != nil {
		return err
	}
	sub, err := r.cfg.Bus.Subscribe(context.Background(), s.id, s.awarenessChannel)
	if err != nil {
		return errors.Wrap(err, "subscribing to replica bus")
	}
	s.sub = sub
	go s.busLoop(sub)
	return nil
}

// hydrate replays the durable log and then the recent-updates queue, each
// accumulated into a scratch document whose full state is merged in. Merge
// commutativity makes the accumulation order irrelevant to the result; an
// empty log simply yields an empty document.
func (r *Registry) hydrate(ctx context.Context, s *Session) error {
	entries, err := r.cfg.Store.Read(ctx, s.id)
	if err != nil {
		return errors.Wrap(err, "reading update log")
	}
	if len(entries) > 0 {
		scratch := r.cfg.NewDoc()
		for _, e := range entries {
			if _, err := scratch.ApplyUpdate(e.Payload, nil); err != nil {
				log.WithFields(log.Fields{"err": err, "doc": s.id, "entry": e.ID}).
					Warn("skipping unreadable log entry")
			}
		}
		if _, err := s.doc.ApplyUpdate(scratch.EncodeFullState(), nil); err != nil {
			return errors.Wrap(err, "merging persisted state")
		}
		scratch.Release()
	}

	// The queue holds updates newer than the last persisted read. Loss or
	// unavailability is tolerated; the log remains authoritative.
	payloads, err := r.cfg.Queue.ReadAll(ctx, s.id)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("cache queue unavailable during hydration")
		return nil
	}
	if len(payloads) > 0 {
		scratch := r.cfg.NewDoc()
		for _, p := range payloads {
			if _, err := scratch.ApplyUpdate(p, nil); err != nil {
				log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("skipping unreadable queued update")
			}
		}
		if _, err := s.doc.ApplyUpdate(scratch.EncodeFullState(), nil); err != nil {
			return errors.Wrap(err, "merging queued state")
		}
		scratch.Release()
	}
	return nil
}

// Release detaches a connection from its session, cleaning up the presence
// entries the connection controlled. The last detach synchronously destroys
// the session: unsubscribe from the bus, release the document, deregister.
func (r *Registry) Release(s *Session, c Conn) {
	var toClose []Conn

	s.mu.Lock()
	controlled, attached := s.conns[c]
	if !attached {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c)

	if len(controlled) > 0 {
		ids := make([]uint64, 0, len(controlled))
		for id := range controlled {
			ids = append(ids, id)
		}
		change := s.awareness.RemoveStates(ids)
		if len(change.Removed) > 0 {
			removal := s.awareness.EncodeUpdate(change.Removed)
			msg := awarenessMessage(removal)
			for conn := range s.conns {
				if err := conn.Send(msg); err != nil {
					toClose = append(toClose, conn)
				}
			}
			if err := r.cfg.Bus.Publish(context.Background(), s.awarenessChannel, removal); err != nil {
				log.WithFields(log.Fields{"err": err, "doc": s.id}).Warn("awareness removal publish failed")
			}
		}
	}

	last := len(s.conns) == 0
	if last {
		s.closed = true
	}
	s.mu.Unlock()

	if last {
		r.mu.Lock()
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
		}
		r.mu.Unlock()
		s.destroy()
	}

	for _, conn := range toClose {
		conn.Close()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cleanup force-closes every live connection, draining the registry. Part
// of process shutdown.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		conns := make([]Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}
}
