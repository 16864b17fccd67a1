package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus with self-delivery, matching the Redis
// pub/sub behavior of delivering published messages to every subscriber
// including the publisher's own subscriptions. Used by tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	targets := append([]*memorySub(nil), b.subs[channel]...)
	b.mu.Unlock()
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		s.deliver(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	s := &memorySub{
		bus:      b,
		channels: append([]string(nil), channels...),
		out:      make(chan Message, 256),
	}
	b.mu.Lock()
	for _, ch := range channels {
		b.subs[ch] = append(b.subs[ch], s)
	}
	b.mu.Unlock()
	return s, nil
}

type memorySub struct {
	bus      *MemoryBus
	channels []string
	mu       sync.Mutex
	closed   bool
	out      chan Message
}

func (s *memorySub) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		// Slow subscriber; pub/sub delivery is best-effort.
	}
}

func (s *memorySub) Messages() <-chan Message { return s.out }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	for _, ch := range s.channels {
		subs := s.bus.subs[ch]
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
