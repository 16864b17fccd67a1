package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process UpdateQueue with the same bound and sliding
// expiration semantics as the Redis queue. Used by tests and single-process
// setups.
type MemoryQueue struct {
	mu     sync.Mutex
	maxLen int
	ttl    time.Duration
	lists  map[string][][]byte
	expiry map[string]time.Time
}

func NewMemoryQueue(maxLen int, ttl time.Duration) *MemoryQueue {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryQueue{
		maxLen: maxLen,
		ttl:    ttl,
		lists:  make(map[string][][]byte),
		expiry: make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Push(_ context.Context, docID string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(docID)
	list := q.lists[docID]
	if len(list) >= q.maxLen {
		list = list[1:]
	}
	q.lists[docID] = append(list, append([]byte(nil), payload...))
	q.expiry[docID] = time.Now().Add(q.ttl)
	return nil
}

func (q *MemoryQueue) ReadAll(_ context.Context, docID string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(docID)
	return append([][]byte(nil), q.lists[docID]...), nil
}

func (q *MemoryQueue) expireLocked(docID string) {
	if exp, ok := q.expiry[docID]; ok && time.Now().After(exp) {
		delete(q.lists, docID)
		delete(q.expiry, docID)
	}
}
