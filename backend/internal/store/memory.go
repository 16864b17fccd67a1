package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"syncServer/backend/internal/crdt"
)

// MemoryStore is an in-process UpdateStore with the same compaction
// behavior as the MySQL store. Used by tests and single-process setups.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	entries   map[string][]Entry
	compactAt int
}

func NewMemoryStore(compactAt int) *MemoryStore {
	if compactAt <= 0 {
		compactAt = DefaultCompactAt
	}
	return &MemoryStore{entries: make(map[string][]Entry), compactAt: compactAt}
}

func (s *MemoryStore) Append(_ context.Context, docID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries[docID] = append(s.entries[docID], Entry{
		ID:      s.nextID,
		DocID:   docID,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (s *MemoryStore) Read(_ context.Context, docID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[docID]
	if len(entries) < s.compactAt {
		return append([]Entry(nil), entries...), nil
	}

	scratch := crdt.NewDoc()
	for _, e := range entries {
		if _, err := scratch.ApplyUpdate(e.Payload, nil); err != nil {
			return nil, errors.Wrapf(err, "merging entry %d", e.ID)
		}
	}
	s.nextID++
	merged := Entry{ID: s.nextID, DocID: docID, Payload: scratch.EncodeFullState()}
	s.entries[docID] = []Entry{merged}
	return []Entry{merged}, nil
}

// Len reports the current log length for a document.
func (s *MemoryStore) Len(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[docID])
}
