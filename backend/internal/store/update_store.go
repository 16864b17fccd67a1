// Package store persists the per-document update log. The log is the
// authoritative source for cold starts; reads compact it online once it
// grows past a threshold so steady-state length stays bounded.
package store

import "context"

// Entry is one appended update fragment. ID is assigned by the store and
// increases monotonically per document.
type Entry struct {
	ID      int64
	DocID   string
	Payload []byte
}

type UpdateStore interface {
	// Append adds one update fragment to the document's log.
	Append(ctx context.Context, docID string, payload []byte) error
	// Read returns the document's entries in sequence order. When the log
	// has reached the compaction threshold the entries are merged into a
	// single entry inside one serializable transaction and that entry is
	// returned alone.
	Read(ctx context.Context, docID string) ([]Entry, error)
}
