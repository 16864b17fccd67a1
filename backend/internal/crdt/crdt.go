// Package crdt provides the conflict-free document capability the sync
// layer depends on. The session layer only relies on the Document contract:
// merges are commutative, associative and idempotent, and applying an update
// reports the resulting change events synchronously to the caller.
package crdt

// UpdateEvent is emitted when applying an update (or a local edit) changed
// document state. Payload is an update encoding exactly the newly applied
// operations; Origin is whatever the caller passed to ApplyUpdate, or nil
// for local/remote-replica edits.
type UpdateEvent struct {
	Payload []byte
	Origin  any
}

type Document interface {
	// ApplyUpdate merges an encoded update. Already-known operations are
	// ignored, so re-applying an update is a no-op yielding no events.
	ApplyUpdate(payload []byte, origin any) ([]UpdateEvent, error)
	// EncodeFullState encodes the whole document as one update.
	EncodeFullState() []byte
	// EncodeStateVector encodes the per-site progress summary used by
	// sync step 1.
	EncodeStateVector() []byte
	// DiffUpdate encodes the operations the holder of stateVector is
	// missing.
	DiffUpdate(stateVector []byte) ([]byte, error)
	// Release drops the document's state.
	Release()
}
