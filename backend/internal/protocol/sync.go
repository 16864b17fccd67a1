package protocol

import (
	"syncServer/backend/internal/crdt"
)

// WriteSyncStep1 writes a state-vector request into an encoder whose
// message kind has already been written.
func WriteSyncStep1(e *Encoder, stateVector []byte) {
	e.WriteVarUint(SyncStep1)
	e.WriteVarBytes(stateVector)
}

func WriteSyncStep2(e *Encoder, update []byte) {
	e.WriteVarUint(SyncStep2)
	e.WriteVarBytes(update)
}

func WriteUpdate(e *Encoder, update []byte) {
	e.WriteVarUint(SyncUpdate)
	e.WriteVarBytes(update)
}

// ReadSyncMessage processes one sync body against doc. A step-1 request is
// answered by writing a step-2 response into reply; step-2 responses and
// incremental updates are applied to doc and their change events returned.
// When writable is false the mutating sub-messages are silently discarded:
// a read-only peer may still ask for state, but nothing it sends is applied.
func ReadSyncMessage(dec *Decoder, reply *Encoder, doc crdt.Document, origin any, writable bool) ([]crdt.UpdateEvent, error) {
	sub, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	switch sub {
	case SyncStep1:
		sv, err := dec.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		diff, err := doc.DiffUpdate(sv)
		if err != nil {
			return nil, err
		}
		WriteSyncStep2(reply, diff)
		return nil, nil
	case SyncStep2, SyncUpdate:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		if !writable {
			return nil, nil
		}
		return doc.ApplyUpdate(update, origin)
	default:
		return nil, ErrProtocolViolation
	}
}
