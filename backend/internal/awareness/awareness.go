// Package awareness tracks ephemeral per-client presence state. Presence is
// relayed between peers and replicas but never persisted; each client id
// carries a clock so stale deltas lose against newer ones.
package awareness

import (
	"sort"

	"github.com/pkg/errors"

	"syncServer/backend/internal/protocol"
)

type Registry struct {
	states map[uint64][]byte
	clocks map[uint64]uint64
}

// Change reports the client ids a delta touched.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

func NewRegistry() *Registry {
	return &Registry{
		states: make(map[uint64][]byte),
		clocks: make(map[uint64]uint64),
	}
}

func (r *Registry) Len() int { return len(r.states) }

// ApplyUpdate merges an encoded presence delta. An entry with an empty state
// payload removes the client. Entries with a clock at or below the known
// clock are stale and dropped.
func (r *Registry) ApplyUpdate(delta []byte) (Change, error) {
	dec := protocol.NewDecoder(delta)
	n, err := dec.ReadVarUint()
	if err != nil {
		return Change{}, errors.Wrap(err, "awareness delta")
	}
	var ch Change
	for i := uint64(0); i < n; i++ {
		clientID, err := dec.ReadVarUint()
		if err != nil {
			return ch, errors.Wrap(err, "awareness delta")
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return ch, errors.Wrap(err, "awareness delta")
		}
		state, err := dec.ReadVarBytes()
		if err != nil {
			return ch, errors.Wrap(err, "awareness delta")
		}
		if clock <= r.clocks[clientID] {
			continue
		}
		r.clocks[clientID] = clock
		_, known := r.states[clientID]
		switch {
		case len(state) == 0:
			if known {
				delete(r.states, clientID)
				ch.Removed = append(ch.Removed, clientID)
			}
		case known:
			r.states[clientID] = append([]byte(nil), state...)
			ch.Updated = append(ch.Updated, clientID)
		default:
			r.states[clientID] = append([]byte(nil), state...)
			ch.Added = append(ch.Added, clientID)
		}
	}
	return ch, nil
}

// RemoveStates drops the given clients, bumping their clocks so the removal
// wins over any in-flight delta for the same clock.
func (r *Registry) RemoveStates(ids []uint64) Change {
	var ch Change
	for _, id := range ids {
		if _, ok := r.states[id]; !ok {
			continue
		}
		delete(r.states, id)
		r.clocks[id]++
		ch.Removed = append(ch.Removed, id)
	}
	return ch
}

// EncodeUpdate encodes the current knowledge about the given client ids,
// including removals (empty state).
func (r *Registry) EncodeUpdate(ids []uint64) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(ids)))
	for _, id := range ids {
		enc.WriteVarUint(id)
		enc.WriteVarUint(r.clocks[id])
		enc.WriteVarBytes(r.states[id])
	}
	return enc.Bytes()
}

// EncodeAll snapshots every live presence entry, for newly admitted
// connections.
func (r *Registry) EncodeAll() []byte {
	ids := make([]uint64, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return r.EncodeUpdate(ids)
}
