package crdt

import (
	"encoding/binary"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// Doc is a grow-only op-set document. Every site appends operations with a
// per-site increasing sequence number; document state is the union of all
// operations ever applied, which makes merging commutative, associative and
// idempotent by construction. Named lists are projected from the op set by
// ordering on (seq, site).
type Doc struct {
	site uint64
	ops  []op
	// seen dedupes individual ops; vector tracks the max seq per site for
	// state-vector exchange.
	seen   map[uint64]map[uint64]struct{}
	vector map[uint64]uint64
}

type op struct {
	site uint64
	seq  uint64
	list string
	val  string
}

func NewDoc() *Doc {
	return &Doc{
		site:   rand.Uint64() | 1,
		seen:   make(map[uint64]map[uint64]struct{}),
		vector: make(map[uint64]uint64),
	}
}

// New returns a Doc behind the Document contract.
func New() Document { return NewDoc() }

// Append records local list appends and returns the event carrying their
// encoded update, for fan-out by the caller.
func (d *Doc) Append(list string, values ...string) UpdateEvent {
	added := make([]op, 0, len(values))
	for _, v := range values {
		o := op{site: d.site, seq: d.vector[d.site] + 1, list: list, val: v}
		d.admit(o)
		added = append(added, o)
	}
	return UpdateEvent{Payload: encodeOps(added)}
}

func (d *Doc) ApplyUpdate(payload []byte, origin any) ([]UpdateEvent, error) {
	ops, err := decodeOps(payload)
	if err != nil {
		return nil, err
	}
	var applied []op
	for _, o := range ops {
		if _, ok := d.seen[o.site][o.seq]; ok {
			continue
		}
		d.admit(o)
		applied = append(applied, o)
	}
	if len(applied) == 0 {
		return nil, nil
	}
	return []UpdateEvent{{Payload: encodeOps(applied), Origin: origin}}, nil
}

func (d *Doc) admit(o op) {
	if d.seen[o.site] == nil {
		d.seen[o.site] = make(map[uint64]struct{})
	}
	d.seen[o.site][o.seq] = struct{}{}
	if o.seq > d.vector[o.site] {
		d.vector[o.site] = o.seq
	}
	d.ops = append(d.ops, o)
}

func (d *Doc) EncodeFullState() []byte {
	ops := append([]op(nil), d.ops...)
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].site != ops[j].site {
			return ops[i].site < ops[j].site
		}
		return ops[i].seq < ops[j].seq
	})
	return encodeOps(ops)
}

func (d *Doc) EncodeStateVector() []byte {
	sites := make([]uint64, 0, len(d.vector))
	for s := range d.vector {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	buf := binary.AppendUvarint(nil, uint64(len(sites)))
	for _, s := range sites {
		buf = binary.AppendUvarint(buf, s)
		buf = binary.AppendUvarint(buf, d.vector[s])
	}
	return buf
}

func (d *Doc) DiffUpdate(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	var missing []op
	for _, o := range d.ops {
		if o.seq > remote[o.site] {
			missing = append(missing, o)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].site != missing[j].site {
			return missing[i].site < missing[j].site
		}
		return missing[i].seq < missing[j].seq
	})
	return encodeOps(missing), nil
}

// List projects the named list in its converged order.
func (d *Doc) List(name string) []string {
	var sel []op
	for _, o := range d.ops {
		if o.list == name {
			sel = append(sel, o)
		}
	}
	sort.Slice(sel, func(i, j int) bool {
		if sel[i].seq != sel[j].seq {
			return sel[i].seq < sel[j].seq
		}
		return sel[i].site < sel[j].site
	})
	out := make([]string, len(sel))
	for i, o := range sel {
		out[i] = o.val
	}
	return out
}

func (d *Doc) Release() {
	d.ops = nil
	d.seen = nil
	d.vector = nil
}

func encodeOps(ops []op) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = binary.AppendUvarint(buf, o.site)
		buf = binary.AppendUvarint(buf, o.seq)
		buf = binary.AppendUvarint(buf, uint64(len(o.list)))
		buf = append(buf, o.list...)
		buf = binary.AppendUvarint(buf, uint64(len(o.val)))
		buf = append(buf, o.val...)
	}
	return buf
}

func decodeOps(payload []byte) ([]op, error) {
	n, payload, err := readUvarint(payload)
	if err != nil {
		return nil, err
	}
	// Each op occupies several bytes, so a count exceeding the remaining
	// payload length is malformed. Checked before the count drives an
	// allocation.
	if n > uint64(len(payload)) {
		return nil, errTruncated
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		var o op
		if o.site, payload, err = readUvarint(payload); err != nil {
			return nil, err
		}
		if o.seq, payload, err = readUvarint(payload); err != nil {
			return nil, err
		}
		if o.list, payload, err = readString(payload); err != nil {
			return nil, err
		}
		if o.val, payload, err = readString(payload); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	n, b, err := readUvarint(b)
	if err != nil {
		return nil, err
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		var site, seq uint64
		if site, b, err = readUvarint(b); err != nil {
			return nil, err
		}
		if seq, b, err = readUvarint(b); err != nil {
			return nil, err
		}
		sv[site] = seq
	}
	return sv, nil
}

var errTruncated = errors.New("crdt: truncated update")

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errTruncated
	}
	return v, b[n:], nil
}

func readString(b []byte) (string, []byte, error) {
	n, b, err := readUvarint(b)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(b)) < n {
		return "", nil, errTruncated
	}
	return string(b[:n]), b[n:], nil
}
