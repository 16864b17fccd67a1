// Package protocol implements the binary wire protocol: a varint message
// kind followed by the body. Kind 0 multiplexes the sync sub-protocol
// (state-vector request, state-vector response, incremental update); kind 1
// carries an encoded presence delta. Any other kind is a fatal protocol
// violation for the connection that sent it.
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	errTruncated         = errors.New("truncated message")
)

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Len() int      { return len(e.buf) }
func (e *Encoder) Bytes() []byte { return e.buf }

type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, errTruncated
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < n {
		return nil, errTruncated
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}
