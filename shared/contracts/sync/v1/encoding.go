package v1

import (
	"encoding/binary"
	"unicode/utf8"
)

// Encoder appends varuint-framed values to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with an initial capacity hint.
func NewEncoder(capHint int) *Encoder {
	if capHint < 16 {
		capHint = 16
	}
	return &Encoder{buf: make([]byte, 0, capHint)}
}

// WriteVarUint appends v as an LEB128 varuint.
func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteVarBytes appends a length-prefixed byte slice.
func (e *Encoder) WriteVarBytes(p []byte) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(p)))
	e.buf = append(e.buf, p...)
}

// WriteVarString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteVarString(s string) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends p without a length prefix.
func (e *Encoder) WriteRaw(p []byte) {
	e.buf = append(e.buf, p...)
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the encoded buffer. The encoder must not be reused afterwards.
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads varuint-framed values from a byte slice without copying.
// Slices returned by ReadVarBytes alias the input buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps p for reading.
func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

// ReadVarUint reads an LEB128 varuint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrVarintOverflow
	}
	d.pos += n
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte slice.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrUnexpectedEOF
	}
	end := d.pos + int(n)
	p := d.buf[d.pos:end:end]
	d.pos = end
	return p, nil
}

// ReadVarString reads a length-prefixed string. Invalid UTF-8 is rejected.
func (d *Decoder) ReadVarString() (string, error) {
	p, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", ErrUnexpectedEOF
	}
	return string(p), nil
}

// Remaining reports how many unread bytes are left.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Rest returns the unread tail without consuming it.
func (d *Decoder) Rest() []byte { return d.buf[d.pos:] }
