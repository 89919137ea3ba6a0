package codec

import (
	"encoding/binary"
	"math"
)

const defaultWriterSize = 64

// Writer appends wire-encoded values to a growable buffer.
//
// A Writer is reusable: Reset keeps the allocated buffer. It is not safe for
// concurrent use.
type Writer struct {
	buf   []byte
	forks []int // offsets of open Fork placeholders, innermost last
	err   error
}

// NewWriter returns a Writer with an initial capacity of size bytes.
func NewWriter(size int) *Writer {
	if size <= 0 {
		size = defaultWriterSize
	}
	return &Writer{buf: make([]byte, 0, size)}
}

// grow makes room for at least n more bytes, growing capacity by half
// again each time so many small appends stay amortized.
func (w *Writer) grow(n int) {
	if cap(w.buf)-len(w.buf) >= n {
		return
	}
	size := cap(w.buf) + cap(w.buf)/2
	if size < len(w.buf)+n {
		size = len(w.buf) + n
	}
	buf := make([]byte, len(w.buf), size)
	copy(buf, w.buf)
	w.buf = buf
}

// Tag writes the tag for field with wire type wt.
func (w *Writer) Tag(field uint32, wt WireType) {
	w.Uint32(Tag(field, wt))
}

// Uint32 writes v as a varint.
func (w *Writer) Uint32(v uint32) {
	w.Uint64(uint64(v))
}

// Uint64 writes v as a varint.
func (w *Writer) Uint64(v uint64) {
	w.grow(maxVarintLen64)
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// Int32 writes v sign-extended to 64 bits, so negative values take ten
// bytes as in the standard int32 encoding.
func (w *Writer) Int32(v int32) {
	w.Uint64(uint64(int64(v)))
}

// Int64 writes the two's complement bits of v as a varint.
func (w *Writer) Int64(v int64) {
	w.Uint64(uint64(v))
}

// Sint32 writes v zigzag encoded.
func (w *Writer) Sint32(v int32) {
	w.Uint32(zigzag32(v))
}

// Sint64 writes v zigzag encoded.
func (w *Writer) Sint64(v int64) {
	w.Uint64(zigzag64(v))
}

// Bool writes v as a one byte varint.
func (w *Writer) Bool(v bool) {
	w.grow(1)
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// Fixed32 writes v as four little-endian bytes.
func (w *Writer) Fixed32(v uint32) {
	w.grow(4)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Sfixed32 writes v as four little-endian bytes.
func (w *Writer) Sfixed32(v int32) {
	w.Fixed32(uint32(v))
}

// Fixed64 writes v as eight little-endian bytes.
func (w *Writer) Fixed64(v uint64) {
	w.grow(8)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Sfixed64 writes v as eight little-endian bytes.
func (w *Writer) Sfixed64(v int64) {
	w.Fixed64(uint64(v))
}

// Float writes the IEEE-754 bits of v as four little-endian bytes.
func (w *Writer) Float(v float32) {
	w.Fixed32(math.Float32bits(v))
}

// Double writes the IEEE-754 bits of v as eight little-endian bytes.
func (w *Writer) Double(v float64) {
	w.Fixed64(math.Float64bits(v))
}

// Bytes writes a varint length followed by b.
func (w *Writer) Bytes(b []byte) {
	w.Uint64(uint64(len(b)))
	w.grow(len(b))
	w.buf = append(w.buf, b...)
}

// String writes a varint length followed by the UTF-8 bytes of s.
func (w *Writer) String(s string) {
	w.Uint64(uint64(len(s)))
	w.grow(len(s))
	w.buf = append(w.buf, s...)
}

// Fork starts a length-delimited section. Everything written until the
// matching Ldelim is prefixed with its length.
func (w *Writer) Fork() {
	w.forks = append(w.forks, len(w.buf))
	w.grow(forkReserve)
	w.buf = w.buf[:len(w.buf)+forkReserve]
}

// Ldelim closes the innermost open Fork: the payload length is written at
// the reserved offset and the payload is shifted left over the unused part
// of the placeholder. Ldelim without an open Fork is recorded and reported
// by Finish.
func (w *Writer) Ldelim() {
	if len(w.forks) == 0 {
		if w.err == nil {
			w.err = ErrUnbalancedFork
		}
		return
	}
	off := w.forks[len(w.forks)-1]
	w.forks = w.forks[:len(w.forks)-1]

	start := off + forkReserve
	n := len(w.buf) - start
	if n > maxDelimitedLen && w.err == nil {
		w.err = ErrTooLarge
	}

	var prefix [forkReserve]byte
	k := binary.PutUvarint(prefix[:], uint64(n)&maxDelimitedLen)
	copy(w.buf[off:], prefix[:k])
	if k < forkReserve {
		copy(w.buf[off+k:], w.buf[start:])
		w.buf = w.buf[:off+k+n]
	}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Finish returns the encoded bytes. It fails if a Fork is still open or an
// Ldelim had no matching Fork. The returned slice is only valid until the
// next write or Reset.
func (w *Writer) Finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if len(w.forks) != 0 {
		return nil, ErrUnbalancedFork
	}
	return w.buf, nil
}

// Reset discards buffered data, open forks and any recorded error while
// keeping the allocated buffer.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.forks = w.forks[:0]
	w.err = nil
}
