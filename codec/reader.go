package codec

import (
	"encoding/binary"
	"math"
)

// Reader decodes wire-encoded values from a byte slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current read offset.
func (r *Reader) Pos() int {
	return r.pos
}

// Len returns the length of the underlying buffer.
func (r *Reader) Len() int {
	return len(r.buf)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Bound returns the absolute offset length bytes past the current
// position, failing if that runs past the end of the input. Message
// decoders loop while Pos is below the bound.
func (r *Reader) Bound(length int) (int, error) {
	if length < 0 || length > r.Remaining() {
		return 0, ErrTruncated
	}
	return r.pos + length, nil
}

// Tag reads a field tag and splits it into field number and wire type.
// A tag that is zero or wider than 32 bits is ErrInvalidTag.
func (r *Reader) Tag() (uint32, WireType, error) {
	v, err := r.Uint64()
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxUint32 || v>>3 == 0 {
		return 0, 0, ErrInvalidTag
	}
	return uint32(v >> 3), WireType(v & 7), nil
}

// Uint64 reads a varint. Input that ends before a byte without the
// continuation bit is ErrTruncated, never a partial value.
func (r *Reader) Uint64() (uint64, error) {
	var v uint64
	for i := 0; i < maxVarintLen64; i++ {
		if r.pos >= len(r.buf) {
			return 0, ErrTruncated
		}
		b := r.buf[r.pos]
		r.pos++
		if i == maxVarintLen64-1 && b > 1 {
			return 0, ErrOverflow
		}
		v |= uint64(b&0x7f) << (7 * uint(i))
		if b < 0x80 {
			return v, nil
		}
	}
	return 0, ErrOverflow
}

// Uint32 reads a varint and truncates it to 32 bits.
func (r *Reader) Uint32() (uint32, error) {
	v, err := r.Uint64()
	return uint32(v), err
}

// Int32 reads a sign-extended varint.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint64()
	return int32(v), err
}

// Int64 reads a varint as two's complement.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Sint32 reads a zigzag encoded varint.
func (r *Reader) Sint32() (int32, error) {
	v, err := r.Uint32()
	return unzigzag32(v), err
}

// Sint64 reads a zigzag encoded varint.
func (r *Reader) Sint64() (int64, error) {
	v, err := r.Uint64()
	return unzigzag64(v), err
}

// Bool reads a varint and reports whether it is non-zero.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint64()
	return v != 0, err
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Fixed32 reads four little-endian bytes.
func (r *Reader) Fixed32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Sfixed32 reads four little-endian bytes as a signed value.
func (r *Reader) Sfixed32() (int32, error) {
	v, err := r.Fixed32()
	return int32(v), err
}

// Fixed64 reads eight little-endian bytes.
func (r *Reader) Fixed64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Sfixed64 reads eight little-endian bytes as a signed value.
func (r *Reader) Sfixed64() (int64, error) {
	v, err := r.Fixed64()
	return int64(v), err
}

// Float reads an IEEE-754 single precision value.
func (r *Reader) Float() (float32, error) {
	v, err := r.Fixed32()
	return math.Float32frombits(v), err
}

// Double reads an IEEE-754 double precision value.
func (r *Reader) Double() (float64, error) {
	v, err := r.Fixed64()
	return math.Float64frombits(v), err
}

func (r *Reader) delimited() ([]byte, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, ErrTruncated
	}
	return r.next(int(n))
}

// Bytes reads a length-prefixed byte string. The result is a copy and does
// not alias the input buffer.
func (r *Reader) Bytes() ([]byte, error) {
	b, err := r.delimited()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.delimited()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.next(n)
	return err
}

// SkipType discards the payload of a field with wire type wt so decoders
// can step over fields they do not know. The end of a skipped group is not
// matched against its field number; use SkipField when it is known.
func (r *Reader) SkipType(wt WireType) error {
	return r.SkipField(0, wt)
}

// SkipField discards the payload of field. Groups are skipped without
// recursion, up to MaxGroupDepth levels, and every end-group tag must
// close the group opened with the same field number.
func (r *Reader) SkipField(field uint32, wt WireType) error {
	if wt != WireStartGroup {
		return r.skipValue(wt)
	}

	open := []uint32{field}
	for len(open) > 0 {
		f, gwt, err := r.Tag()
		if err != nil {
			return err
		}
		switch gwt {
		case WireStartGroup:
			if len(open) >= MaxGroupDepth {
				return ErrTooDeep
			}
			open = append(open, f)
		case WireEndGroup:
			// field 0 marks an outer group of unknown number
			if top := open[len(open)-1]; top != 0 && top != f {
				return ErrGroupMismatch
			}
			open = open[:len(open)-1]
		default:
			if err := r.skipValue(gwt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) skipValue(wt WireType) error {
	switch wt {
	case WireVarint:
		_, err := r.Uint64()
		return err
	case WireFixed64:
		return r.Skip(8)
	case WireBytes:
		_, err := r.delimited()
		return err
	case WireFixed32:
		return r.Skip(4)
	default:
		return ErrInvalidWireType
	}
}
