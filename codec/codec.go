// Package codec implements the protobuf-compatible wire primitives used by
// every message on an RPC stream.
//
// Values are written with a Writer and read back with a Reader. Nested
// messages are length-prefixed with Fork/Ldelim: Fork reserves room for the
// length, Ldelim backfills it once the payload size is known.
//
//	tag = (field << 3) | wireType
//
//	wire type 0  varint        int32, int64, uint32, uint64, sint32, sint64, bool
//	wire type 1  64-bit        fixed64, sfixed64, double
//	wire type 2  length-delim  string, bytes, embedded messages
//	wire type 5  32-bit        fixed32, sfixed32, float
package codec

import "errors"

// WireType is the low three bits of a field tag.
type WireType uint32

const (
	WireVarint     WireType = 0
	WireFixed64    WireType = 1
	WireBytes      WireType = 2
	WireStartGroup WireType = 3
	WireEndGroup   WireType = 4
	WireFixed32    WireType = 5
)

const (
	// maxVarintLen64 is the longest encoding of a 64-bit varint.
	maxVarintLen64 = 10
	// forkReserve is the placeholder size Fork leaves for a length prefix,
	// the longest encoding of a 32-bit varint.
	forkReserve = 5
	// maxDelimitedLen is the largest payload Ldelim accepts.
	maxDelimitedLen = 1<<32 - 1
)

// MaxGroupDepth is the deepest nesting of groups SkipField will step over.
const MaxGroupDepth = 10000

var (
	// ErrTruncated is returned when the input ends inside a value. This
	// includes a varint whose final byte still has its continuation bit set.
	ErrTruncated = errors.New("codec: unexpected end of input")
	// ErrOverflow is returned for a varint longer than 10 bytes or one that
	// does not fit in 64 bits.
	ErrOverflow = errors.New("codec: varint overflows 64 bits")
	// ErrInvalidWireType is returned when skipping a field of an unknown or
	// unsupported wire type.
	ErrInvalidWireType = errors.New("codec: invalid wire type")
	// ErrTooDeep is returned when skipped groups nest deeper than
	// MaxGroupDepth.
	ErrTooDeep = errors.New("codec: groups nested too deeply")
	// ErrGroupMismatch is returned for an end-group tag whose field number
	// differs from the open group.
	ErrGroupMismatch = errors.New("codec: mismatched end group")
	// ErrInvalidTag is returned for a tag with field number zero or one
	// that does not fit in 32 bits.
	ErrInvalidTag = errors.New("codec: invalid field tag")
	// ErrUnbalancedFork is reported by Writer.Finish when Fork and Ldelim
	// calls did not pair up.
	ErrUnbalancedFork = errors.New("codec: unbalanced fork/ldelim")
	// ErrTooLarge is reported by Writer.Finish when a delimited payload does
	// not fit in a 32-bit length.
	ErrTooLarge = errors.New("codec: delimited message too large")
)

// Tag composes a field number and wire type into a tag value.
func Tag(field uint32, wt WireType) uint32 {
	return field<<3 | uint32(wt)
}

func zigzag32(v int32) uint32 {
	return uint32(v<<1) ^ uint32(v>>31)
}

func zigzag64(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag32(v uint32) int32 {
	return int32(v>>1) ^ -int32(v&1)
}

func unzigzag64(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
