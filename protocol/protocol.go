// Package protocol implements the framing of Calls on a byte stream.
//
// Each frame is a varint length followed by that many bytes of an encoded
// Call. Frames are written back to back with no other header:
//
//	┌───────────────┬──────────────────────────┐
//	│ varint length │ Call (length bytes) ...   │
//	└───────────────┴──────────────────────────┘
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"strims-rpc/codec"
	"strims-rpc/message"
)

// MaxFrameSize is the largest frame ReadFrame and Decode accept.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned for a frame whose length prefix exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Append encodes call as a length-prefixed frame into w. w is reset first.
// The returned slice aliases w and is valid until w is next used.
func Append(w *codec.Writer, call *message.Call) ([]byte, error) {
	w.Reset()
	w.Fork()
	call.MarshalWire(w)
	w.Ldelim()
	return w.Finish()
}

// Encode writes call to out as one frame, using scratch as the encode
// buffer. The caller must serialize concurrent writers on the same stream
// or frames from different calls will interleave.
func Encode(out io.Writer, scratch *codec.Writer, call *message.Call) error {
	b, err := Append(scratch, call)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}

// Decode reads the next frame from r. A chunk holding several frames is
// consumed by calling Decode until r has no bytes remaining.
func Decode(r *codec.Reader) (*message.Call, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n > uint64(r.Remaining()) {
		return nil, codec.ErrTruncated
	}
	call := &message.Call{}
	if err := call.UnmarshalWire(r, int(n)); err != nil {
		return nil, err
	}
	return call, nil
}

// ReadFrame reads one frame body from br. It returns io.EOF only when the
// stream ends cleanly between frames.
func ReadFrame(br *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, codec.ErrTruncated
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, codec.ErrTruncated
		}
		return nil, err
	}
	return body, nil
}

// DecodeFrame decodes a frame body returned by ReadFrame.
func DecodeFrame(body []byte) (*message.Call, error) {
	call := &message.Call{}
	if err := message.Unmarshal(body, call); err != nil {
		return nil, err
	}
	return call, nil
}
