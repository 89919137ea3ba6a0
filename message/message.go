// Package message defines the envelope exchanged on an RPC stream and the
// registry that maps wire type names to Go message types.
//
// Every frame carries one Call. The Call's argument is type-erased as an Any
// whose TypeURL names a registered message:
//
//	Call {
//	  1: uint64 id
//	  2: uint64 parent_id
//	  3: string method
//	  4: Any    argument
//	  5: map<string, bytes> headers
//	}
//	Any  { 1: string type_url  2: bytes value }
package message

import (
	"errors"
	"fmt"
	"sort"

	"strims-rpc/codec"
)

// Wire names of the control payloads. They are registered by NewRegistry.
const (
	CancelName    = "strims.rpc.v1.Cancel"
	CloseName     = "strims.rpc.v1.Close"
	ErrorName     = "strims.rpc.v1.Error"
	UndefinedName = "strims.rpc.v1.Undefined"
)

// AnyURLPrefix is prepended to type names in outgoing Any values.
const AnyURLPrefix = "strims.gg/"

// ErrInvalidLength is returned when a nested field runs past the end of the
// message that contains it.
var ErrInvalidLength = errors.New("message: field overruns enclosing message")

// Message is implemented by every type that can travel inside an Any.
//
// UnmarshalWire consumes exactly length bytes from r. Fields it does not
// recognize are skipped.
type Message interface {
	MarshalWire(w *codec.Writer)
	UnmarshalWire(r *codec.Reader, length int) error
}

// Marshal encodes m into a fresh byte slice.
func Marshal(m Message) ([]byte, error) {
	w := codec.NewWriter(0)
	m.MarshalWire(w)
	return w.Finish()
}

// Unmarshal decodes b into m.
func Unmarshal(b []byte, m Message) error {
	return m.UnmarshalWire(codec.NewReader(b), len(b))
}

// Embedded reads a length-prefixed nested message into m.
func Embedded(r *codec.Reader, m Message) error {
	n, err := r.Uint64()
	if err != nil {
		return err
	}
	if n > uint64(r.Remaining()) {
		return codec.ErrTruncated
	}
	return m.UnmarshalWire(r, int(n))
}

// WriteEmbedded writes m as field number field of the enclosing message.
func WriteEmbedded(w *codec.Writer, field uint32, m Message) {
	w.Tag(field, codec.WireBytes)
	w.Fork()
	m.MarshalWire(w)
	w.Ldelim()
}

// Fields walks the fields of a message of the given length, calling fn for
// each tag. fn must consume the field payload, usually by calling
// r.SkipField for numbers it does not know.
func Fields(r *codec.Reader, length int, fn func(field uint32, wt codec.WireType) error) error {
	end, err := r.Bound(length)
	if err != nil {
		return err
	}
	for r.Pos() < end {
		field, wt, err := r.Tag()
		if err != nil {
			return err
		}
		if err := fn(field, wt); err != nil {
			return err
		}
	}
	if r.Pos() != end {
		return ErrInvalidLength
	}
	return nil
}

// Call is the envelope of every frame.
//
// ParentID is zero for a top-level call. Replies and cancellations carry
// the id of the call they answer in ParentID.
type Call struct {
	ID       uint64
	ParentID uint64
	Method   string
	Argument *Any
	Headers  map[string][]byte
}

func (c *Call) MarshalWire(w *codec.Writer) {
	if c.ID != 0 {
		w.Tag(1, codec.WireVarint)
		w.Uint64(c.ID)
	}
	if c.ParentID != 0 {
		w.Tag(2, codec.WireVarint)
		w.Uint64(c.ParentID)
	}
	if c.Method != "" {
		w.Tag(3, codec.WireBytes)
		w.String(c.Method)
	}
	if c.Argument != nil {
		WriteEmbedded(w, 4, c.Argument)
	}
	if len(c.Headers) == 0 {
		return
	}
	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.Tag(5, codec.WireBytes)
		w.Fork()
		w.Tag(1, codec.WireBytes)
		w.String(k)
		w.Tag(2, codec.WireBytes)
		w.Bytes(c.Headers[k])
		w.Ldelim()
	}
}

func (c *Call) UnmarshalWire(r *codec.Reader, length int) error {
	return Fields(r, length, func(field uint32, wt codec.WireType) (err error) {
		switch field {
		case 1:
			c.ID, err = r.Uint64()
		case 2:
			c.ParentID, err = r.Uint64()
		case 3:
			c.Method, err = r.String()
		case 4:
			c.Argument = &Any{}
			err = Embedded(r, c.Argument)
		case 5:
			err = c.readHeader(r)
		default:
			err = r.SkipField(field, wt)
		}
		return err
	})
}

func (c *Call) readHeader(r *codec.Reader) error {
	n, err := r.Uint64()
	if err != nil {
		return err
	}
	if n > uint64(r.Remaining()) {
		return codec.ErrTruncated
	}
	var (
		key   string
		value []byte
	)
	err = Fields(r, int(n), func(field uint32, wt codec.WireType) (err error) {
		switch field {
		case 1:
			key, err = r.String()
		case 2:
			value, err = r.Bytes()
		default:
			err = r.SkipField(field, wt)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if c.Headers == nil {
		c.Headers = make(map[string][]byte)
	}
	c.Headers[key] = value
	return nil
}

// Any carries a serialized message together with the name of its type.
type Any struct {
	TypeURL string
	Value   []byte
}

func (a *Any) MarshalWire(w *codec.Writer) {
	if a.TypeURL != "" {
		w.Tag(1, codec.WireBytes)
		w.String(a.TypeURL)
	}
	if len(a.Value) != 0 {
		w.Tag(2, codec.WireBytes)
		w.Bytes(a.Value)
	}
}

func (a *Any) UnmarshalWire(r *codec.Reader, length int) error {
	return Fields(r, length, func(field uint32, wt codec.WireType) (err error) {
		switch field {
		case 1:
			a.TypeURL, err = r.String()
		case 2:
			a.Value, err = r.Bytes()
		default:
			err = r.SkipField(field, wt)
		}
		return err
	})
}

// Error is sent as the callback argument when a call fails remotely.
type Error struct {
	Message string
}

func (e *Error) MarshalWire(w *codec.Writer) {
	if e.Message != "" {
		w.Tag(1, codec.WireBytes)
		w.String(e.Message)
	}
}

func (e *Error) UnmarshalWire(r *codec.Reader, length int) error {
	return Fields(r, length, func(field uint32, wt codec.WireType) (err error) {
		if field == 1 {
			e.Message, err = r.String()
			return err
		}
		return r.SkipField(field, wt)
	})
}

// Cancel asks the peer to stop working on the call named by ParentID.
type Cancel struct{}

func (*Cancel) MarshalWire(*codec.Writer) {}

func (*Cancel) UnmarshalWire(r *codec.Reader, length int) error {
	return skipAll(r, length)
}

// Close ends a stream normally.
type Close struct{}

func (*Close) MarshalWire(*codec.Writer) {}

func (*Close) UnmarshalWire(r *codec.Reader, length int) error {
	return skipAll(r, length)
}

// Undefined is the reply to a call whose handler produced no value.
type Undefined struct{}

func (*Undefined) MarshalWire(*codec.Writer) {}

func (*Undefined) UnmarshalWire(r *codec.Reader, length int) error {
	return skipAll(r, length)
}

func skipAll(r *codec.Reader, length int) error {
	return Fields(r, length, func(field uint32, wt codec.WireType) error {
		return r.SkipField(field, wt)
	})
}
