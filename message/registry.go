package message

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"strims-rpc/codec"
)

var (
	// ErrUnregisteredType is returned when a type name or Go type has no
	// registry entry.
	ErrUnregisteredType = errors.New("message: unregistered type")
	// ErrNoArgument is returned when decoding a Call that carries no Any.
	ErrNoArgument = errors.New("message: call has no argument")
)

// Registry maps wire type names to message constructors and Go types back to
// names. Entries are written during initialization; lookups are safe for
// concurrent use. The last Register for a name or type wins.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() Message
	names map[reflect.Type]string
}

// NewRegistry returns a registry holding the control payloads.
func NewRegistry() *Registry {
	r := &Registry{
		ctors: make(map[string]func() Message),
		names: make(map[reflect.Type]string),
	}
	r.Register(CancelName, func() Message { return &Cancel{} })
	r.Register(CloseName, func() Message { return &Close{} })
	r.Register(ErrorName, func() Message { return &Error{} })
	r.Register(UndefinedName, func() Message { return &Undefined{} })
	return r
}

// Register binds name to the type built by ctor in both directions.
func (r *Registry) Register(name string, ctor func() Message) {
	typ := reflect.TypeOf(ctor())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
	r.names[typ] = name
}

// TypeForName returns the constructor registered for name.
func (r *Registry) TypeForName(name string) (func() Message, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, name)
	}
	return ctor, nil
}

// TypeForAny resolves the type named by the part of a.TypeURL after the last
// slash.
func (r *Registry) TypeForAny(a *Any) (func() Message, error) {
	if a == nil {
		return nil, ErrNoArgument
	}
	return r.TypeForName(typeName(a.TypeURL))
}

// NameForType returns the wire name registered for the dynamic type of m.
func (r *Registry) NameForType(m Message) (string, error) {
	typ := reflect.TypeOf(m)
	r.mu.RLock()
	name, ok := r.names[typ]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrUnregisteredType, typ)
	}
	return name, nil
}

var writerPool = sync.Pool{
	New: func() any { return codec.NewWriter(0) },
}

// MarshalAny encodes m and wraps it in an Any named after its registered type.
func (r *Registry) MarshalAny(m Message) (*Any, error) {
	name, err := r.NameForType(m)
	if err != nil {
		return nil, err
	}

	w := writerPool.Get().(*codec.Writer)
	defer writerPool.Put(w)
	w.Reset()

	m.MarshalWire(w)
	b, err := w.Finish()
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return &Any{
		TypeURL: AnyURLPrefix + name,
		Value:   append([]byte(nil), b...),
	}, nil
}

// UnmarshalAny decodes the message carried by a.
func (r *Registry) UnmarshalAny(a *Any) (Message, error) {
	ctor, err := r.TypeForAny(a)
	if err != nil {
		return nil, err
	}
	m := ctor()
	if err := Unmarshal(a.Value, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", typeName(a.TypeURL), err)
	}
	return m, nil
}

func typeName(url string) string {
	return url[strings.LastIndexByte(url, '/')+1:]
}
