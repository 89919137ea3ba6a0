package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"strims-rpc/message"
	"strims-rpc/rpc"
)

// ErrBadArgument is returned when a call's argument does not match the
// request type of the method it names.
var ErrBadArgument = errors.New("server: argument type mismatch")

type methodKind int

const (
	kindUnary  methodKind = iota // func(ctx, *Req) (*Resp, error)
	kindStream                   // func(ctx, *Req) (<-chan *Resp, error)
	kindEmpty                    // func(ctx, *Req) error
)

type methodType struct {
	method  reflect.Method
	kind    methodKind
	ArgType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	messageType = reflect.TypeOf((*message.Message)(nil)).Elem()
)

// newService scans rcvr for methods with a supported signature. name
// defaults to the receiver's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported rpc methods", name)
	}
	return s, nil
}

func isMessagePtr(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr && t.Implements(messageType)
}

// registerMethods keeps the exported methods shaped like
// (receiver, context.Context, *Req) followed by one of the supported
// result lists.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.In(1) != contextType || !isMessagePtr(mt.In(2)) {
			continue
		}

		var kind methodKind
		switch {
		case mt.NumOut() == 1 && mt.Out(0) == errorType:
			kind = kindEmpty
		case mt.NumOut() == 2 && mt.Out(1) == errorType && isMessagePtr(mt.Out(0)):
			kind = kindUnary
		case mt.NumOut() == 2 && mt.Out(1) == errorType &&
			mt.Out(0).Kind() == reflect.Chan && mt.Out(0).ChanDir()&reflect.RecvDir != 0 &&
			isMessagePtr(mt.Out(0).Elem()):
			kind = kindStream
		default:
			continue
		}

		s.method[method.Name] = &methodType{
			method:  method,
			kind:    kind,
			ArgType: mt.In(2),
		}
	}
}

// table returns a handler per method, keyed "name.Method".
func (s *service) table() rpc.ServiceTable {
	t := make(rpc.ServiceTable, len(s.method))
	for name, m := range s.method {
		t[s.name+"."+name] = s.handler(m)
	}
	return t
}

func errorOf(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// handler adapts a method to rpc.Handler. The method itself always runs
// off the connection's read loop.
func (s *service) handler(m *methodType) rpc.Handler {
	return func(ctx context.Context, call *message.Call, arg message.Message) (rpc.Result, error) {
		argv := reflect.ValueOf(arg)
		if argv.Type() != m.ArgType {
			return rpc.Result{}, fmt.Errorf("%w: got %T, want %v", ErrBadArgument, arg, m.ArgType)
		}
		in := []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv}

		switch m.kind {
		case kindEmpty:
			return rpc.Deferred(func() (message.Message, error) {
				out := m.method.Func.Call(in)
				return nil, errorOf(out[0])
			}), nil
		case kindUnary:
			return rpc.Deferred(func() (message.Message, error) {
				out := m.method.Func.Call(in)
				if err := errorOf(out[1]); err != nil {
					return nil, err
				}
				if out[0].IsNil() {
					return nil, nil
				}
				return out[0].Interface().(message.Message), nil
			}), nil
		default:
			return rpc.Streaming(func(send rpc.SendFunc) error {
				out := m.method.Func.Call(in)
				if err := errorOf(out[1]); err != nil {
					return err
				}
				if out[0].IsNil() {
					return nil
				}
				cases := []reflect.SelectCase{
					{Dir: reflect.SelectRecv, Chan: out[0]},
					{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
				}
				for {
					chosen, v, ok := reflect.Select(cases)
					if chosen == 1 {
						return ctx.Err()
					}
					if !ok {
						return nil
					}
					if err := send(v.Interface().(message.Message)); err != nil {
						return err
					}
				}
			}), nil
		}
	}
}
