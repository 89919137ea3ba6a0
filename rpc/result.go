package rpc

import (
	"context"

	"strims-rpc/message"
)

// Handler serves one inbound call. ctx is cancelled when the peer sends
// Cancel for the call or the host closes.
type Handler func(ctx context.Context, call *message.Call, arg message.Message) (Result, error)

// ServiceTable maps method names to handlers.
type ServiceTable map[string]Handler

// SendFunc delivers one stream item to the caller.
type SendFunc func(message.Message) error

type resultKind int

const (
	resultEmpty resultKind = iota
	resultUnary
	resultDeferred
	resultStream
)

// Result tells the host how to answer a call. Build one with Empty, Unary,
// Deferred or Streaming.
type Result struct {
	kind     resultKind
	value    message.Message
	deferred func() (message.Message, error)
	stream   func(send SendFunc) error
	finally  func()
}

// Empty answers with Undefined.
func Empty() Result {
	return Result{kind: resultEmpty}
}

// Unary answers with m. A nil m is the same as Empty.
func Unary(m message.Message) Result {
	if m == nil {
		return Empty()
	}
	return Result{kind: resultUnary, value: m}
}

// Deferred runs fn on its own goroutine and answers with its value, or
// with Error if it fails. A nil value answers Undefined.
func Deferred(fn func() (message.Message, error)) Result {
	return Result{kind: resultDeferred, deferred: fn}
}

// Streaming runs fn on its own goroutine. Each send is one callback. A nil
// return ends the stream with Close, an error ends it with Error.
func Streaming(fn func(send SendFunc) error) Result {
	return Result{kind: resultStream, stream: fn}
}

// Finally returns a copy of r that runs fn once the call is fully answered
// or abandoned. Functions added earlier run first.
func (r Result) Finally(fn func()) Result {
	if prev := r.finally; prev != nil {
		r.finally = func() {
			prev()
			fn()
		}
	} else {
		r.finally = fn
	}
	return r
}

// IsStream reports whether r answers with a stream.
func (r Result) IsStream() bool {
	return r.kind == resultStream
}

func (r Result) finalize() {
	if r.finally != nil {
		r.finally()
	}
}
