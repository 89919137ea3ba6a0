// Package rpc implements a transport-agnostic RPC host that multiplexes
// unary and streaming calls over a single duplex byte stream.
//
// A Host writes framed Calls to an io.Writer and is fed inbound frames
// with HandleData or Serve. Frames answering a local call carry its id as
// ParentID and are routed to the waiting Future or Stream. Frames with no
// ParentID are dispatched to the service table.
//
//	caller                               peer
//	  │ Call{id=1, method=svc.M}           │
//	  │ ─────────────────────────────────▶ │ handler(ctx, call, arg)
//	  │ Call{parent=1, _CALLBACK, resp}    │
//	  │ ◀───────────────────────────────── │
//
// Streams answer with any number of callbacks and end with Close or Error.
// A caller abandons a call by sending Cancel with the call id as ParentID.
package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Method names of host generated frames.
const (
	CallbackMethod = "_CALLBACK"
	CancelMethod   = "_CANCEL"
)

// DefaultCallTimeout bounds how long a Future waits for its reply.
const DefaultCallTimeout = 5 * time.Second

var (
	// ErrTimeout is returned by Future.Wait when no reply arrived in time.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrClosed is returned for calls pending or issued after Host.Close.
	ErrClosed = errors.New("rpc: host closed")
	// ErrCancelled is returned after the local side abandoned a call.
	ErrCancelled = errors.New("rpc: call cancelled")
	// ErrUnexpectedType is returned by Await and RecvAs when the reply is
	// not of the requested type.
	ErrUnexpectedType = errors.New("rpc: unexpected reply type")
)

// RemoteError is the failure reported by the peer in an Error callback.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

func recoverError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", p)
}
