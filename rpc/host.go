package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"strims-rpc/codec"
	"strims-rpc/message"
	"strims-rpc/protocol"
)

// receiver is a pending entry waiting for callbacks to a local call.
type receiver interface {
	deliver(m message.Message)
	fail(err error)
	// terminal reports whether m is the last callback the entry accepts.
	terminal(m message.Message) bool
}

type inbound struct {
	cancel context.CancelFunc
}

// Host multiplexes calls over one duplex stream.
type Host struct {
	w            io.Writer
	registry     *message.Registry
	service      ServiceTable
	logger       *zap.Logger
	timeout      time.Duration
	errorMessage func(error) string
	parent       context.Context

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // guards w and scratch
	scratch *codec.Writer

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]receiver
	inbound map[uint64]*inbound
	closed  bool
}

// NewHost returns a host writing outbound frames to w.
func NewHost(w io.Writer, opts ...Option) *Host {
	h := &Host{
		w:            w,
		service:      make(ServiceTable),
		logger:       zap.NewNop(),
		timeout:      DefaultCallTimeout,
		errorMessage: func(err error) string { return err.Error() },
		parent:       context.Background(),
		scratch:      codec.NewWriter(0),
		pending:      make(map[uint64]receiver),
		inbound:      make(map[uint64]*inbound),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.registry == nil {
		h.registry = message.NewRegistry()
	}
	h.ctx, h.cancel = context.WithCancel(h.parent)
	return h
}

// Registry returns the host's type registry.
func (h *Host) Registry() *message.Registry {
	return h.registry
}

// Call writes a new call frame and returns it. Register a receiver for the
// reply with ExpectOne or ExpectMany. When the inbound side is served on
// another goroutine, prefer Unary and OpenStream, which register before
// writing.
func (h *Host) Call(method string, arg message.Message, parentID uint64) (*message.Call, error) {
	call, err := h.newCall(method, arg, parentID)
	if err != nil {
		return nil, err
	}
	if err := h.send(call); err != nil {
		return nil, err
	}
	return call, nil
}

func (h *Host) newCall(method string, arg message.Message, parentID uint64) (*message.Call, error) {
	a, err := h.registry.MarshalAny(arg)
	if err != nil {
		return nil, err
	}
	return &message.Call{
		ID:       h.nextID.Add(1),
		ParentID: parentID,
		Method:   method,
		Argument: a,
	}, nil
}

func (h *Host) send(call *message.Call) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	if err := protocol.Encode(h.w, h.scratch, call); err != nil {
		return fmt.Errorf("write call %d: %w", call.ID, err)
	}
	return nil
}

// ExpectOne registers a Future for the single reply to call.
func (h *Host) ExpectOne(call *message.Call, opts ...ExpectOption) *Future {
	o := expectOptions{timeout: h.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	f := newFuture(h, call.ID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		f.fail(ErrClosed)
		return f
	}
	h.pending[call.ID] = f
	if o.timeout > 0 {
		f.timer = time.AfterFunc(o.timeout, func() {
			if h.remove(f.id, f) {
				h.logger.Debug("call timed out", zap.Uint64("id", f.id))
				f.fail(ErrTimeout)
			}
		})
	}
	return f
}

// ExpectMany registers a Stream for the callbacks to call.
func (h *Host) ExpectMany(call *message.Call) *Stream {
	s := newStream(h, call.ID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.fail(ErrClosed)
		return s
	}
	h.pending[call.ID] = s
	return s
}

// Unary calls method with arg and waits for the reply.
func (h *Host) Unary(ctx context.Context, method string, arg message.Message, opts ...ExpectOption) (message.Message, error) {
	call, err := h.newCall(method, arg, 0)
	if err != nil {
		return nil, err
	}
	f := h.ExpectOne(call, opts...)
	if err := h.send(call); err != nil {
		if h.remove(call.ID, f) {
			f.fail(err)
		}
		return nil, err
	}
	return f.Wait(ctx)
}

// OpenStream calls method with arg and returns the stream of its replies.
func (h *Host) OpenStream(ctx context.Context, method string, arg message.Message) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call, err := h.newCall(method, arg, 0)
	if err != nil {
		return nil, err
	}
	s := h.ExpectMany(call)
	if err := h.send(call); err != nil {
		if h.remove(call.ID, s) {
			s.fail(err)
		}
		return nil, err
	}
	return s, nil
}

// remove deletes the pending entry for id if it is still r.
func (h *Host) remove(id uint64, r receiver) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.pending[id]; ok && cur == r {
		delete(h.pending, id)
		return true
	}
	return false
}

// cancelRemote asks the peer to stop working on call id.
func (h *Host) cancelRemote(id uint64) {
	if _, err := h.Call(CancelMethod, &message.Cancel{}, id); err != nil {
		h.logger.Debug("sending cancel failed", zap.Uint64("id", id), zap.Error(err))
	}
}

// HandleData dispatches every frame in chunk in order. A chunk must hold
// whole frames; a malformed frame stops dispatch and is returned.
func (h *Host) HandleData(chunk []byte) error {
	r := codec.NewReader(chunk)
	for r.Remaining() > 0 {
		call, err := protocol.Decode(r)
		if err != nil {
			return err
		}
		h.dispatch(call)
	}
	return nil
}

// Serve reads frames from rd and dispatches them until rd ends, a frame is
// malformed, or ctx is done. A clean end of stream returns nil.
func (h *Host) Serve(ctx context.Context, rd io.Reader) error {
	br := bufio.NewReader(rd)
	for {
		body, err := protocol.ReadFrame(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		call, err := protocol.DecodeFrame(body)
		if err != nil {
			return err
		}
		h.dispatch(call)
	}
}

func (h *Host) dispatch(call *message.Call) {
	arg, err := h.registry.UnmarshalAny(call.Argument)
	if err != nil {
		h.logger.Warn(
			"dropping call with undecodable argument",
			zap.Uint64("id", call.ID),
			zap.Uint64("parentID", call.ParentID),
			zap.String("method", call.Method),
			zap.Error(err),
		)
		return
	}

	if call.ParentID != 0 {
		if _, ok := arg.(*message.Cancel); ok || call.Method == CancelMethod {
			h.cancelInbound(call.ParentID)
			return
		}
		h.route(call, arg)
		return
	}

	switch call.Method {
	case CallbackMethod, CancelMethod:
		h.logger.Debug("dropping control frame without parent", zap.Uint64("id", call.ID), zap.String("method", call.Method))
	default:
		h.handleCall(call, arg)
	}
}

func (h *Host) route(call *message.Call, arg message.Message) {
	h.mu.Lock()
	r, ok := h.pending[call.ParentID]
	if ok && r.terminal(arg) {
		delete(h.pending, call.ParentID)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("dropping callback for unknown call", zap.Uint64("parentID", call.ParentID))
		return
	}
	r.deliver(arg)
}

func (h *Host) cancelInbound(id uint64) {
	h.mu.Lock()
	in, ok := h.inbound[id]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("dropping cancel for unknown call", zap.Uint64("id", id))
		return
	}
	in.cancel()
}

func (h *Host) handleCall(call *message.Call, arg message.Message) {
	handler, ok := h.service[call.Method]
	if !ok {
		h.callback(call.ID, &message.Error{Message: "method not implemented: " + call.Method})
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	in := &inbound{cancel: cancel}
	h.mu.Lock()
	h.inbound[call.ID] = in
	h.mu.Unlock()

	var res Result
	err := h.protect(call, func() (err error) {
		res, err = handler(ctx, call, arg)
		return err
	})
	if err != nil {
		h.replyError(call, err)
		h.finish(call.ID, in, res)
		return
	}

	switch res.kind {
	case resultEmpty:
		h.callback(call.ID, &message.Undefined{})
		h.finish(call.ID, in, res)
	case resultUnary:
		h.callback(call.ID, res.value)
		h.finish(call.ID, in, res)
	case resultDeferred:
		go h.runDeferred(ctx, call, in, res)
	case resultStream:
		go h.runStream(ctx, call, in, res)
	}
}

func (h *Host) runDeferred(ctx context.Context, call *message.Call, in *inbound, res Result) {
	defer h.finish(call.ID, in, res)

	var v message.Message
	err := h.protect(call, func() (err error) {
		v, err = res.deferred()
		return err
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		h.replyError(call, err)
		return
	}
	if v == nil {
		v = &message.Undefined{}
	}
	h.callback(call.ID, v)
}

func (h *Host) runStream(ctx context.Context, call *message.Call, in *inbound, res Result) {
	defer h.finish(call.ID, in, res)

	send := func(m message.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return h.callback(call.ID, m)
	}
	err := h.protect(call, func() error {
		return res.stream(send)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		h.replyError(call, err)
		return
	}
	h.callback(call.ID, &message.Close{})
}

// protect runs fn, turning a panic into an error.
func (h *Host) protect(call *message.Call, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = recoverError(p)
			h.logger.Error(
				"call handler panicked",
				zap.Uint64("id", call.ID),
				zap.String("method", call.Method),
				zap.Error(err),
				zap.Stack("stack"),
			)
		}
	}()
	return fn()
}

func (h *Host) finish(id uint64, in *inbound, res Result) {
	h.mu.Lock()
	if h.inbound[id] == in {
		delete(h.inbound, id)
	}
	h.mu.Unlock()
	in.cancel()
	res.finalize()
}

func (h *Host) replyError(call *message.Call, err error) {
	h.logger.Debug("call failed", zap.Uint64("id", call.ID), zap.String("method", call.Method), zap.Error(err))
	h.callback(call.ID, &message.Error{Message: h.errorMessage(err)})
}

// callback sends m as a reply to call parentID. A reply whose type cannot
// be encoded is turned into an Error so the caller is not left waiting.
func (h *Host) callback(parentID uint64, m message.Message) error {
	call, err := h.newCall(CallbackMethod, m, parentID)
	if err != nil {
		h.logger.Error("encoding callback failed", zap.Uint64("parentID", parentID), zap.Error(err))
		call, err = h.newCall(CallbackMethod, &message.Error{Message: h.errorMessage(err)}, parentID)
		if err != nil {
			return err
		}
	}
	if err := h.send(call); err != nil {
		h.logger.Debug("sending callback failed", zap.Uint64("parentID", parentID), zap.Error(err))
		return err
	}
	return nil
}

// Inflight returns the number of inbound calls whose handlers are running.
func (h *Host) Inflight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inbound)
}

// Pending returns the number of local calls awaiting callbacks.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Done is closed when the host is closed or its parent context ends.
func (h *Host) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Close cancels running handlers and fails every pending call with
// ErrClosed. Later calls fail with ErrClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := h.pending
	h.pending = make(map[uint64]receiver)
	h.mu.Unlock()

	h.cancel()
	for _, r := range pending {
		r.fail(ErrClosed)
	}
	return nil
}
