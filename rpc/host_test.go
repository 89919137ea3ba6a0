package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strims-rpc/codec"
	"strims-rpc/message"
	"strims-rpc/message/rpctest"
	"strims-rpc/protocol"
)

func newRegistry() *message.Registry {
	reg := message.NewRegistry()
	rpctest.RegisterTypes(reg)
	return reg
}

// recorder captures the frames a host writes. Hosts issue one Write per
// frame.
type recorder struct {
	reg   *message.Registry
	calls chan *message.Call
}

func newRecorder(reg *message.Registry) *recorder {
	return &recorder{reg: reg, calls: make(chan *message.Call, 64)}
}

func (r *recorder) Write(p []byte) (int, error) {
	call, err := protocol.Decode(codec.NewReader(p))
	if err != nil {
		return 0, err
	}
	r.calls <- call
	return len(p), nil
}

func (r *recorder) next(t *testing.T) (*message.Call, message.Message) {
	t.Helper()
	select {
	case call := <-r.calls:
		arg, err := r.reg.UnmarshalAny(call.Argument)
		require.NoError(t, err)
		return call, arg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil, nil
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case call := <-r.calls:
		t.Fatalf("unexpected frame: %+v", call)
	case <-time.After(d):
	}
}

// frame encodes a call as the peer would send it.
func frame(t *testing.T, reg *message.Registry, id, parentID uint64, method string, arg message.Message) []byte {
	t.Helper()
	a, err := reg.MarshalAny(arg)
	require.NoError(t, err)
	b, err := protocol.Append(codec.NewWriter(0), &message.Call{
		ID:       id,
		ParentID: parentID,
		Method:   method,
		Argument: a,
	})
	require.NoError(t, err)
	return append([]byte(nil), b...)
}

// linked feeds everything one host writes into another host's HandleData,
// in order, on a dedicated goroutine.
type linked struct {
	mu     sync.Mutex
	closed bool
	ch     chan []byte
}

func (l *linked) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, io.ErrClosedPipe
	}
	l.ch <- append([]byte(nil), p...)
	return len(p), nil
}

func (l *linked) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	close(l.ch)
}

func pair(t *testing.T, client, server []Option) (*Host, *Host) {
	t.Helper()
	reg := newRegistry()
	ab := &linked{ch: make(chan []byte, 256)}
	ba := &linked{ch: make(chan []byte, 256)}
	a := NewHost(ab, append([]Option{WithRegistry(reg)}, client...)...)
	b := NewHost(ba, append([]Option{WithRegistry(reg)}, server...)...)

	var wg sync.WaitGroup
	pump := func(l *linked, dst *Host) {
		defer wg.Done()
		for chunk := range l.ch {
			if err := dst.HandleData(chunk); err != nil {
				t.Errorf("HandleData: %v", err)
			}
		}
	}
	wg.Add(2)
	go pump(ab, b)
	go pump(ba, a)

	t.Cleanup(func() {
		a.Close()
		b.Close()
		ab.close()
		ba.close()
		wg.Wait()
	})
	return a, b
}

func echoService() ServiceTable {
	return ServiceTable{
		rpctest.CallUnaryMethod: func(ctx context.Context, call *message.Call, arg message.Message) (Result, error) {
			req := arg.(*rpctest.RPCCallUnaryRequest)
			return Unary(&rpctest.RPCCallUnaryResponse{ID: req.ID}), nil
		},
		rpctest.CallStreamMethod: func(ctx context.Context, call *message.Call, arg message.Message) (Result, error) {
			req := arg.(*rpctest.RPCCallStreamRequest)
			return Streaming(func(send SendFunc) error {
				for i := uint64(0); i < req.Count; i++ {
					if err := send(&rpctest.RPCCallStreamResponse{ID: req.ID}); err != nil {
						return err
					}
				}
				return nil
			}), nil
		},
	}
}

func TestUnaryCall(t *testing.T) {
	a, _ := pair(t, nil, []Option{WithService(echoService())})

	resp, err := a.Unary(context.Background(), rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 42})
	require.NoError(t, err)
	assert.Equal(t, &rpctest.RPCCallUnaryResponse{ID: 42}, resp)
	assert.Equal(t, 0, a.Pending())
}

func TestUnaryAwait(t *testing.T) {
	a, _ := pair(t, nil, []Option{WithService(echoService())})

	call, err := a.newCall(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 7}, 0)
	require.NoError(t, err)
	f := a.ExpectOne(call)
	require.NoError(t, a.send(call))

	resp, err := Await[*rpctest.RPCCallUnaryResponse](context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.ID)
	<-f.Done()

	_, err = Await[*rpctest.RPCCallStreamResponse](context.Background(), f)
	assert.ErrorIs(t, err, ErrUnexpectedType)
}

func TestCallFrames(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg))

	first, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 1}, 0)
	require.NoError(t, err)
	second, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)

	call, arg := rec.next(t)
	assert.Equal(t, uint64(1), call.ID)
	assert.Equal(t, uint64(0), call.ParentID)
	assert.Equal(t, rpctest.CallUnaryMethod, call.Method)
	assert.Equal(t, "strims.gg/"+rpctest.UnaryRequestName, call.Argument.TypeURL)
	assert.Equal(t, &rpctest.RPCCallUnaryRequest{ID: 1}, arg)

	call, _ = rec.next(t)
	assert.Equal(t, uint64(2), call.ID)

	_, err = h.Call("svc.M", &message.Call{}, 0)
	assert.ErrorIs(t, err, message.ErrUnregisteredType)
}

func TestExpectOneTimeout(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg), WithCallTimeout(30*time.Millisecond))

	call, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 1}, 0)
	require.NoError(t, err)
	f := h.ExpectOne(call)

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, h.Pending())

	// a late reply is dropped
	late := frame(t, reg, 1, call.ID, CallbackMethod, &rpctest.RPCCallUnaryResponse{ID: 1})
	require.NoError(t, h.HandleData(late))
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExpectOneTimeoutOverride(t *testing.T) {
	reg := newRegistry()
	h := NewHost(newRecorder(reg), WithRegistry(reg), WithCallTimeout(time.Hour))

	call, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{}, 0)
	require.NoError(t, err)
	_, err = h.ExpectOne(call, WithTimeout(10*time.Millisecond)).Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestUnaryRoundTrip(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg))

	call, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 4}, 0)
	require.NoError(t, err)
	f := h.ExpectOne(call)

	sent, arg := rec.next(t)
	assert.Equal(t, call.ID, sent.ID)
	assert.Equal(t, rpctest.CallUnaryMethod, sent.Method)
	assert.Equal(t, &rpctest.RPCCallUnaryRequest{ID: 4}, arg)

	require.NoError(t, h.HandleData(frame(t, reg, 1, call.ID, CallbackMethod, &rpctest.RPCCallUnaryResponse{ID: 9})))
	reply, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &rpctest.RPCCallUnaryResponse{ID: 9}, reply)
	assert.Zero(t, h.Pending())

	// a second reply for the settled call is dropped
	require.NoError(t, h.HandleData(frame(t, reg, 2, call.ID, CallbackMethod, &rpctest.RPCCallUnaryResponse{ID: 10})))
	rec.none(t, 20*time.Millisecond)
}

func TestRemoteErrorRejectsFuture(t *testing.T) {
	reg := newRegistry()
	h := NewHost(newRecorder(reg), WithRegistry(reg))

	call, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{}, 0)
	require.NoError(t, err)
	f := h.ExpectOne(call)
	require.NoError(t, h.HandleData(frame(t, reg, 1, call.ID, CallbackMethod, &message.Error{Message: "nope"})))

	_, err = f.Wait(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "nope", remote.Message)
}

func TestWaitContextCancel(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg))

	call, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{}, 0)
	require.NoError(t, err)
	rec.next(t)
	f := h.ExpectOne(call)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.Pending())

	got, arg := rec.next(t)
	assert.Equal(t, call.ID, got.ParentID)
	assert.Equal(t, CancelMethod, got.Method)
	assert.IsType(t, &message.Cancel{}, arg)
}

func TestStreamOfThree(t *testing.T) {
	a, _ := pair(t, nil, []Option{WithService(echoService())})

	s, err := a.OpenStream(context.Background(), rpctest.CallStreamMethod, &rpctest.RPCCallStreamRequest{ID: 9, Count: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := RecvAs[*rpctest.RPCCallStreamResponse](context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), resp.ID)
	}
	_, err = s.Recv(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, a.Pending())
}

func TestStreamError(t *testing.T) {
	service := ServiceTable{
		rpctest.CallStreamMethod: func(ctx context.Context, call *message.Call, arg message.Message) (Result, error) {
			return Streaming(func(send SendFunc) error {
				if err := send(&rpctest.RPCCallStreamResponse{ID: 1}); err != nil {
					return err
				}
				return errors.New("stream broke")
			}), nil
		},
	}
	a, _ := pair(t, nil, []Option{WithService(service)})

	s, err := a.OpenStream(context.Background(), rpctest.CallStreamMethod, &rpctest.RPCCallStreamRequest{})
	require.NoError(t, err)

	_, err = s.Recv(context.Background())
	require.NoError(t, err)

	_, err = s.Recv(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "stream broke", remote.Message)
}

func TestStreamCloseSendsOneCancel(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg))

	call, err := h.Call(rpctest.CallStreamMethod, &rpctest.RPCCallStreamRequest{Count: 10}, 0)
	require.NoError(t, err)
	rec.next(t)
	s := h.ExpectMany(call)

	require.NoError(t, h.HandleData(frame(t, reg, 1, call.ID, CallbackMethod, &rpctest.RPCCallStreamResponse{ID: 1})))

	s.Close()
	s.Close()

	cancel, arg := rec.next(t)
	assert.Equal(t, call.ID, cancel.ParentID)
	assert.IsType(t, &message.Cancel{}, arg)
	rec.none(t, 50*time.Millisecond)

	// replies racing the cancel are dropped
	require.NoError(t, h.HandleData(frame(t, reg, 2, call.ID, CallbackMethod, &rpctest.RPCCallStreamResponse{ID: 2})))
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, h.Pending())
}

func TestStreamCloseAfterEndIsSilent(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg))

	call, err := h.Call(rpctest.CallStreamMethod, &rpctest.RPCCallStreamRequest{}, 0)
	require.NoError(t, err)
	rec.next(t)
	s := h.ExpectMany(call)

	require.NoError(t, h.HandleData(frame(t, reg, 1, call.ID, CallbackMethod, &message.Close{})))
	s.Close()
	rec.none(t, 50*time.Millisecond)

	_, err = s.Recv(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestUnknownMethod(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg))

	require.NoError(t, h.HandleData(frame(t, reg, 5, 0, "svc.Missing", &rpctest.RPCCallUnaryRequest{})))

	call, arg := rec.next(t)
	assert.Equal(t, uint64(5), call.ParentID)
	assert.Equal(t, CallbackMethod, call.Method)
	assert.Equal(t, &message.Error{Message: "method not implemented: svc.Missing"}, arg)
}

func TestEmptyResultSendsUndefined(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg), WithService(ServiceTable{
		"svc.Nothing": func(context.Context, *message.Call, message.Message) (Result, error) {
			return Empty(), nil
		},
		"svc.Later": func(context.Context, *message.Call, message.Message) (Result, error) {
			return Deferred(func() (message.Message, error) { return nil, nil }), nil
		},
	}))

	require.NoError(t, h.HandleData(frame(t, reg, 1, 0, "svc.Nothing", &rpctest.RPCCallUnaryRequest{})))
	call, arg := rec.next(t)
	assert.Equal(t, uint64(1), call.ParentID)
	assert.IsType(t, &message.Undefined{}, arg)

	require.NoError(t, h.HandleData(frame(t, reg, 2, 0, "svc.Later", &rpctest.RPCCallUnaryRequest{})))
	call, arg = rec.next(t)
	assert.Equal(t, uint64(2), call.ParentID)
	assert.IsType(t, &message.Undefined{}, arg)
}

func TestHandlerErrorIsSanitized(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec,
		WithRegistry(reg),
		WithErrorMessage(func(err error) string { return "internal error" }),
		WithService(ServiceTable{
			"svc.Fail": func(context.Context, *message.Call, message.Message) (Result, error) {
				return Result{}, errors.New("db password is hunter2")
			},
		}),
	)

	require.NoError(t, h.HandleData(frame(t, reg, 1, 0, "svc.Fail", &rpctest.RPCCallUnaryRequest{})))
	_, arg := rec.next(t)
	assert.Equal(t, &message.Error{Message: "internal error"}, arg)
}

func TestHandlerPanic(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	service := echoService()
	service["svc.Panic"] = func(context.Context, *message.Call, message.Message) (Result, error) {
		panic("kaboom")
	}
	service["svc.PanicLater"] = func(context.Context, *message.Call, message.Message) (Result, error) {
		return Deferred(func() (message.Message, error) { panic(errors.New("later")) }), nil
	}
	h := NewHost(rec, WithRegistry(reg), WithService(service))

	require.NoError(t, h.HandleData(frame(t, reg, 1, 0, "svc.Panic", &rpctest.RPCCallUnaryRequest{})))
	_, arg := rec.next(t)
	assert.Equal(t, &message.Error{Message: "panic: kaboom"}, arg)

	require.NoError(t, h.HandleData(frame(t, reg, 2, 0, "svc.PanicLater", &rpctest.RPCCallUnaryRequest{})))
	_, arg = rec.next(t)
	assert.Equal(t, &message.Error{Message: "panic: later"}, arg)

	// the host keeps serving
	require.NoError(t, h.HandleData(frame(t, reg, 3, 0, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 3})))
	call, arg := rec.next(t)
	assert.Equal(t, uint64(3), call.ParentID)
	assert.Equal(t, &rpctest.RPCCallUnaryResponse{ID: 3}, arg)
	assert.Eventually(t, func() bool { return h.Inflight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUndecodableFrameDropped(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	h := NewHost(rec, WithRegistry(reg), WithService(echoService()))

	bad, err := protocol.Append(codec.NewWriter(0), &message.Call{
		ID:       1,
		Method:   rpctest.CallUnaryMethod,
		Argument: &message.Any{TypeURL: "strims.gg/strims.rpc.v1.Unknown"},
	})
	require.NoError(t, err)
	chunk := append([]byte(nil), bad...)
	chunk = append(chunk, frame(t, reg, 2, 0, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 2})...)

	require.NoError(t, h.HandleData(chunk))
	call, arg := rec.next(t)
	assert.Equal(t, uint64(2), call.ParentID)
	assert.Equal(t, &rpctest.RPCCallUnaryResponse{ID: 2}, arg)
	rec.none(t, 50*time.Millisecond)
}

func TestInboundCancel(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	h := NewHost(rec, WithRegistry(reg), WithService(ServiceTable{
		"svc.Block": func(ctx context.Context, call *message.Call, arg message.Message) (Result, error) {
			return Streaming(func(send SendFunc) error {
				close(started)
				<-ctx.Done()
				stopped <- ctx.Err()
				return ctx.Err()
			}), nil
		},
	}))

	require.NoError(t, h.HandleData(frame(t, reg, 4, 0, "svc.Block", &rpctest.RPCCallStreamRequest{})))
	<-started
	assert.Equal(t, 1, h.Inflight())

	require.NoError(t, h.HandleData(frame(t, reg, 5, 4, CancelMethod, &message.Cancel{})))
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler was not cancelled")
	}

	assert.Eventually(t, func() bool { return h.Inflight() == 0 }, time.Second, 5*time.Millisecond)
	// no terminal frame after cancellation
	rec.none(t, 50*time.Millisecond)
}

func TestFinallyRunsAfterReply(t *testing.T) {
	reg := newRegistry()
	rec := newRecorder(reg)
	var order []string
	var mu sync.Mutex
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	done := make(chan struct{})
	h := NewHost(rec, WithRegistry(reg), WithService(ServiceTable{
		"svc.Later": func(context.Context, *message.Call, message.Message) (Result, error) {
			return Deferred(func() (message.Message, error) {
				return &rpctest.RPCCallUnaryResponse{ID: 1}, nil
			}).Finally(record("inner")).Finally(record("outer")).Finally(func() { close(done) }), nil
		},
	}))

	require.NoError(t, h.HandleData(frame(t, reg, 1, 0, "svc.Later", &rpctest.RPCCallUnaryRequest{})))
	rec.next(t)
	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestCloseRejectsPending(t *testing.T) {
	reg := newRegistry()
	h := NewHost(newRecorder(reg), WithRegistry(reg))

	call, err := h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{}, 0)
	require.NoError(t, err)
	f := h.ExpectOne(call)
	s := h.ExpectMany(&message.Call{ID: 100})

	require.NoError(t, h.Close())
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.Call(rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{}, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Unary(context.Background(), rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{})
	assert.ErrorIs(t, err, ErrClosed)
	select {
	case <-h.Done():
	default:
		t.Fatal("host context not cancelled")
	}
}

func TestHandleDataMalformed(t *testing.T) {
	h := NewHost(io.Discard)
	assert.ErrorIs(t, h.HandleData([]byte{0x05, 0x08}), codec.ErrTruncated)
	assert.ErrorIs(t, h.HandleData([]byte{0xff}), codec.ErrTruncated)
}

func TestServeOverPipe(t *testing.T) {
	reg := newRegistry()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	client := NewHost(clientW, WithRegistry(reg))
	server := NewHost(serverW, WithRegistry(reg), WithService(echoService()))

	errs := make(chan error, 2)
	go func() { errs <- client.Serve(context.Background(), clientR) }()
	go func() { errs <- server.Serve(context.Background(), serverR) }()

	resp, err := client.Unary(context.Background(), rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 11})
	require.NoError(t, err)
	assert.Equal(t, &rpctest.RPCCallUnaryResponse{ID: 11}, resp)

	clientW.Close()
	serverW.Close()
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs)
	}
}
