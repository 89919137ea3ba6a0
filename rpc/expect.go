package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"strims-rpc/message"
)

// Future is the pending reply to a unary call. It settles exactly once.
type Future struct {
	host  *Host
	id    uint64
	once  sync.Once
	done  chan struct{}
	timer *time.Timer

	value message.Message
	err   error
}

func newFuture(h *Host, id uint64) *Future {
	return &Future{
		host: h,
		id:   id,
		done: make(chan struct{}),
	}
}

func (f *Future) settle(m message.Message, err error) {
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.value, f.err = m, err
		close(f.done)
	})
}

func (f *Future) deliver(m message.Message) {
	if e, ok := m.(*message.Error); ok {
		f.settle(nil, &RemoteError{Message: e.Message})
		return
	}
	f.settle(m, nil)
}

func (f *Future) fail(err error) {
	f.settle(nil, err)
}

func (f *Future) terminal(message.Message) bool {
	return true
}

// ID returns the id of the call the Future waits on.
func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the Future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the reply arrives, the call times out or ctx is done.
// Giving up on ctx removes the pending entry and sends Cancel to the peer.
func (f *Future) Wait(ctx context.Context) (message.Message, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
	}

	if f.host.remove(f.id, f) {
		f.fail(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		f.host.cancelRemote(f.id)
	}
	<-f.done
	return f.value, f.err
}

// Await waits on f and asserts the reply type.
func Await[T message.Message](ctx context.Context, f *Future) (T, error) {
	var zero T
	m, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedType, m, zero)
	}
	return v, nil
}

// Stream is the pending sequence of replies to a streaming call.
//
// Callbacks are queued without bound so dispatch never blocks on a slow
// consumer. Recv must not be called from more than one goroutine.
type Stream struct {
	host      *Host
	id        uint64
	closeOnce sync.Once
	notify    chan struct{}

	mu    sync.Mutex
	items []message.Message
	err   error
}

func newStream(h *Host, id uint64) *Stream {
	return &Stream{
		host:   h,
		id:     id,
		notify: make(chan struct{}, 1),
	}
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) deliver(m message.Message) {
	s.mu.Lock()
	if s.err == nil {
		switch v := m.(type) {
		case *message.Close:
			s.err = io.EOF
		case *message.Error:
			s.err = &RemoteError{Message: v.Message}
		default:
			s.items = append(s.items, m)
		}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) terminal(m message.Message) bool {
	switch m.(type) {
	case *message.Close, *message.Error:
		return true
	}
	return false
}

// ID returns the id of the streaming call.
func (s *Stream) ID() uint64 {
	return s.id
}

// Recv returns the next item. After the last item it returns io.EOF if the
// peer closed the stream, a *RemoteError if it failed, or ErrCancelled
// after Close.
func (s *Stream) Recv(ctx context.Context) (message.Message, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			m := s.items[0]
			s.items[0] = nil
			s.items = s.items[1:]
			s.mu.Unlock()
			return m, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close abandons the stream. If it is still open the pending entry is
// removed, queued items are discarded and one Cancel is sent to the peer.
// Close does not wait for an acknowledgment.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if !s.host.remove(s.id, s) {
			return
		}
		s.mu.Lock()
		s.items = nil
		s.mu.Unlock()
		s.fail(ErrCancelled)
		s.host.cancelRemote(s.id)
	})
}

// RecvAs receives the next item of s and asserts its type.
func RecvAs[T message.Message](ctx context.Context, s *Stream) (T, error) {
	var zero T
	m, err := s.Recv(ctx)
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedType, m, zero)
	}
	return v, nil
}
