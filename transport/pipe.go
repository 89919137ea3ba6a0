package transport

import (
	"bytes"
	"io"
	"sync"

	"go.uber.org/zap"

	"strims-rpc/rpc"
)

// Pipe returns two Conns connected in memory. Unlike net.Pipe, writes are
// buffered and never wait for the peer to read, so two hosts dispatching
// to each other cannot deadlock. Callers run Serve on both ends.
func Pipe(logger *zap.Logger, a, b []rpc.Option) (*Conn, *Conn) {
	ab := newBufferPipe()
	ba := newBufferPipe()
	ca := NewConn(&pipeEnd{r: ba, w: ab}, logger, a...)
	cb := NewConn(&pipeEnd{r: ab, w: ba}, logger, b...)
	return ca, cb
}

// bufferPipe is an unbounded one-way byte queue.
type bufferPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newBufferPipe() *bufferPipe {
	p := &bufferPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *bufferPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Signal()
	return n, nil
}

// Read drains buffered bytes even after Close, then reports io.EOF.
func (p *bufferPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *bufferPipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

type pipeEnd struct {
	r, w *bufferPipe
}

func (e *pipeEnd) Read(b []byte) (int, error)  { return e.r.Read(b) }
func (e *pipeEnd) Write(b []byte) (int, error) { return e.w.Write(b) }

func (e *pipeEnd) Close() error {
	e.r.Close()
	e.w.Close()
	return nil
}
