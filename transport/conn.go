// Package transport binds rpc hosts to byte streams.
//
// A Conn owns one duplex stream and the Host multiplexing calls over it.
// Many goroutines may issue calls on the Host concurrently; frames they
// write are serialized by the Host, and a single read loop (Serve) feeds
// inbound frames back to it:
//
//	goroutine-1 ──Unary(id=1)──┐
//	goroutine-2 ──Unary(id=2)──┼──→ one stream ──→ peer
//	goroutine-3 ──Stream(id=3)─┘
//
//	Serve: ←── Call{parent=2} → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"strims-rpc/rpc"
)

// Conn is a Host bound to a stream it reads from and writes to.
type Conn struct {
	rwc    io.ReadWriteCloser
	host   *rpc.Host
	logger *zap.Logger

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn returns a Conn over rwc. Inbound frames are not read until Serve
// is called.
func NewConn(rwc io.ReadWriteCloser, logger *zap.Logger, opts ...rpc.Option) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]rpc.Option{rpc.WithLogger(logger)}, opts...)
	return &Conn{
		rwc:    rwc,
		host:   rpc.NewHost(rwc, opts...),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Host returns the host issuing and serving calls on the stream.
func (c *Conn) Host() *rpc.Host {
	return c.host
}

// Serve runs the read loop until the stream ends, a malformed frame
// arrives, ctx is done, or the Conn is closed. The Conn is closed when
// Serve returns. Closing it locally is not reported as an error.
func (c *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	err := c.host.Serve(ctx, c.rwc)
	closing := c.closing.Load()
	c.Close()

	if closing || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	if err != nil {
		c.logger.Debug("connection read loop ended", zap.Error(err))
	}
	return err
}

// Done is closed once the Conn is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the host, failing pending calls, and the stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.host.Close()
		err = c.rwc.Close()
		close(c.done)
	})
	return err
}

// Dial connects to addr and starts serving the connection in the
// background.
func Dial(ctx context.Context, network, addr string, logger *zap.Logger, opts ...rpc.Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c := NewConn(nc, logger, opts...)
	go c.Serve(context.Background())
	return c, nil
}
