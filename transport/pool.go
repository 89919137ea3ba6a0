package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strims-rpc/rpc"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// DialFunc opens a served Conn to addr.
type DialFunc func(ctx context.Context, addr string) (*Conn, error)

// Dialer returns a DialFunc for TCP connections whose hosts are built with
// opts.
func Dialer(logger *zap.Logger, opts ...rpc.Option) DialFunc {
	return func(ctx context.Context, addr string) (*Conn, error) {
		return Dial(ctx, "tcp", addr, logger, opts...)
	}
}

// HostPool keeps one multiplexed Conn per address. Connections are dialed
// on first use and dropped from the pool when they close, so the next Get
// redials.
type HostPool struct {
	dial DialFunc

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewHostPool returns an empty pool that opens connections with dial.
func NewHostPool(dial DialFunc) *HostPool {
	return &HostPool{
		dial:  dial,
		conns: make(map[string]*Conn),
	}
}

// Get returns the host connected to addr, dialing if needed.
func (p *HostPool) Get(ctx context.Context, addr string) (*rpc.Host, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.conns[addr]; ok {
		p.mu.Unlock()
		return c.Host(), nil
	}
	p.mu.Unlock()

	c, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return nil, ErrPoolClosed
	}
	// a concurrent Get won the race
	if cur, ok := p.conns[addr]; ok {
		p.mu.Unlock()
		c.Close()
		return cur.Host(), nil
	}
	p.conns[addr] = c
	p.mu.Unlock()

	go func() {
		<-c.Done()
		p.evict(addr, c)
	}()
	return c.Host(), nil
}

func (p *HostPool) evict(addr string, c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[addr] == c {
		delete(p.conns, addr)
	}
}

// Len returns the number of open connections.
func (p *HostPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection. Calls pending on them fail with
// rpc.ErrClosed.
func (p *HostPool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
