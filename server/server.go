// Package server serves rpc services over TCP with a middleware chain and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn (one read loop per connection)
//	  → rpc.Host dispatch → middleware chain → handler
//	    → Deferred/Stream results run on their own goroutines
//	      → callbacks written back on the same connection
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"strims-rpc/message"
	"strims-rpc/middleware"
	"strims-rpc/registry"
	"strims-rpc/rpc"
	"strims-rpc/transport"
)

// ErrShutdownTimeout is returned by Shutdown when calls were still running
// at the deadline.
var ErrShutdownTimeout = errors.New("timeout waiting for ongoing requests to finish")

// ErrServing is returned by Serve and ServeListener once the server has
// already been started.
var ErrServing = errors.New("server already serving")

const defaultTTL = 10 // seconds; the registry renews the lease while the server runs

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and its hosts.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTypes sets the type registry shared by every connection.
func WithTypes(types *message.Registry) Option {
	return func(s *Server) { s.types = types }
}

// WithHostOptions adds options applied to the host of every connection.
func WithHostOptions(opts ...rpc.Option) Option {
	return func(s *Server) { s.hostOpts = append(s.hostOpts, opts...) }
}

// WithTTL sets the lease TTL, in seconds, used when advertising services.
func WithTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// Server registers services and serves them on accepted connections.
type Server struct {
	services    map[string]*service
	handlers    rpc.ServiceTable
	middlewares []middleware.Middleware
	types       *message.Registry
	logger      *zap.Logger
	hostOpts    []rpc.Option
	ttl         int64

	mu            sync.Mutex
	listener      net.Listener
	conns         map[*transport.Conn]struct{}
	registry      registry.Registry // nil when not using discovery
	advertiseAddr string            // routable address advertised to the registry
	ready         chan struct{}

	wg       sync.WaitGroup // connection read loops
	started  atomic.Bool
	shutdown atomic.Bool // set before closing the listener so Accept errors are expected
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		services: make(map[string]*service),
		handlers: make(rpc.ServiceTable),
		logger:   zap.NewNop(),
		ttl:      defaultTTL,
		conns:    make(map[*transport.Conn]struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.types == nil {
		s.types = message.NewRegistry()
	}
	return s
}

// Types returns the registry request and response types must be added to.
func (s *Server) Types() *message.Registry {
	return s.types
}

// Register exposes the methods of rcvr under its type name.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName exposes the methods of rcvr as "name.Method".
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.services[svc.name] = svc
	return nil
}

// Handle serves method with h directly.
func (s *Server) Handle(method string, h rpc.Handler) {
	s.handlers[method] = h
}

// Use adds a middleware. Middlewares apply in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// table builds the service table once at startup, with every handler
// wrapped in the middleware chain.
func (s *Server) table() rpc.ServiceTable {
	t := make(rpc.ServiceTable)
	for _, svc := range s.services {
		for method, h := range svc.table() {
			t[method] = h
		}
	}
	for method, h := range s.handlers {
		t[method] = h
	}
	return middleware.Apply(t, middleware.Chain(s.middlewares...))
}

// Serve listens on address and serves until Shutdown.
//
// advertiseAddr is the address registered with reg, usually a routable
// host:port rather than a wildcard listen address. Pass a nil reg to skip
// service discovery.
func (s *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	if s.started.Load() {
		return ErrServing
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(ln, advertiseAddr, reg)
}

// ServeListener serves connections accepted from ln until Shutdown. A
// server serves at most once; later calls close ln and return ErrServing.
func (s *Server) ServeListener(ln net.Listener, advertiseAddr string, reg registry.Registry) error {
	if !s.started.CompareAndSwap(false, true) {
		ln.Close()
		return ErrServing
	}
	table := s.table()

	s.mu.Lock()
	s.listener = ln
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	s.mu.Unlock()
	close(s.ready)

	if reg != nil {
		for name := range s.services {
			err := reg.Register(context.Background(), name, registry.ServiceInstance{Addr: advertiseAddr}, s.ttl)
			if err != nil {
				ln.Close()
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}

	opts := append([]rpc.Option{rpc.WithRegistry(s.types), rpc.WithService(table)}, s.hostOpts...)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.serveConn(transport.NewConn(nc, s.logger, opts...))
	}
}

func (s *Server) serveConn(c *transport.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := c.Serve(context.Background()); err != nil {
			s.logger.Debug("connection closed", zap.Error(err))
		}
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

func (s *Server) inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		n += c.Host().Inflight()
	}
	return n
}

// Shutdown stops the server gracefully:
//  1. Deregister all services so clients stop routing here
//  2. Close the listener
//  3. Wait for running calls to finish, up to timeout
//  4. Close every connection
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, addr, ln := s.registry, s.advertiseAddr, s.listener
	s.mu.Unlock()

	if reg != nil {
		for name := range s.services {
			if err := reg.Deregister(context.Background(), name, addr); err != nil {
				s.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	s.shutdown.Store(true)
	if ln != nil {
		ln.Close()
	}

	var err error
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.inflight() > 0 {
		if time.Now().After(deadline) {
			err = ErrShutdownTimeout
			break
		}
		<-ticker.C
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
