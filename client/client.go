// Package client routes calls to service instances found in a registry.
//
// Each call resolves its service from the method name, picks an instance
// with the balancer and reuses one multiplexed connection per instance.
package client

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"strims-rpc/loadbalance"
	"strims-rpc/message"
	"strims-rpc/registry"
	"strims-rpc/rpc"
	"strims-rpc/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client's connections.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTypes sets the type registry used to encode requests and decode
// replies.
func WithTypes(types *message.Registry) Option {
	return func(c *Client) { c.types = types }
}

// WithHostOptions adds options applied to the host of every connection.
func WithHostOptions(opts ...rpc.Option) Option {
	return func(c *Client) { c.hostOpts = append(c.hostOpts, opts...) }
}

// WithDialer replaces the function used to open connections.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

type affinityKey struct{}

// WithAffinity returns a context whose calls are balanced by key instead
// of by method name. Consistent hashing sends equal keys to the same
// instance.
func WithAffinity(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKey{}, key)
}

type Client struct {
	registry registry.Registry // find service instances
	balancer loadbalance.Balancer
	pool     *transport.HostPool
	types    *message.Registry
	logger   *zap.Logger
	hostOpts []rpc.Option
	dial     transport.DialFunc
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.types == nil {
		c.types = message.NewRegistry()
	}
	if c.dial == nil {
		hostOpts := append([]rpc.Option{rpc.WithRegistry(c.types), rpc.WithLogger(c.logger)}, c.hostOpts...)
		c.dial = transport.Dialer(c.logger, hostOpts...)
	}
	c.pool = transport.NewHostPool(c.dial)
	return c
}

// Types returns the client's type registry.
func (c *Client) Types() *message.Registry {
	return c.types
}

// serviceName returns the part of method before the last dot.
func serviceName(method string) (string, error) {
	i := strings.LastIndexByte(method, '.')
	if i <= 0 || i == len(method)-1 {
		return "", fmt.Errorf("invalid serviceMethod format: %v", method)
	}
	return method[:i], nil
}

// host picks an instance for method and returns its connection.
func (c *Client) host(ctx context.Context, method string) (*rpc.Host, error) {
	service, err := serviceName(method)
	if err != nil {
		return nil, err
	}

	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}

	key := method
	if v, ok := ctx.Value(affinityKey{}).(string); ok {
		key = v
	}
	instance, err := c.balancer.Pick(key, instances)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", service, err)
	}

	return c.pool.Get(ctx, instance.Addr)
}

// Unary calls method on an instance of its service and waits for the
// reply.
func (c *Client) Unary(ctx context.Context, method string, arg message.Message, opts ...rpc.ExpectOption) (message.Message, error) {
	h, err := c.host(ctx, method)
	if err != nil {
		return nil, err
	}
	return h.Unary(ctx, method, arg, opts...)
}

// OpenStream calls a streaming method on an instance of its service.
func (c *Client) OpenStream(ctx context.Context, method string, arg message.Message) (*rpc.Stream, error) {
	h, err := c.host(ctx, method)
	if err != nil {
		return nil, err
	}
	return h.OpenStream(ctx, method, arg)
}

// Call is Unary with the reply asserted to T.
func Call[T message.Message](ctx context.Context, c *Client, method string, arg message.Message, opts ...rpc.ExpectOption) (T, error) {
	var zero T
	m, err := c.Unary(ctx, method, arg, opts...)
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", rpc.ErrUnexpectedType, m, zero)
	}
	return v, nil
}

// Close closes every connection. Pending calls fail with rpc.ErrClosed.
func (c *Client) Close() error {
	return c.pool.Close()
}
