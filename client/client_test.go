package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strims-rpc/loadbalance"
	"strims-rpc/message"
	"strims-rpc/message/rpctest"
	"strims-rpc/registry"
	"strims-rpc/rpc"
	"strims-rpc/server"
)

// tagged replies with the tag of the server it runs on.
type tagged struct {
	rpctest.Service
	tag uint64
}

func (s *tagged) CallUnary(ctx context.Context, req *rpctest.RPCCallUnaryRequest) (*rpctest.RPCCallUnaryResponse, error) {
	return &rpctest.RPCCallUnaryResponse{ID: s.tag}, nil
}

func types() *message.Registry {
	reg := message.NewRegistry()
	rpctest.RegisterTypes(reg)
	return reg
}

func startServer(t testing.TB, reg registry.Registry, tag uint64) string {
	t.Helper()
	svr := server.NewServer(server.WithTypes(types()))
	require.NoError(t, svr.RegisterName(rpctest.ServiceName, &tagged{tag: tag}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, ln.Addr().String(), reg)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	addr := ln.Addr().String()
	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), rpctest.ServiceName)
		for _, inst := range instances {
			if inst.Addr == addr {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return addr
}

func newClient(t testing.TB, reg registry.Registry, bal loadbalance.Balancer) *Client {
	c := NewClient(reg, bal, WithTypes(types()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1)
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{})

	reply, err := Call[*rpctest.RPCCallUnaryResponse](context.Background(), c, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{ID: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reply.ID)
}

func TestClientBalancesAcrossInstances(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1)
	startServer(t, reg, 2)
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{})

	seen := make(map[uint64]int)
	for i := 0; i < 4; i++ {
		reply, err := Call[*rpctest.RPCCallUnaryResponse](context.Background(), c, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{})
		require.NoError(t, err)
		seen[reply.ID]++
	}
	assert.Equal(t, map[uint64]int{1: 2, 2: 2}, seen)
	assert.Equal(t, 2, c.pool.Len())
}

func TestClientAffinity(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1)
	startServer(t, reg, 2)
	startServer(t, reg, 3)
	c := newClient(t, reg, loadbalance.NewConsistentHashBalancer())

	ctx := WithAffinity(context.Background(), "user-42")
	first, err := Call[*rpctest.RPCCallUnaryResponse](ctx, c, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		reply, err := Call[*rpctest.RPCCallUnaryResponse](ctx, c, rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{})
		require.NoError(t, err)
		assert.Equal(t, first.ID, reply.ID)
	}
}

func TestClientStream(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1)
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{})

	ctx := context.Background()
	stream, err := c.OpenStream(ctx, rpctest.CallStreamMethod, &rpctest.RPCCallStreamRequest{ID: 8, Count: 2})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		m, err := rpc.RecvAs[*rpctest.RPCCallStreamResponse](ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), m.ID)
	}
	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientNoInstances(t *testing.T) {
	c := newClient(t, registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{})
	_, err := c.Unary(context.Background(), rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{})
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
}

func TestClientInvalidMethod(t *testing.T) {
	c := newClient(t, registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{})
	for _, method := range []string{"", "NoDot", ".Leading", "Trailing."} {
		_, err := c.Unary(context.Background(), method, &rpctest.RPCCallUnaryRequest{})
		assert.Error(t, err, method)
	}
}

func TestServiceName(t *testing.T) {
	name, err := serviceName(rpctest.CallUnaryMethod)
	require.NoError(t, err)
	assert.Equal(t, rpctest.ServiceName, name)
}

func TestClientClosed(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1)
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{})
	require.NoError(t, c.Close())

	_, err := c.Unary(context.Background(), rpctest.CallUnaryMethod, &rpctest.RPCCallUnaryRequest{})
	assert.Error(t, err)
}
