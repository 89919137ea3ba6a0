package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// etcdEndpoints returns the endpoints in STRIMS_RPC_ETCD or skips the test.
func etcdEndpoints(t *testing.T) []string {
	v := os.Getenv("STRIMS_RPC_ETCD")
	if v == "" {
		t.Skip("STRIMS_RPC_ETCD not set")
	}
	return strings.Split(v, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), WithPrefix("/strims-rpc-test/"))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "Echo", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "Echo", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := reg.Watch(wctx, "Echo")

	if err := reg.Deregister(ctx, "Echo", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	select {
	case instances = <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update after deregister")
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s, got %v", inst2.Addr, instances)
	}

	reg.Deregister(ctx, "Echo", inst2.Addr)
}
