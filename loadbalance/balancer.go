// Package loadbalance picks the instance that serves each call.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances, share set by Weight
//   - ConsistentHash:  affinity, the same key keeps hitting the same instance
package loadbalance

import (
	"errors"
	"fmt"

	"strims-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance for a call. key identifies the call for
// strategies that need affinity and is ignored by the others. Pick is
// called concurrently.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
