// Package registry lets servers advertise the hosts serving a service and
// clients discover them.
package registry

import "context"

// ServiceInstance is one advertised host.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

// Registry stores the instances serving each service.
type Registry interface {
	// Register advertises instance for serviceName. The entry expires ttl
	// seconds after the registering process stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is
	// done, then closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
