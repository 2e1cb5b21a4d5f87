package loadbalance

import (
	"sync/atomic"

	"vdesk-rpc/registry"
)

// RoundRobinBalancer hands out endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint, _ string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	index := b.counter.Add(1) % uint64(len(endpoints))
	return endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
