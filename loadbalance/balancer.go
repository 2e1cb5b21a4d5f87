// Package loadbalance picks the desktop host a client connects to when more
// than one is advertised in the registry.
//
// Three strategies are implemented:
//   - RoundRobin:      spread sessions evenly over equal hosts
//   - WeightedRandom:  hosts of different capacity
//   - ConsistentHash:  the same session key keeps landing on the same host
package loadbalance

import (
	"errors"
	"fmt"

	"vdesk-rpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint. key identifies the session asking; only
// key-based strategies look at it. Implementations are goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint, key string) (registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
