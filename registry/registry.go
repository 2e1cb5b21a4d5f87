// Package registry lets socket-served hosts advertise where they listen and
// lets clients find them. A host reached over stdio needs no registry.
package registry

import "context"

// Endpoint is one listening host.
type Endpoint struct {
	Network string `json:"network"` // "tcp" or "unix"
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Endpoint, error)
	Watch(ctx context.Context, serviceName string) <-chan []Endpoint
}
