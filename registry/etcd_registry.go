// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is used as a phonebook of hosts:
//
//	Key:   /vdesk-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the host crashes, the lease expires
// and the entry is automatically removed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/vdesk-rpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger *slog.Logger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *slog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func serviceKey(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// Register adds an endpoint to etcd with a TTL lease and keeps the lease alive
// until ctx ends.
//
// The lease id is a local variable, not a field: several hosts may share one
// EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, endpoint Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: granting lease: %w", err)
	}

	val, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(serviceName)+endpoint.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("registry: registering %s: %w", endpoint.Addr, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keeping lease alive: %w", err)
	}

	// Consume KeepAlive responses to prevent the channel from filling up.
	go func() {
		for range ch {
		}
		r.logger.Debug("registry lease keepalive stopped", "service", serviceName, "addr", endpoint.Addr)
	}()
	return nil
}

// Deregister removes an endpoint from etcd.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	_, err := r.client.Delete(ctx, serviceKey(serviceName)+addr)
	return err
}

// Watch emits the full endpoint list whenever it changes (registrations,
// deregistrations, lease expirations) until ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the whole list, simpler than applying events.
			endpoints, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("registry discover failed", "service", serviceName, "error", err)
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered endpoints for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var endpoint Endpoint
		if err := json.Unmarshal(kv.Value, &endpoint); err != nil {
			r.logger.Warn("skipping malformed registry entry", "key", string(kv.Key), "error", err)
			continue
		}
		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
