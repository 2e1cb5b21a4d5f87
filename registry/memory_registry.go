package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. Leases are not enforced.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, serviceName string, endpoint Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]Endpoint)
	}
	r.services[serviceName][endpoint.Addr] = endpoint
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.services[serviceName], addr)
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listLocked(serviceName), nil
}

// Watch keeps only the latest list when the receiver falls behind.
func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[serviceName]
		for i, w := range watchers {
			if w == ch {
				r.watchers[serviceName] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(serviceName string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(r.services[serviceName]))
	for _, endpoint := range r.services[serviceName] {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Addr < endpoints[j].Addr })
	return endpoints
}

func (r *MemoryRegistry) notifyLocked(serviceName string) {
	list := r.listLocked(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
