package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"vdesk-rpc/registry"
)

// ConsistentHashBalancer maps session keys to endpoints using a hash ring, so
// a user reconnecting lands on the host that already has their desktops.
//
// Virtual nodes: each endpoint is placed on the ring replicas times, hashed
// from "{addr}#{i}", to spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.Mutex
	members string // endpoint set the ring was built for
	ring    []uint32
	nodes   map[uint32]registry.Endpoint
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick returns the endpoint responsible for key. The ring is rebuilt only
// when the endpoint set changes.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint, key string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(endpoints)

	hash := crc32.ChecksumIEEE([]byte(key))
	// Binary search: first node with hash >= key's hash, wrapping around.
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	addrs := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		addrs = append(addrs, e.Network+"!"+e.Addr)
	}
	slices.Sort(addrs)
	members := strings.Join(addrs, ",")
	if members == b.members {
		return
	}

	b.members = members
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, e := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE(fmt.Appendf(nil, "%s#%d", e.Addr, i))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = e
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
