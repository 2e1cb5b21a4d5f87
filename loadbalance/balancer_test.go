package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"vdesk-rpc/registry"
)

var testEndpoints = []registry.Endpoint{
	{Network: "tcp", Addr: ":8001", Weight: 10, Version: "1.0"},
	{Network: "tcp", Addr: ":8002", Weight: 5, Version: "1.0"},
	{Network: "tcp", Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all endpoints
	seen := map[string]bool{}
	var first string
	for i := 0; i < 3; i++ {
		e, err := b.Pick(testEndpoints, "")
		require.NoError(t, err)
		if i == 0 {
			first = e.Addr
		}
		seen[e.Addr] = true
	}
	require.Len(t, seen, 3)

	// Pick again, should wrap around to first
	e, err := b.Pick(testEndpoints, "")
	require.NoError(t, err)
	require.Equal(t, first, e.Addr)
}

func TestEmptyEndpoints(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick(nil, "k")
		require.ErrorIs(t, err, ErrNoEndpoints, b.Name())
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("random_walk")
	require.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		e, err := b.Pick(testEndpoints, "")
		require.NoError(t, err)
		counts[e.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	require.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	e, err := b.Pick([]registry.Endpoint{{Addr: ":9000"}}, "")
	require.NoError(t, err)
	require.Equal(t, ":9000", e.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same endpoint
	e1, err := b.Pick(testEndpoints, "alice")
	require.NoError(t, err)
	e2, err := b.Pick(testEndpoints, "alice")
	require.NoError(t, err)
	require.Equal(t, e1.Addr, e2.Addr)

	// Different keys should (likely) map to different endpoints
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		e, err := b.Pick(testEndpoints, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		seen[e.Addr] = true
	}
	require.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashIgnoresOrder(t *testing.T) {
	b := NewConsistentHashBalancer()
	reversed := []registry.Endpoint{testEndpoints[2], testEndpoints[1], testEndpoints[0]}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("session-%d", i)
		e1, _ := b.Pick(testEndpoints, key)
		e2, _ := b.Pick(reversed, key)
		require.Equal(t, e1.Addr, e2.Addr, key)
	}
}
