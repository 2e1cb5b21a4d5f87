package loadbalance

import (
	"math/rand/v2"

	"vdesk-rpc/registry"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// their weight. Endpoints without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint, _ string) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	// Sum the weights, then walk a random point down the list.
	totalWeight := 0
	for _, e := range endpoints {
		totalWeight += weight(e)
	}

	r := rand.IntN(totalWeight)
	for _, e := range endpoints {
		r -= weight(e)
		if r < 0 {
			return e, nil
		}
	}
	return endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(e registry.Endpoint) int {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}
