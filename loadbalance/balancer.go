// Package loadbalance picks which discovered endpoint a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity frame servers
//   - WeightedRandom:  servers advertising different weights
//   - ConsistentHash:  pin a routing key (e.g. a device address) to one server
package loadbalance

import (
	"errors"

	"blekit/discovery"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint per call. Implementations must be safe for
// concurrent use. key identifies what is being routed; strategies that do not
// need affinity ignore it.
type Balancer interface {
	Pick(endpoints []discovery.Endpoint, key string) (*discovery.Endpoint, error)
	Name() string
}

// New returns the balancer for a configured strategy name. Unknown names
// fall back to round robin.
func New(strategy string) Balancer {
	switch strategy {
	case "weighted", "weighted_random":
		return &WeightedRandomBalancer{}
	case "hash", "consistent_hash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
