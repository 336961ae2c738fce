// Package loadbalance chooses which discovered server instance a facade connects to.
//
//   - RoundRobin:      pool mode, spreads new pooled connections evenly
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful mode, keyed by the facade's client id so reconnects land
//     on the same instance while it stays registered
package loadbalance

import "remoting/registry"

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns the balancer for a configuration string. Empty means round robin.
func ByName(name string) (Balancer, bool) {
	switch name {
	case "", "RoundRobin", "round_robin":
		return &RoundRobinBalancer{}, true
	case "WeightedRandom", "weighted_random":
		return &WeightedRandomBalancer{}, true
	}
	return nil, false
}
