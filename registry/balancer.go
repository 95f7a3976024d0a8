package registry

import (
	"math/rand"
	"sync/atomic"
)

// Balancer picks one agent from a candidate set. Every strategy filters out
// non-online agents first and returns nil when none remain.
type Balancer interface {
	Select(agents []*RegisteredAgent) *RegisteredAgent
	Name() string
}

func onlineOnly(agents []*RegisteredAgent) []*RegisteredAgent {
	out := make([]*RegisteredAgent, 0, len(agents))
	for _, agent := range agents {
		if agent != nil && agent.Status == StatusOnline {
			out = append(out, agent)
		}
	}
	return out
}

// RoundRobin cycles through healthy agents in order.
type RoundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (b *RoundRobin) Name() string { return "round_robin" }

func (b *RoundRobin) Select(agents []*RegisteredAgent) *RegisteredAgent {
	healthy := onlineOnly(agents)
	if len(healthy) == 0 {
		return nil
	}
	idx := b.counter.Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

// LeastConnections picks the healthy agent with the fewest in-flight
// requests.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections balancer.
func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (b *LeastConnections) Name() string { return "least_connections" }

func (b *LeastConnections) Select(agents []*RegisteredAgent) *RegisteredAgent {
	healthy := onlineOnly(agents)
	if len(healthy) == 0 {
		return nil
	}
	best := healthy[0]
	for _, agent := range healthy[1:] {
		if agent.Metrics.ActiveRequests < best.Metrics.ActiveRequests {
			best = agent
		}
	}
	return best
}

// WeightedLatency picks a healthy agent with probability inversely
// proportional to its average response time, so fast agents attract more
// traffic without starving the rest.
type WeightedLatency struct{}

// NewWeightedLatency creates a weighted-inverse-latency balancer.
func NewWeightedLatency() *WeightedLatency { return &WeightedLatency{} }

func (b *WeightedLatency) Name() string { return "weighted_latency" }

func (b *WeightedLatency) Select(agents []*RegisteredAgent) *RegisteredAgent {
	healthy := onlineOnly(agents)
	if len(healthy) == 0 {
		return nil
	}

	weights := make([]float64, len(healthy))
	var total float64
	for i, agent := range healthy {
		avg := agent.Metrics.AvgResponseTime.Seconds()
		if avg <= 0 {
			// No history yet: treat as fast so new agents get traffic
			avg = 0.001
		}
		weights[i] = 1.0 / avg
		total += weights[i]
	}

	target := rand.Float64() * total
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return healthy[i]
		}
	}
	return healthy[len(healthy)-1]
}
