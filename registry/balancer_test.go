package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeAgents() []*RegisteredAgent {
	return []*RegisteredAgent{
		{Name: "a", Status: StatusOnline, Metrics: AgentMetrics{ActiveRequests: 5, AvgResponseTime: 10 * time.Millisecond}},
		{Name: "b", Status: StatusOnline, Metrics: AgentMetrics{ActiveRequests: 1, AvgResponseTime: 100 * time.Millisecond}},
		{Name: "c", Status: StatusOffline, Metrics: AgentMetrics{ActiveRequests: 0, AvgResponseTime: time.Millisecond}},
		{Name: "d", Status: StatusOnline, Metrics: AgentMetrics{ActiveRequests: 3, AvgResponseTime: 50 * time.Millisecond}},
	}
}

func TestRoundRobinCyclesHealthyAgents(t *testing.T) {
	rr := NewRoundRobin()
	agents := makeAgents()

	var picked []string
	for i := 0; i < 6; i++ {
		agent := rr.Select(agents)
		require.NotNil(t, agent)
		picked = append(picked, agent.Name)
	}
	assert.Equal(t, []string{"a", "b", "d", "a", "b", "d"}, picked)
}

func TestLeastConnectionsPicksIdlest(t *testing.T) {
	lc := NewLeastConnections()
	agent := lc.Select(makeAgents())
	require.NotNil(t, agent)
	assert.Equal(t, "b", agent.Name, "fewest in-flight requests among online agents")
}

func TestWeightedLatencyOnlyPicksOnline(t *testing.T) {
	wl := NewWeightedLatency()
	for i := 0; i < 100; i++ {
		agent := wl.Select(makeAgents())
		require.NotNil(t, agent)
		assert.NotEqual(t, "c", agent.Name, "offline agents never receive traffic")
	}
}

func TestWeightedLatencyFavorsFastAgents(t *testing.T) {
	wl := NewWeightedLatency()
	agents := []*RegisteredAgent{
		{Name: "fast", Status: StatusOnline, Metrics: AgentMetrics{AvgResponseTime: 10 * time.Millisecond}},
		{Name: "slow", Status: StatusOnline, Metrics: AgentMetrics{AvgResponseTime: time.Second}},
	}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[wl.Select(agents).Name]++
	}
	assert.Greater(t, counts["fast"], counts["slow"]*5,
		"a 100x faster agent should attract the bulk of traffic")
}

func TestBalancersHandleEmptyAndAllOffline(t *testing.T) {
	offline := []*RegisteredAgent{{Name: "x", Status: StatusOffline}, {Name: "y", Status: StatusError}}
	for _, b := range []Balancer{NewRoundRobin(), NewLeastConnections(), NewWeightedLatency()} {
		assert.Nil(t, b.Select(nil), b.Name())
		assert.Nil(t, b.Select(offline), b.Name())
	}
}
