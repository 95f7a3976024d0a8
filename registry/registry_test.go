package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/conductor/a2a"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/transport"
)

func newTestRegistry(t *testing.T, snapshotPath string) *ServiceRegistry {
	t.Helper()
	tr := transport.New(&transport.Config{MaxConns: 10, MaxConnsPerHost: 5})
	t.Cleanup(tr.Close)

	r, err := New(&Config{
		SnapshotPath:     snapshotPath,
		HealthTimeout:    2 * time.Second,
		HealthInterval:   time.Minute,
		ProbeConcurrency: 4,
	}, tr)
	require.NoError(t, err)
	return r
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func cardServer(t *testing.T, card a2a.AgentCard) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a2a.CardPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(mustJSON(t, card))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterWithExplicitCard(t *testing.T) {
	r := newTestRegistry(t, "")

	err := r.Register(context.Background(), "jira", "http://jira:8080", &a2a.AgentCard{
		Name:         "jira",
		Description:  "issue tracking",
		Capabilities: []string{"jira", "issues"},
	})
	require.NoError(t, err)

	agent, err := r.Get("jira")
	require.NoError(t, err)
	assert.Equal(t, "http://jira:8080", agent.Endpoint)
	assert.Equal(t, StatusUnknown, agent.Status, "health is only established by probing")
	assert.True(t, agent.HasCapability("issues"))

	matches := r.FindByCapability("jira")
	require.Len(t, matches, 1)
	assert.Equal(t, "jira", matches[0].Name)
}

func TestRegisterProbesCardWhenNil(t *testing.T) {
	srv := cardServer(t, a2a.AgentCard{
		Name:         "salesforce",
		Capabilities: []string{"salesforce", "crm"},
	})

	r := newTestRegistry(t, "")
	require.NoError(t, r.Register(context.Background(), "salesforce", srv.URL, nil))

	agent, err := r.Get("salesforce")
	require.NoError(t, err)
	assert.Equal(t, []string{"salesforce", "crm"}, agent.Capabilities)
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()

	card := &a2a.AgentCard{Name: "jira", Capabilities: []string{"jira"}}
	require.NoError(t, r.Register(ctx, "jira", "http://old:8080", card))

	first, _ := r.Get("jira")
	r.RecordCallEnd("jira", 100*time.Millisecond, true)

	require.NoError(t, r.Register(ctx, "jira", "http://new:8080", card))
	second, err := r.Get("jira")
	require.NoError(t, err)

	assert.Equal(t, "http://new:8080", second.Endpoint)
	assert.Equal(t, first.RegistrationTime, second.RegistrationTime, "registration time survives upsert")
	assert.Equal(t, int64(1), second.Metrics.RequestCount, "metrics survive upsert")
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "jira", "http://jira:8080",
		&a2a.AgentCard{Name: "jira", Capabilities: []string{"jira"}}))
	require.NoError(t, r.Unregister("jira"))

	_, err := r.Get("jira")
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
	assert.Empty(t, r.FindByCapability("jira"), "capability index is cleaned up")

	err = r.Unregister("jira")
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	ctx := context.Background()

	r := newTestRegistry(t, path)
	require.NoError(t, r.Register(ctx, "jira", "http://jira:8080",
		&a2a.AgentCard{Name: "jira", Capabilities: []string{"jira"}}))

	// Simulate an established status before "restart"
	r.mu.Lock()
	r.agents["jira"].Status = StatusOnline
	r.agents["jira"].Metrics.ActiveRequests = 3
	r.mu.Unlock()
	require.NoError(t, r.persist())

	restarted := newTestRegistry(t, path)
	agent, err := restarted.Get("jira")
	require.NoError(t, err)

	assert.Equal(t, "http://jira:8080", agent.Endpoint)
	assert.Equal(t, StatusUnknown, agent.Status, "health is never trusted across restarts")
	assert.Zero(t, agent.Metrics.ActiveRequests, "in-flight counters reset on restart")
	assert.Len(t, restarted.FindByCapability("jira"), 1, "capability index rebuilt from snapshot")
}

func TestFindByCapabilityOrdersByHealthThenLatency(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()

	for _, name := range []string{"fast", "slow", "down"} {
		require.NoError(t, r.Register(ctx, name, "http://"+name+":8080",
			&a2a.AgentCard{Name: name, Capabilities: []string{"jira"}}))
	}
	r.mu.Lock()
	r.agents["fast"].Status = StatusOnline
	r.agents["fast"].Metrics.AvgResponseTime = 20 * time.Millisecond
	r.agents["slow"].Status = StatusOnline
	r.agents["slow"].Metrics.AvgResponseTime = 200 * time.Millisecond
	r.agents["down"].Status = StatusOffline
	r.agents["down"].Metrics.AvgResponseTime = time.Millisecond
	r.mu.Unlock()

	matches := r.FindByCapability("jira")
	require.Len(t, matches, 3)
	assert.Equal(t, "fast", matches[0].Name)
	assert.Equal(t, "slow", matches[1].Name)
	assert.Equal(t, "down", matches[2].Name, "offline agents sort last regardless of latency")
}

func TestFindBestForTask(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "jira-agent", "http://jira:8080", &a2a.AgentCard{
		Name: "jira-agent", Description: "sprint and issue management",
		Capabilities: []string{"jira", "issues"},
	}))
	require.NoError(t, r.Register(ctx, "sf-agent", "http://sf:8080", &a2a.AgentCard{
		Name: "sf-agent", Description: "customer accounts and opportunities",
		Capabilities: []string{"salesforce", "crm"},
	}))

	best, err := r.FindBestForTask("file a bug", []string{"jira", "issues"})
	require.NoError(t, err)
	assert.Equal(t, "jira-agent", best.Name)

	// No capability match: keyword overlap against name/description wins
	best, err = r.FindBestForTask("look up the customer accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, "sf-agent", best.Name)

	_, err = r.FindBestForTask("defragment the mainframe", []string{"cobol"})
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
}

func TestCallMetricsMovingAverage(t *testing.T) {
	r := newTestRegistry(t, "")
	require.NoError(t, r.Register(context.Background(), "jira", "http://jira:8080",
		&a2a.AgentCard{Name: "jira", Capabilities: []string{"jira"}}))

	r.RecordCallStart("jira")
	agent, _ := r.Get("jira")
	assert.Equal(t, int64(1), agent.Metrics.ActiveRequests)

	r.RecordCallEnd("jira", 100*time.Millisecond, true)
	agent, _ = r.Get("jira")
	assert.Zero(t, agent.Metrics.ActiveRequests)
	assert.Equal(t, 100*time.Millisecond, agent.Metrics.AvgResponseTime, "first sample seeds the average")

	r.RecordCallEnd("jira", 200*time.Millisecond, false)
	agent, _ = r.Get("jira")
	assert.Equal(t, 120*time.Millisecond, agent.Metrics.AvgResponseTime, "(100*4+200)/5")
	assert.Equal(t, int64(2), agent.Metrics.RequestCount)
	assert.Equal(t, int64(1), agent.Metrics.ErrorCount)
}

func TestListIsSortedAndCopied(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(ctx, name, "http://"+name+":8080",
			&a2a.AgentCard{Name: name, Capabilities: []string{name}}))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{list[0].Name, list[1].Name, list[2].Name})

	// Mutating the copy must not touch registry state
	list[0].Status = StatusOffline
	fresh, _ := r.Get("alpha")
	assert.Equal(t, StatusUnknown, fresh.Status)
}
