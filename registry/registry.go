// Package registry tracks the remote agents the orchestrator can dispatch
// to: registration, capability indexing, health probing, and snapshot
// persistence. Reads are concurrent; every mutation happens under the
// write lock and is followed by an atomic snapshot save.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsmesh/conductor/a2a"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/transport"
)

// AgentStatus is the health state of a registered agent.
type AgentStatus string

const (
	StatusUnknown AgentStatus = "unknown"
	StatusOnline  AgentStatus = "online"
	StatusError   AgentStatus = "error"
	StatusOffline AgentStatus = "offline"
)

// AgentMetrics tracks per-agent request statistics.
type AgentMetrics struct {
	RequestCount    int64         `json:"request_count"`
	ErrorCount      int64         `json:"error_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int64         `json:"active_requests"`
}

// RegisteredAgent is one agent record. Agents are never deleted
// implicitly; only Unregister removes a record.
type RegisteredAgent struct {
	Name             string       `json:"name"`
	Endpoint         string       `json:"endpoint"`
	Capabilities     []string     `json:"capabilities"`
	Description      string       `json:"description"`
	Status           AgentStatus  `json:"status"`
	LastHealthCheck  time.Time    `json:"last_health_check"`
	RegistrationTime time.Time    `json:"registration_time"`
	Metrics          AgentMetrics `json:"metrics"`
}

// HasCapability reports whether the agent advertises the capability.
func (a *RegisteredAgent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand out without the registry lock.
func (a *RegisteredAgent) clone() *RegisteredAgent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// snapshot is the persisted registry layout.
type snapshot struct {
	Version   string             `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Agents    []*RegisteredAgent `json:"agents"`
}

const snapshotVersion = "1.0"

// Config configures a ServiceRegistry.
type Config struct {
	// SnapshotPath is the JSON file the registry persists to. Empty
	// disables persistence.
	SnapshotPath string
	// HealthTimeout bounds a single card probe.
	HealthTimeout time.Duration
	// HealthInterval is the time between probe sweeps.
	HealthInterval time.Duration
	// ProbeConcurrency bounds concurrent probes in a sweep.
	ProbeConcurrency int
	// Logger for registry events.
	Logger core.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		HealthTimeout:    10 * time.Second,
		HealthInterval:   30 * time.Second,
		ProbeConcurrency: 10,
		Logger:           &core.NoOpLogger{},
	}
}

// ServiceRegistry is the agent directory.
type ServiceRegistry struct {
	config    *Config
	transport *transport.HTTPTransport
	logger    core.Logger

	mu       sync.RWMutex
	agents   map[string]*RegisteredAgent
	capIndex map[string]map[string]struct{}

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

// New creates a ServiceRegistry. If a snapshot exists at SnapshotPath it is
// reloaded with every status reset to unknown (health is re-established by
// the next probe sweep, never trusted across restarts).
func New(config *Config, tr *transport.HTTPTransport) (*ServiceRegistry, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 10 * time.Second
	}
	if config.ProbeConcurrency < 1 {
		config.ProbeConcurrency = 10
	}

	r := &ServiceRegistry{
		config:    config,
		transport: tr,
		logger:    config.Logger,
		agents:    make(map[string]*RegisteredAgent),
		capIndex:  make(map[string]map[string]struct{}),
	}

	if config.SnapshotPath != "" {
		if err := r.loadSnapshot(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register upserts an agent record. When card is nil the agent's discovery
// endpoint is probed to learn its capabilities; a probe failure still
// registers the agent with status unknown so a later sweep can recover it.
func (r *ServiceRegistry) Register(ctx context.Context, name, endpoint string, card *a2a.AgentCard) error {
	if name == "" || endpoint == "" {
		return fmt.Errorf("registry.Register: name and endpoint are required: %w", core.ErrInvalidConfiguration)
	}

	if card == nil {
		fetched, err := r.fetchCard(ctx, endpoint)
		if err != nil {
			r.logger.Warn("Agent card probe failed during registration", map[string]interface{}{
				"operation": "register_card_probe",
				"agent":     name,
				"endpoint":  endpoint,
				"error":     err.Error(),
			})
		} else {
			card = fetched
		}
	}

	r.mu.Lock()

	existing, ok := r.agents[name]
	if ok {
		// Idempotent upsert: keep registration time and metrics
		r.removeFromIndexLocked(existing)
		existing.Endpoint = endpoint
		if card != nil {
			existing.Capabilities = append([]string(nil), card.Capabilities...)
			if card.Description != "" {
				existing.Description = card.Description
			}
		}
		r.addToIndexLocked(existing)
	} else {
		agent := &RegisteredAgent{
			Name:             name,
			Endpoint:         endpoint,
			Status:           StatusUnknown,
			RegistrationTime: time.Now(),
		}
		if card != nil {
			agent.Capabilities = append([]string(nil), card.Capabilities...)
			agent.Description = card.Description
		}
		r.agents[name] = agent
		r.addToIndexLocked(agent)
	}
	r.mu.Unlock()

	r.logger.Info("Agent registered", map[string]interface{}{
		"operation": "register",
		"agent":     name,
		"endpoint":  endpoint,
		"updated":   ok,
		"capabilities": func() int {
			if card != nil {
				return len(card.Capabilities)
			}
			return 0
		}(),
	})

	return r.persist()
}

// Unregister removes an agent record.
func (r *ServiceRegistry) Unregister(name string) error {
	r.mu.Lock()
	agent, ok := r.agents[name]
	if ok {
		r.removeFromIndexLocked(agent)
		delete(r.agents, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("registry.Unregister [%s]: %w", name, core.ErrAgentNotFound)
	}

	r.logger.Info("Agent unregistered", map[string]interface{}{
		"operation": "unregister",
		"agent":     name,
	})
	return r.persist()
}

// Get returns a copy of the named agent record.
func (r *ServiceRegistry) Get(name string) (*RegisteredAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("registry.Get [%s]: %w", name, core.ErrAgentNotFound)
	}
	return agent.clone(), nil
}

// List returns copies of all agent records.
func (r *ServiceRegistry) List() []*RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RegisteredAgent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindByCapability returns agents advertising the capability: online agents
// first, then the rest, each group sorted by average response time.
func (r *ServiceRegistry) FindByCapability(capability string) []*RegisteredAgent {
	r.mu.RLock()
	names, ok := r.capIndex[capability]
	matches := make([]*RegisteredAgent, 0, len(names))
	if ok {
		for name := range names {
			if agent, exists := r.agents[name]; exists {
				matches = append(matches, agent.clone())
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		aOnline := a.Status == StatusOnline
		bOnline := b.Status == StatusOnline
		if aOnline != bOnline {
			return aOnline
		}
		if a.Metrics.AvgResponseTime != b.Metrics.AvgResponseTime {
			return a.Metrics.AvgResponseTime < b.Metrics.AvgResponseTime
		}
		return a.Name < b.Name
	})
	return matches
}

// FindBestForTask selects an agent for a task description. Agents matching
// every required capability win outright (lowest average latency first);
// otherwise the fallback scores keyword overlap between the description and
// the agent's capabilities, name, and description.
func (r *ServiceRegistry) FindBestForTask(description string, requiredCaps []string) (*RegisteredAgent, error) {
	if len(requiredCaps) > 0 {
		candidates := r.FindByCapability(requiredCaps[0])
		var exact []*RegisteredAgent
		for _, agent := range candidates {
			all := true
			for _, cap := range requiredCaps[1:] {
				if !agent.HasCapability(cap) {
					all = false
					break
				}
			}
			if all {
				exact = append(exact, agent)
			}
		}
		if len(exact) > 0 {
			// FindByCapability already ordered by health then latency
			return exact[0], nil
		}
	}

	// Keyword-overlap fallback
	tokens := tokenize(description)
	var best *RegisteredAgent
	bestScore := 0

	for _, agent := range r.List() {
		haystack := strings.Join(agent.Capabilities, " ") + " " + agent.Name + " " + agent.Description
		agentTokens := tokenize(haystack)
		score := 0
		for tok := range tokens {
			if _, ok := agentTokens[tok]; ok {
				score++
			}
		}
		if agent.Status == StatusOnline {
			score++ // prefer healthy agents on ties
		}
		if score > bestScore {
			bestScore = score
			best = agent
		}
	}

	if best == nil {
		return nil, fmt.Errorf("registry.FindBestForTask: no agent matches %q: %w",
			description, core.ErrAgentNotFound)
	}
	return best, nil
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 2 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// RecordCallStart marks an in-flight request for least-connections balancing.
func (r *ServiceRegistry) RecordCallStart(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[name]; ok {
		agent.Metrics.ActiveRequests++
	}
}

// RecordCallEnd updates request metrics after a dispatched call completes.
// The moving average weighs history 4:1 against the new sample.
func (r *ServiceRegistry) RecordCallEnd(name string, elapsed time.Duration, success bool) {
	r.mu.Lock()
	if agent, ok := r.agents[name]; ok {
		if agent.Metrics.ActiveRequests > 0 {
			agent.Metrics.ActiveRequests--
		}
		agent.Metrics.RequestCount++
		if !success {
			agent.Metrics.ErrorCount++
		}
		if agent.Metrics.AvgResponseTime == 0 {
			agent.Metrics.AvgResponseTime = elapsed
		} else {
			agent.Metrics.AvgResponseTime = (agent.Metrics.AvgResponseTime*4 + elapsed) / 5
		}
	}
	r.mu.Unlock()
}

// addToIndexLocked adds the agent to the capability index.
func (r *ServiceRegistry) addToIndexLocked(agent *RegisteredAgent) {
	for _, cap := range agent.Capabilities {
		if r.capIndex[cap] == nil {
			r.capIndex[cap] = make(map[string]struct{})
		}
		r.capIndex[cap][agent.Name] = struct{}{}
	}
}

// removeFromIndexLocked removes the agent from the capability index.
func (r *ServiceRegistry) removeFromIndexLocked(agent *RegisteredAgent) {
	for _, cap := range agent.Capabilities {
		if names, ok := r.capIndex[cap]; ok {
			delete(names, agent.Name)
			if len(names) == 0 {
				delete(r.capIndex, cap)
			}
		}
	}
}

// persist writes the snapshot atomically (temp file + rename).
func (r *ServiceRegistry) persist() error {
	if r.config.SnapshotPath == "" {
		return nil
	}

	r.mu.RLock()
	snap := snapshot{
		Version:   snapshotVersion,
		Timestamp: time.Now().UTC(),
		Agents:    make([]*RegisteredAgent, 0, len(r.agents)),
	}
	for _, agent := range r.agents {
		snap.Agents = append(snap.Agents, agent.clone())
	}
	r.mu.RUnlock()

	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Name < snap.Agents[j].Name })

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("registry.persist: %w", err)
	}

	dir := filepath.Dir(r.config.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry.persist: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("registry.persist: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry.persist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry.persist: %w", err)
	}
	if err := os.Rename(tmpName, r.config.SnapshotPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry.persist: %w", err)
	}
	return nil
}

// readSnapshot parses the snapshot file without touching live state.
func (r *ServiceRegistry) readSnapshot() (*snapshot, error) {
	data, err := os.ReadFile(r.config.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("registry.readSnapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("registry.readSnapshot: corrupt snapshot %s: %w",
			r.config.SnapshotPath, core.ErrInvalidConfiguration)
	}
	return &snap, nil
}

// loadSnapshot restores agents from disk. Health statuses reset to unknown.
func (r *ServiceRegistry) loadSnapshot() error {
	snap, err := r.readSnapshot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	r.mu.Lock()
	for _, agent := range snap.Agents {
		agent.Status = StatusUnknown
		agent.Metrics.ActiveRequests = 0
		r.agents[agent.Name] = agent
		r.addToIndexLocked(agent)
	}
	r.mu.Unlock()

	r.logger.Info("Registry snapshot restored", map[string]interface{}{
		"operation": "snapshot_restore",
		"path":      r.config.SnapshotPath,
		"agents":    len(snap.Agents),
		"saved_at":  snap.Timestamp.Format(time.RFC3339),
	})
	return nil
}

// fetchCard retrieves and validates an agent's discovery card.
func (r *ServiceRegistry) fetchCard(ctx context.Context, endpoint string) (*a2a.AgentCard, error) {
	var card a2a.AgentCard
	if err := r.transport.GetJSON(ctx, strings.TrimSuffix(endpoint, "/")+a2a.CardPath, r.config.HealthTimeout, &card); err != nil {
		return nil, err
	}
	if card.Name == "" {
		return nil, fmt.Errorf("agent card missing name: %w", core.ErrProtocol)
	}
	return &card, nil
}
