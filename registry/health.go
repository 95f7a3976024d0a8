package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opsmesh/conductor/core"
)

// HealthProbe probes one agent's discovery card and updates its status:
// online on success, error on a protocol-level failure (reachable but
// malformed), offline on timeout or connection refusal. A successful probe
// also refreshes the capability manifest.
func (r *ServiceRegistry) HealthProbe(ctx context.Context, name string) error {
	r.mu.RLock()
	agent, ok := r.agents[name]
	var endpoint string
	var prev AgentStatus
	if ok {
		endpoint = agent.Endpoint
		prev = agent.Status
	}
	r.mu.RUnlock()

	if !ok {
		return core.ErrAgentNotFound
	}

	start := time.Now()
	card, err := r.fetchCard(ctx, endpoint)
	elapsed := time.Since(start)

	next := statusForProbe(err)

	r.mu.Lock()
	agent, ok = r.agents[name]
	if ok {
		agent.Status = next
		agent.LastHealthCheck = time.Now()
		if card != nil {
			r.removeFromIndexLocked(agent)
			agent.Capabilities = append([]string(nil), card.Capabilities...)
			if card.Description != "" {
				agent.Description = card.Description
			}
			r.addToIndexLocked(agent)
		}
	}
	r.mu.Unlock()

	if prev != next {
		fields := map[string]interface{}{
			"operation":  "health_transition",
			"agent":      name,
			"from":       string(prev),
			"to":         string(next),
			"elapsed_ms": elapsed.Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		if next == StatusOnline {
			r.logger.Info("Agent recovered", fields)
		} else {
			r.logger.Warn("Agent health degraded", fields)
		}
	} else {
		r.logger.Debug("Health probe completed", map[string]interface{}{
			"operation":  "health_probe",
			"agent":      name,
			"status":     string(next),
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}

	return err
}

// statusForProbe maps a probe error onto the status transition table.
func statusForProbe(err error) AgentStatus {
	switch {
	case err == nil:
		return StatusOnline
	case errors.Is(err, core.ErrTimeout), errors.Is(err, core.ErrConnectionFailed):
		return StatusOffline
	default:
		// Reachable but misbehaving: bad status codes, malformed cards
		return StatusError
	}
}

// HealthProbeAll probes every registered agent concurrently, bounded by the
// configured semaphore, and persists the registry once after aggregation.
func (r *ServiceRegistry) HealthProbeAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()

	if len(names) == 0 {
		return
	}

	sem := make(chan struct{}, r.config.ProbeConcurrency)
	var wg sync.WaitGroup

	start := time.Now()
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			_ = r.HealthProbe(ctx, name)
		}(name)
	}
	wg.Wait()

	r.logger.Debug("Health sweep completed", map[string]interface{}{
		"operation":  "health_sweep",
		"agents":     len(names),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	if err := r.persist(); err != nil {
		r.logger.Error("Failed to persist registry after health sweep", map[string]interface{}{
			"operation": "health_sweep_persist",
			"error":     err.Error(),
		})
	}
}

// StartHealthLoop runs probe sweeps every HealthInterval until Stop or
// context cancellation.
func (r *ServiceRegistry) StartHealthLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.probeCancel = cancel
	r.probeDone = make(chan struct{})

	go func() {
		defer close(r.probeDone)
		ticker := time.NewTicker(r.config.HealthInterval)
		defer ticker.Stop()

		// Establish health immediately rather than waiting a full interval
		r.HealthProbeAll(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthProbeAll(ctx)
			}
		}
	}()
}

// Stop halts the health loop.
func (r *ServiceRegistry) Stop() {
	if r.probeCancel != nil {
		r.probeCancel()
		<-r.probeDone
	}
}
