// Package resilience wraps agent calls with circuit breaking, selective
// retry, and per-attempt timeouts. Breakers are per-endpoint and never
// shared; all state transitions happen under the breaker's lock.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsmesh/conductor/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited trial requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward the failure threshold
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure faults only. Domain errors,
// 4xx client errors, and caller cancellation never trip a breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsDomainError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	// Connection errors, timeouts, 5xx, and protocol violations all count
	return core.IsTransient(err) || core.IsProtocolError(err) ||
		errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker; by convention the endpoint URL.
	Name string

	// FailureThreshold is the number of counted failures in closed state
	// before the breaker opens.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before the next
	// request is allowed through as a half-open trial.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent trial requests in half-open state.
	HalfOpenMaxCalls int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenMaxCalls: 3,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half-open max calls must be at least 1, got %d", c.HalfOpenMaxCalls)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive, got %v", c.OpenTimeout)
	}
	return nil
}

// CircuitBreaker is a per-endpoint three-state gate. Counted failures in
// closed state open it; after OpenTimeout the next request transitions it
// to half-open; the first trial success closes it, any trial failure
// re-opens it and restarts the timer.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	openedAt        time.Time
	halfOpenInflight int

	// Monitoring counters
	totalExecutions    uint64
	rejectedExecutions uint64
}

// NewCircuitBreaker creates a circuit breaker for one endpoint.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, errors.New("invalid circuit breaker config: configuration cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}, nil
}

// SetLogger sets the logger, attributing output to the resilience component.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("conductor/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// Execute runs fn under the breaker. A denied request fails fast with
// core.ErrCircuitBreakerOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	trial, allowed := cb.beforeCall()
	if !allowed {
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	err := fn()
	cb.afterCall(trial, err)
	return err
}

// beforeCall decides admission and reports whether this is a half-open trial.
func (cb *CircuitBreaker) beforeCall() (trial bool, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalExecutions++

	switch cb.state {
	case StateClosed:
		return false, true

	case StateOpen:
		if time.Since(cb.openedAt) < cb.config.OpenTimeout {
			cb.rejectedExecutions++
			return false, false
		}
		// Open timeout elapsed: this request becomes the first trial
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInflight = 1
		return true, true

	case StateHalfOpen:
		if cb.halfOpenInflight >= cb.config.HalfOpenMaxCalls {
			cb.rejectedExecutions++
			return false, false
		}
		cb.halfOpenInflight++
		return true, true

	default:
		cb.rejectedExecutions++
		return false, false
	}
}

// afterCall records the outcome and evaluates transitions.
func (cb *CircuitBreaker) afterCall(trial bool, err error) {
	counted := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.halfOpenInflight--
		if cb.halfOpenInflight < 0 {
			cb.halfOpenInflight = 0
		}
	}

	if err == nil {
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		if cb.state == StateHalfOpen {
			// First trial success recovers the endpoint
			cb.transitionLocked(StateClosed)
		}
		return
	}

	if !counted {
		cb.config.Logger.Debug("Error excluded from breaker counting", map[string]interface{}{
			"operation": "breaker_error_excluded",
			"name":      cb.config.Name,
			"error":     err.Error(),
			"state":     cb.state.String(),
		})
		return
	}

	cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.config.Logger.Warn("Circuit breaker opening", map[string]interface{}{
				"operation":         "breaker_open",
				"name":              cb.config.Name,
				"failure_count":     cb.failureCount,
				"failure_threshold": cb.config.FailureThreshold,
			})
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any trial failure restarts the open timer
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateClosed:
		cb.failureCount = 0
		cb.halfOpenInflight = 0
	case StateHalfOpen:
		cb.halfOpenInflight = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":     "breaker_transition",
		"name":          cb.config.Name,
		"from":          oldState.String(),
		"to":            newState.String(),
		"failure_count": cb.failureCount,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of breaker counters.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.state.String(),
		"failure_count":       cb.failureCount,
		"half_open_inflight":  cb.halfOpenInflight,
		"total_executions":    cb.totalExecutions,
		"rejected_executions": cb.rejectedExecutions,
	}
}

// Reset returns the breaker to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	prev := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenInflight = 0
	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "breaker_reset",
		"name":           cb.config.Name,
		"previous_state": prev.String(),
	})
}

// BreakerGroup manages one breaker per endpoint. Breakers are created
// lazily and never shared across endpoints.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	template CircuitBreakerConfig
	logger   core.Logger
	metrics  MetricsCollector
}

// NewBreakerGroup creates a group using the given config as the template
// for each per-endpoint breaker.
func NewBreakerGroup(template CircuitBreakerConfig) *BreakerGroup {
	if template.FailureThreshold < 1 {
		template.FailureThreshold = 5
	}
	if template.OpenTimeout <= 0 {
		template.OpenTimeout = 60 * time.Second
	}
	if template.HalfOpenMaxCalls < 1 {
		template.HalfOpenMaxCalls = 3
	}
	if template.ErrorClassifier == nil {
		template.ErrorClassifier = DefaultErrorClassifier
	}
	if template.Logger == nil {
		template.Logger = &core.NoOpLogger{}
	}
	if template.Metrics == nil {
		template.Metrics = &noopMetrics{}
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		template: template,
		logger:   template.Logger,
		metrics:  template.Metrics,
	}
}

// For returns the breaker for the given endpoint, creating it on first use.
func (g *BreakerGroup) For(endpoint string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[endpoint]; ok {
		return cb
	}

	cfg := g.template
	cfg.Name = endpoint
	cb, _ := NewCircuitBreaker(&cfg)
	g.breakers[endpoint] = cb
	return cb
}

// States returns the current state of every breaker in the group.
func (g *BreakerGroup) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]string, len(g.breakers))
	for endpoint, cb := range g.breakers {
		states[endpoint] = cb.State().String()
	}
	return states
}
