package resilience

import (
	"context"
	"time"

	"github.com/opsmesh/conductor/core"
)

// CallFunc performs one attempt of the underlying operation.
type CallFunc func(ctx context.Context) error

// CallerConfig configures a resilient caller.
type CallerConfig struct {
	Retry   *RetryConfig
	Timeout time.Duration // per-attempt deadline
	Logger  core.Logger
}

// Caller composes breaker, retry, and timeout around any operation.
//
// Composition order is breaker -> retry -> timeout: the breaker decision is
// cheap and must gate every retry; the retry loop accounts for transient
// faults within a single breaker-closed call; each attempt gets its own
// deadline.
type Caller struct {
	breakers *BreakerGroup
	config   CallerConfig
}

// NewCaller creates a resilient caller over the given breaker group.
func NewCaller(breakers *BreakerGroup, config CallerConfig) *Caller {
	if config.Retry == nil {
		config.Retry = DefaultRetryConfig()
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Retry.Logger == nil {
		config.Retry.Logger = config.Logger
	}
	return &Caller{breakers: breakers, config: config}
}

// Call runs fn against the endpoint with full protection. The endpoint
// selects the breaker; timeout overrides the caller default when positive.
func (c *Caller) Call(ctx context.Context, endpoint string, timeout time.Duration, fn CallFunc) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	breaker := c.breakers.For(endpoint)

	return breaker.Execute(ctx, func() error {
		return Retry(ctx, c.config.Retry, func() error {
			attemptCtx := ctx
			var cancel context.CancelFunc
			if timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return fn(attemptCtx)
		})
	})
}

// BreakerState reports the breaker state for an endpoint, for introspection.
func (c *Caller) BreakerState(endpoint string) string {
	return c.breakers.For(endpoint).State().String()
}
