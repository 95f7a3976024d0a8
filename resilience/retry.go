package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/opsmesh/conductor/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64
	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration
	// Logger for retry events.
	Logger core.Logger
}

// DefaultRetryConfig provides production defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
		Logger:        &core.NoOpLogger{},
	}
}

// Retryable reports whether an error is worth another attempt. Circuit-open
// is never retried: the breaker already encodes "wait". Domain and 4xx
// errors are deterministic, so retrying them only burns time.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrCircuitBreakerOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if core.IsDomainError(err) {
		return false
	}
	return core.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// Retry executes fn up to MaxAttempts times with exponential backoff and
// full jitter: delay_n = min(base*backoff^n, max) scaled uniformly into
// [0.5d, 1.5d). The last attempt's failure propagates unwrapped.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !Retryable(lastErr) {
			logger.Debug("Error not retryable, giving up", map[string]interface{}{
				"operation": "retry_abort",
				"attempt":   attempt + 1,
				"error":     lastErr.Error(),
			})
			return lastErr
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(config, attempt)
		logger.Debug("Retrying after transient failure", map[string]interface{}{
			"operation": "retry_sleep",
			"attempt":   attempt + 1,
			"delay_ms":  delay.Milliseconds(),
			"error":     lastErr.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts,
		errors.Join(core.ErrMaxRetriesExceeded, lastErr))
}

// backoffDelay computes the jittered delay for the given attempt index.
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	base := float64(config.BaseDelay) * math.Pow(config.BackoffFactor, float64(attempt))
	if capped := float64(config.MaxDelay); base > capped {
		base = capped
	}
	// Uniform jitter in [0.5d, 1.5d)
	jittered := base * (0.5 + rand.Float64())
	return time.Duration(jittered)
}
