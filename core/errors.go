package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent and registry errors
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentUnavailable   = errors.New("agent unavailable")
	ErrCapabilityNotFound = errors.New("capability not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Transport errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timeout")
	ErrRequestFailed    = errors.New("request failed")
	ErrProtocol         = errors.New("protocol violation")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Plan and task errors
	ErrPlanInvalid       = errors.New("plan validation failed")
	ErrTaskTerminal      = errors.New("task already in terminal state")
	ErrThreadNotFound    = errors.New("thread not found")
	ErrThreadInterrupted = errors.New("thread interrupted")

	// Domain error: the remote agent answered, but reported failure.
	// Never retried and never counted against the circuit breaker.
	ErrDomainFailure = errors.New("agent reported failure")

	ErrContextCanceled = errors.New("context canceled")
)

// FrameworkError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "transport", "plan", "registry")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsTransient reports whether an error represents a transient transport
// fault. Transient faults are retried and counted by circuit breakers.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrCapabilityNotFound) ||
		errors.Is(err, ErrThreadNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsProtocolError reports malformed responses: reachable endpoint, broken
// envelope. Counted by breakers but never retried blindly.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsDomainError reports agent-level failures that are the caller's or the
// agent's business, not the transport's. Excluded from breaker counting.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrDomainFailure) ||
		IsConfigurationError(err) ||
		IsNotFound(err)
}
