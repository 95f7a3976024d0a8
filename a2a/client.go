package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/resilience"
	"github.com/opsmesh/conductor/transport"
)

// MetricsSink receives per-agent call statistics. Implemented by the
// service registry.
type MetricsSink interface {
	RecordCallStart(agent string)
	RecordCallEnd(agent string, elapsed time.Duration, success bool)
}

// noopSink is used when no registry is wired.
type noopSink struct{}

func (noopSink) RecordCallStart(string)                      {}
func (noopSink) RecordCallEnd(string, time.Duration, bool)   {}

// Outcome is the typed result of dispatching one task to an agent.
type Outcome struct {
	Status    TaskStatus
	Artifacts []Artifact
	// InterruptData carries the agent's interrupted-workflow payload when
	// Status is interrupted.
	InterruptData json.RawMessage
	// StateSync carries server-pushed state updates.
	StateSync map[string]json.RawMessage
	// FailureReason is set when Status is failed.
	FailureReason string
	// ClearWorkflow is true when the server signaled completion of any
	// interrupted workflow (metadata.interrupted_workflow == null); the
	// caller must drop its local workflow context.
	ClearWorkflow bool
}

// Client dispatches tasks to remote agents over JSON-RPC through the
// resilient caller and reports call statistics to the registry.
type Client struct {
	transport *transport.HTTPTransport
	caller    *resilience.Caller
	metrics   MetricsSink
	logger    core.Logger

	requestID atomic.Int64
}

// ClientConfig configures an a2a client.
type ClientConfig struct {
	Metrics MetricsSink
	Logger  core.Logger
}

// NewClient creates a client over the given transport and resilient caller.
func NewClient(tr *transport.HTTPTransport, caller *resilience.Caller, config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = noopSink{}
	}
	return &Client{
		transport: tr,
		caller:    caller,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}
}

// Dispatch sends the task to the agent at endpoint and returns the typed
// outcome. Transport and protocol failures return an error; an agent that
// answers with status=failed is a domain outcome, not an error.
func (c *Client) Dispatch(ctx context.Context, agentName, endpoint string, task TaskPayload, timeout time.Duration) (*Outcome, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  MethodProcessTask,
		Params:  TaskParams{Task: task},
	}

	url := strings.TrimSuffix(endpoint, "/") + RPCPath

	c.metrics.RecordCallStart(agentName)
	start := time.Now()

	var resp Response
	err := c.caller.Call(ctx, endpoint, timeout, func(attemptCtx context.Context) error {
		raw, callErr := c.transport.PostJSON(attemptCtx, url, &req, timeout)
		if callErr != nil {
			return callErr
		}
		resp = Response{}
		if unmarshalErr := json.Unmarshal(raw, &resp); unmarshalErr != nil {
			return fmt.Errorf("a2a.Dispatch: malformed response from %s: %w",
				agentName, core.ErrProtocol)
		}
		return nil
	})

	elapsed := time.Since(start)

	if err != nil {
		c.metrics.RecordCallEnd(agentName, elapsed, false)
		c.logger.Warn("Agent dispatch failed", map[string]interface{}{
			"operation":   "a2a_dispatch",
			"agent":       agentName,
			"task_id":     task.ID,
			"elapsed_ms":  elapsed.Milliseconds(),
			"error":       err.Error(),
		})
		return nil, err
	}

	outcome, err := c.parseResponse(agentName, task.ID, &resp)
	c.metrics.RecordCallEnd(agentName, elapsed, err == nil && outcome != nil && outcome.Status != StatusFailed)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Agent dispatch completed", map[string]interface{}{
		"operation":  "a2a_dispatch",
		"agent":      agentName,
		"task_id":    task.ID,
		"status":     string(outcome.Status),
		"artifacts":  len(outcome.Artifacts),
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return outcome, nil
}

// parseResponse validates the envelope and enforces the metadata-presence
// invariant.
func (c *Client) parseResponse(agentName, taskID string, resp *Response) (*Outcome, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("a2a.Dispatch [%s]: %s: %w", agentName, resp.Error.Error(), core.ErrProtocol)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("a2a.Dispatch [%s]: response has neither result nor error: %w",
			agentName, core.ErrProtocol)
	}
	result := resp.Result

	// The protocol requires metadata on every response so the client can
	// deterministically manage its workflow context.
	if result.Metadata == nil {
		return nil, fmt.Errorf("a2a.Dispatch [%s]: response missing metadata: %w",
			agentName, core.ErrProtocol)
	}

	outcome := &Outcome{
		Status:    result.Status,
		Artifacts: result.Artifacts,
		StateSync: result.Metadata.StateSync,
	}

	interrupted := len(result.Metadata.InterruptedWorkflow) > 0 &&
		string(result.Metadata.InterruptedWorkflow) != "null"
	if interrupted {
		outcome.InterruptData = result.Metadata.InterruptedWorkflow
	} else {
		outcome.ClearWorkflow = true
	}

	switch result.Status {
	case StatusCompleted:
		return outcome, nil
	case StatusInterrupted:
		if !interrupted {
			return nil, fmt.Errorf("a2a.Dispatch [%s]: interrupted status without workflow data: %w",
				agentName, core.ErrProtocol)
		}
		return outcome, nil
	case StatusFailed:
		outcome.FailureReason = result.Error
		if outcome.FailureReason == "" {
			outcome.FailureReason = "agent reported failure without detail"
		}
		return outcome, nil
	default:
		return nil, fmt.Errorf("a2a.Dispatch [%s]: unknown task status %q for task %s: %w",
			agentName, result.Status, taskID, core.ErrProtocol)
	}
}
