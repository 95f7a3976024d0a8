// Package plan defines the execution plan model: tasks, their dependency
// graph, and the selection rules the state machine drives to completion.
package plan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsmesh/conductor/core"
)

// AgentKind identifies which specialized agent a task is routed to.
type AgentKind string

const (
	AgentSalesforce   AgentKind = "salesforce"
	AgentJira         AgentKind = "jira"
	AgentServiceNow   AgentKind = "servicenow"
	AgentOrchestrator AgentKind = "orchestrator"
)

// KnownAgentKinds is the allowed set for planner validation. Unknown kinds
// are rejected when the plan is built, never at dispatch time.
var KnownAgentKinds = map[AgentKind]struct{}{
	AgentSalesforce:   {},
	AgentJira:         {},
	AgentServiceNow:   {},
	AgentOrchestrator: {},
}

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Task is one plan step.
type Task struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Agent       AgentKind  `json:"agent"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Attempts    int        `json:"attempts"`
	// DispatchID is the A2A task id; stable across interrupt/resume so the
	// remote agent can correlate the continuation.
	DispatchID string `json:"dispatch_id,omitempty"`
}

// SetStatus transitions the task, enforcing terminal-state monotonicity.
func (t *Task) SetStatus(next TaskStatus) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", t.TaskID, t.Status, core.ErrTaskTerminal)
	}
	t.Status = next
	return nil
}

// ExecutionPlan is a validated DAG of tasks for one user request.
type ExecutionPlan struct {
	Description     string    `json:"description"`
	OriginalRequest string    `json:"original_request"`
	SuccessCriteria string    `json:"success_criteria,omitempty"`
	Tasks           []*Task   `json:"tasks"`
	CreatedAt       time.Time `json:"created_at"`
	Summary         string    `json:"summary,omitempty"`
}

// Get returns the task with the given id.
func (p *ExecutionPlan) Get(taskID string) *Task {
	for _, t := range p.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}

// IsComplete reports whether every task is terminal.
func (p *ExecutionPlan) IsComplete() bool {
	for _, t := range p.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// NextExecutableTask returns the first pending task whose dependencies are
// all completed or skipped, or nil when none is executable.
func (p *ExecutionPlan) NextExecutableTask() *Task {
	for _, t := range p.Tasks {
		if t.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			depTask := p.Get(dep)
			if depTask == nil {
				ready = false
				break
			}
			if depTask.Status != StatusCompleted && depTask.Status != StatusSkipped {
				ready = false
				break
			}
		}
		if ready {
			return t
		}
	}
	return nil
}

// MarkUnreachable skips every pending task that transitively depends on a
// failed task. Without this pass a failed dependency would leave dependents
// pending forever and the plan could never terminate.
func (p *ExecutionPlan) MarkUnreachable() []*Task {
	var skipped []*Task
	for {
		progressed := false
		for _, t := range p.Tasks {
			if t.Status != StatusPending {
				continue
			}
			for _, dep := range t.DependsOn {
				depTask := p.Get(dep)
				if depTask != nil && depTask.Status == StatusFailed {
					t.Status = StatusSkipped
					skipped = append(skipped, t)
					progressed = true
					break
				}
			}
		}
		if !progressed {
			return skipped
		}
		// Skipped dependents do not cascade further: a task whose deps are
		// skipped remains executable by the selection rule, so only direct
		// failed-dependency edges are walked. Loop again in case a skip
		// cleared the way for evaluating another task.
	}
}

// InterruptType classifies why a plan run paused.
type InterruptType string

const (
	// InterruptHumanInLoop means an agent is waiting on external input.
	InterruptHumanInLoop InterruptType = "human_in_loop"
	// InterruptErrorRecovery means the planner failed and the thread can be
	// retried with a new user message.
	InterruptErrorRecovery InterruptType = "error_recovery"
)

// InterruptData records an interruption for checkpointing and resumption.
type InterruptData struct {
	Type        InterruptType   `json:"type"`
	TaskID      string          `json:"task_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Recoverable bool            `json:"recoverable"`
	ResumeToken string          `json:"resume_token,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
