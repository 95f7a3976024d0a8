package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsmesh/conductor/a2a"
	"github.com/opsmesh/conductor/conversation"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/plan"
	"github.com/opsmesh/conductor/registry"
)

// MachineConfig bounds one request's execution.
type MachineConfig struct {
	// MaxTaskAttempts caps dispatch attempts per task before it fails.
	MaxTaskAttempts int
	// PlannerTimeout bounds the planning model call.
	PlannerTimeout time.Duration
	// AgentTimeout bounds one remote task dispatch end to end.
	AgentTimeout time.Duration
	// SummaryTimeout bounds the final response synthesis.
	SummaryTimeout time.Duration
	// RecentMessages is how many transcript messages agents receive.
	RecentMessages int
	// Balancer picks among agents sharing a capability. Defaults to
	// round robin.
	Balancer  registry.Balancer
	Logger    core.Logger
	Telemetry core.Telemetry
}

func (c *MachineConfig) applyDefaults() {
	if c.MaxTaskAttempts <= 0 {
		c.MaxTaskAttempts = 3
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = 120 * time.Second
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 300 * time.Second
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = 120 * time.Second
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = 10
	}
	if c.Balancer == nil {
		c.Balancer = registry.NewRoundRobin()
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	if c.Telemetry == nil {
		c.Telemetry = &core.NoOpTelemetry{}
	}
}

// Machine walks one thread's execution plan through its nodes: planning,
// task dispatch, replan bookkeeping after each task, and final synthesis.
// State is checkpointed to the store at every node boundary so a crash
// resumes from the last completed node.
type Machine struct {
	store    conversation.Store
	planner  *Planner
	client   *a2a.Client
	registry *registry.ServiceRegistry
	llm      core.LLMClient
	memory   conversation.EntityMemory
	config   MachineConfig
	logger   core.Logger
}

// NewMachine wires a state machine. Memory may be nil.
func NewMachine(store conversation.Store, planner *Planner, client *a2a.Client, reg *registry.ServiceRegistry, llm core.LLMClient, memory conversation.EntityMemory, config MachineConfig) *Machine {
	config.applyDefaults()
	return &Machine{
		store:    store,
		planner:  planner,
		client:   client,
		registry: reg,
		llm:      llm,
		memory:   memory,
		config:   config,
		logger:   config.Logger,
	}
}

// Run processes one user message on a thread until the plan completes,
// interrupts, or fails. Events are delivered through emit in order. The
// user message must already be appended to the transcript.
func (m *Machine) Run(ctx context.Context, threadID string, emit func(Event)) error {
	ctx, span := m.config.Telemetry.StartSpan(ctx, "machine.run")
	defer span.End()
	span.SetAttribute("thread_id", threadID)

	state, err := m.store.Load(threadID)
	if err != nil {
		return err
	}

	// An interrupted thread resumes the paused task with the new user input
	// instead of planning from scratch.
	if state.Interrupted() {
		if state.Interrupt.Type == plan.InterruptHumanInLoop && state.Plan != nil {
			return m.resume(ctx, state, emit)
		}
		// Error-recovery interrupts clear on the next message and replan.
		updated, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
			s.Interrupt = nil
			return nil
		})
		if err != nil {
			return err
		}
		state = updated
	}

	// An incomplete plan is a continuation: re-drive it rather than replan,
	// so results of already-completed tasks survive a crash or cancellation.
	if state.Plan != nil && !state.Plan.IsComplete() {
		if _, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
			for _, t := range s.Plan.Tasks {
				// A crash mid-dispatch leaves the task in flight; return it
				// to the pool so the loop re-dispatches it.
				if t.Status == plan.StatusExecuting {
					t.Status = plan.StatusPending
				}
			}
			return nil
		}); err != nil {
			return err
		}
		return m.executeLoop(ctx, threadID, emit)
	}

	if err := m.planNode(ctx, threadID, emit); err != nil {
		return err
	}
	return m.executeLoop(ctx, threadID, emit)
}

// planNode runs the planner and installs the plan.
func (m *Machine) planNode(ctx context.Context, threadID string, emit func(Event)) error {
	state, err := m.store.Load(threadID)
	if err != nil {
		return err
	}

	request := lastUserMessage(state)
	if request == "" {
		return fmt.Errorf("orchestration.planNode: thread %s has no user message: %w",
			threadID, core.ErrPlanInvalid)
	}

	pc := PlanContext{
		RecentMessages: state.RecentMessages(m.config.RecentMessages),
		Agents:         m.registry.List(),
	}
	if state.Summary != nil {
		pc.Summary = state.Summary.Content
	}
	if m.memory != nil {
		entities, err := m.memory.RecallAll(ctx, state.UserID)
		if err != nil {
			m.logger.Warn("Entity recall failed, planning without memory", map[string]interface{}{
				"operation": "plan_node",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		} else {
			pc.Entities = entities
		}
	}

	planCtx, cancel := context.WithTimeout(ctx, m.config.PlannerTimeout)
	built, err := m.planner.Plan(planCtx, request, pc)
	cancel()
	if err != nil {
		// Planning failure checkpoints as a recoverable interrupt: the user's
		// next message retries from scratch.
		_, saveErr := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
			s.Interrupt = &plan.InterruptData{
				Type:        plan.InterruptErrorRecovery,
				Reason:      err.Error(),
				Recoverable: true,
				CreatedAt:   time.Now().UTC(),
			}
			return nil
		})
		if saveErr != nil {
			m.logger.Error("Failed to checkpoint planning failure", map[string]interface{}{
				"operation": "plan_node",
				"thread_id": threadID,
				"error":     saveErr.Error(),
			})
		}
		emit(Event{Type: EventError, ThreadID: threadID, Message: "planning failed: " + err.Error(), Timestamp: time.Now().UTC()})
		return err
	}

	if _, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
		if s.Plan != nil {
			s.PlanHistory = append(s.PlanHistory, s.Plan)
		}
		s.Plan = built
		return nil
	}); err != nil {
		return err
	}

	emit(Event{
		Type:      EventPlanCreated,
		ThreadID:  threadID,
		Message:   fmt.Sprintf("%s (%d tasks)", built.Description, len(built.Tasks)),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// executeLoop drives the plan: pick next executable task, dispatch, run the
// replan pass, repeat until complete or interrupted.
func (m *Machine) executeLoop(ctx context.Context, threadID string, emit func(Event)) error {
	for {
		if err := ctx.Err(); err != nil {
			// Checkpointed state survives; the thread can be re-driven.
			return fmt.Errorf("orchestration.executeLoop: %w", core.ErrContextCanceled)
		}

		state, err := m.store.Load(threadID)
		if err != nil {
			return err
		}
		if state.Plan == nil {
			return fmt.Errorf("orchestration.executeLoop: thread %s has no plan: %w",
				threadID, core.ErrPlanInvalid)
		}

		next := state.Plan.NextExecutableTask()
		if next == nil {
			if state.Plan.IsComplete() {
				return m.summaryNode(ctx, threadID, emit)
			}
			// No executable task yet not complete: only possible if a task is
			// stuck executing, which the dispatch path never leaves behind.
			return fmt.Errorf("orchestration.executeLoop: plan wedged on thread %s: %w",
				threadID, core.ErrPlanInvalid)
		}

		interrupted, err := m.agentNode(ctx, threadID, next.TaskID, emit)
		if err != nil {
			return err
		}
		if interrupted {
			return nil
		}

		if err := m.replanNode(threadID, emit); err != nil {
			return err
		}
	}
}

// agentNode dispatches one task. Transient faults are the resilient
// caller's problem: by the time a dispatch error surfaces here the retry
// budget is spent, so the task fails. Returns true when the run paused on
// an interrupt.
func (m *Machine) agentNode(ctx context.Context, threadID, taskID string, emit func(Event)) (bool, error) {
	state, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
		t := s.Plan.Get(taskID)
		if t == nil {
			return fmt.Errorf("task %s not in plan: %w", taskID, core.ErrPlanInvalid)
		}
		if t.DispatchID == "" {
			t.DispatchID = uuid.NewString()
		}
		t.Attempts++
		return t.SetStatus(plan.StatusExecuting)
	})
	if err != nil {
		return false, err
	}

	task := state.Plan.Get(taskID)
	emit(Event{
		Type:      EventTaskStarted,
		ThreadID:  threadID,
		TaskID:    taskID,
		Agent:     string(task.Agent),
		Message:   task.Description,
		Timestamp: time.Now().UTC(),
	})

	// Attempts count every entry, resumes included, so a task that keeps
	// interrupting cannot ping-pong with the user forever.
	if task.Attempts > m.config.MaxTaskAttempts {
		err := fmt.Errorf("orchestration.agentNode: task %s exceeded %d attempts: %w",
			taskID, m.config.MaxTaskAttempts, core.ErrMaxRetriesExceeded)
		return m.recordOutcome(threadID, taskID, nil, err, emit)
	}

	outcome, dispatchErr := m.dispatch(ctx, state, task)
	if dispatchErr != nil {
		m.logger.Warn("Task dispatch failed", map[string]interface{}{
			"operation": "agent_node",
			"thread_id": threadID,
			"task_id":   taskID,
			"agent":     string(task.Agent),
			"attempt":   task.Attempts,
			"error":     dispatchErr.Error(),
		})
	}

	return m.recordOutcome(threadID, taskID, outcome, dispatchErr, emit)
}

// recordOutcome applies the dispatch result to the checkpointed task.
func (m *Machine) recordOutcome(threadID, taskID string, outcome *a2a.Outcome, dispatchErr error, emit func(Event)) (bool, error) {
	var interrupted bool
	var resultText string
	var failReason string

	_, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
		t := s.Plan.Get(taskID)

		// A failed task can no longer be resumed; drop any interrupt
		// checkpoint that points at it.
		clearInterrupt := func() {
			if s.Interrupt != nil && s.Interrupt.TaskID == taskID {
				s.Interrupt = nil
			}
		}

		switch {
		case dispatchErr != nil:
			failReason = dispatchErr.Error()
			t.Result = failReason
			clearInterrupt()
			return t.SetStatus(plan.StatusFailed)

		case outcome.Status == a2a.StatusInterrupted:
			interrupted = true
			// The task returns to pending and keeps its dispatch id so the
			// resumed continuation reaches the same remote workflow.
			t.Status = plan.StatusPending
			s.Interrupt = &plan.InterruptData{
				Type:        plan.InterruptHumanInLoop,
				TaskID:      taskID,
				Payload:     outcome.InterruptData,
				Recoverable: true,
				ResumeToken: t.DispatchID,
				CreatedAt:   time.Now().UTC(),
			}
			return nil

		case outcome.Status == a2a.StatusFailed:
			failReason = outcome.FailureReason
			t.Result = failReason
			clearInterrupt()
			return t.SetStatus(plan.StatusFailed)

		default:
			resultText = renderArtifacts(outcome.Artifacts)
			t.Result = resultText
			if outcome.ClearWorkflow || (s.Interrupt != nil && s.Interrupt.TaskID == taskID) {
				s.Interrupt = nil
			}
			s.ToolCallsSinceExtraction++
			// Synthetic assistant entry so the transcript reads as the
			// conversation the summarizer and later plans will see.
			s.Messages = append(s.Messages, conversation.Message{
				Role:      conversation.RoleAssistant,
				Agent:     string(t.Agent),
				TaskID:    taskID,
				Content:   resultText,
				Timestamp: time.Now().UTC(),
			})
			return t.SetStatus(plan.StatusCompleted)
		}
	})
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	switch {
	case interrupted:
		emit(Event{Type: EventInterrupted, ThreadID: threadID, TaskID: taskID, Timestamp: now})
	case dispatchErr != nil || failReason != "":
		emit(Event{Type: EventTaskFailed, ThreadID: threadID, TaskID: taskID, Message: failReason, Timestamp: now})
	default:
		emit(Event{Type: EventTaskCompleted, ThreadID: threadID, TaskID: taskID, Message: resultText, Timestamp: now})
	}
	return interrupted, nil
}

// dispatch routes one task to its agent. Orchestrator tasks run locally
// against the model; everything else goes over the wire.
func (m *Machine) dispatch(ctx context.Context, state *conversation.ThreadState, task *plan.Task) (*a2a.Outcome, error) {
	if task.Agent == plan.AgentOrchestrator {
		return m.runInternalTask(ctx, state, task)
	}

	agent, err := m.resolveAgent(task)
	if err != nil {
		return nil, err
	}

	payload := a2a.TaskPayload{
		ID:          task.DispatchID,
		Instruction: task.Description,
		Context:     m.buildTaskContext(state, task),
	}
	if state.Interrupt != nil && state.Interrupt.TaskID == task.TaskID {
		payload.StateSnapshot = state.Interrupt.Payload
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.AgentTimeout)
	defer cancel()
	return m.client.Dispatch(callCtx, agent.Name, agent.Endpoint, payload, m.config.AgentTimeout)
}

// resolveAgent maps a task's agent kind onto a registered agent: exact name,
// then the load balancer over the capability index, then keyword scoring.
func (m *Machine) resolveAgent(task *plan.Task) (*registry.RegisteredAgent, error) {
	kind := string(task.Agent)

	if agent, err := m.registry.Get(kind); err == nil {
		return agent, nil
	}
	if candidates := m.registry.FindByCapability(kind); len(candidates) > 0 {
		if agent := m.config.Balancer.Select(candidates); agent != nil {
			return agent, nil
		}
		// No online candidate. FindByCapability orders healthiest first;
		// dispatch anyway and let the caller surface the fault.
		return candidates[0], nil
	}
	agent, err := m.registry.FindBestForTask(task.Description, []string{kind})
	if err != nil {
		return nil, fmt.Errorf("orchestration.resolveAgent [%s]: %w", kind, err)
	}
	return agent, nil
}

// buildTaskContext assembles the conversation slice an agent receives,
// including results of the tasks this one depends on.
func (m *Machine) buildTaskContext(state *conversation.ThreadState, task *plan.Task) a2a.TaskContext {
	tc := a2a.TaskContext{
		UserID:    state.UserID,
		SessionID: state.ThreadID,
	}
	if state.Summary != nil {
		tc.ConversationSummary = state.Summary.Content
	}
	for _, msg := range state.RecentMessages(m.config.RecentMessages) {
		tc.RecentMessages = append(tc.RecentMessages, a2a.ContextMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if len(task.DependsOn) > 0 {
		deps := make(map[string]json.RawMessage, len(task.DependsOn))
		for _, depID := range task.DependsOn {
			dep := state.Plan.Get(depID)
			if dep == nil || dep.Result == "" {
				continue
			}
			encoded, err := json.Marshal(dep.Result)
			if err != nil {
				continue
			}
			deps[depID] = encoded
		}
		if len(deps) > 0 {
			tc.TaskContext = deps
		}
	}
	return tc
}

// runInternalTask handles orchestrator-kind tasks with a local model call.
func (m *Machine) runInternalTask(ctx context.Context, state *conversation.ThreadState, task *plan.Task) (*a2a.Outcome, error) {
	var b strings.Builder
	b.WriteString(task.Description)
	if len(task.DependsOn) > 0 {
		b.WriteString("\n\nPrior task results:\n")
		for _, depID := range task.DependsOn {
			if dep := state.Plan.Get(depID); dep != nil && dep.Result != "" {
				fmt.Fprintf(&b, "%s: %s\n", depID, dep.Result)
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.SummaryTimeout)
	defer cancel()
	resp, err := m.llm.Generate(callCtx, b.String(), &core.LLMOptions{Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("orchestration.runInternalTask: %w", err)
	}

	data, _ := json.Marshal(resp.Content)
	return &a2a.Outcome{
		Status:        a2a.StatusCompleted,
		Artifacts:     []a2a.Artifact{{Type: "text", Data: data}},
		ClearWorkflow: false,
	}, nil
}

// replanNode runs after every task settles: dependents of failed tasks are
// skipped so the plan always reaches a terminal shape.
func (m *Machine) replanNode(threadID string, emit func(Event)) error {
	var skipped []*plan.Task
	_, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
		skipped = s.Plan.MarkUnreachable()
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range skipped {
		emit(Event{
			Type:      EventTaskSkipped,
			ThreadID:  threadID,
			TaskID:    t.TaskID,
			Message:   "dependency failed",
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

const finalSummaryPrompt = `You are the response composer of a multi-agent support orchestrator.
Write the final reply to the user from the executed plan below. Report what
was done, include identifiers from task results, and state plainly which
tasks failed or were skipped and why. Do not invent results.`

// summaryNode synthesizes the user-facing response, retires the plan, and
// appends the reply to the transcript.
func (m *Machine) summaryNode(ctx context.Context, threadID string, emit func(Event)) error {
	state, err := m.store.Load(threadID)
	if err != nil {
		return err
	}

	reply := singleTaskReply(state.Plan)
	if reply == "" {
		var b strings.Builder
		fmt.Fprintf(&b, "Request: %s\n\nExecuted plan: %s\n", state.Plan.OriginalRequest, state.Plan.Description)
		for _, t := range state.Plan.Tasks {
			fmt.Fprintf(&b, "\n[%s] %s (%s, agent=%s)\n", t.TaskID, t.Description, t.Status, t.Agent)
			if t.Result != "" {
				fmt.Fprintf(&b, "result: %s\n", t.Result)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.config.SummaryTimeout)
		resp, err := m.llm.Generate(callCtx, b.String(), &core.LLMOptions{
			SystemPrompt: finalSummaryPrompt,
			Temperature:  0.3,
		})
		cancel()

		if err != nil {
			// A model outage must not strand a finished plan; fall back to a
			// mechanical report.
			m.logger.Warn("Response synthesis failed, using fallback", map[string]interface{}{
				"operation": "summary_node",
				"thread_id": threadID,
				"error":     err.Error(),
			})
			reply = fallbackSummary(state.Plan)
		} else {
			reply = strings.TrimSpace(resp.Content)
		}
	}

	final, err := m.store.Mutate(threadID, "", false, func(s *conversation.ThreadState) error {
		s.Plan.Summary = reply
		s.PlanHistory = append(s.PlanHistory, s.Plan)
		s.Plan = nil
		s.Interrupt = nil
		s.Messages = append(s.Messages, conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   reply,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	emit(Event{Type: EventPlanCompleted, ThreadID: threadID, Message: reply, Timestamp: time.Now().UTC()})

	m.logger.Info("Plan completed", map[string]interface{}{
		"operation": "summary_node",
		"thread_id": threadID,
		"messages":  len(final.Messages),
	})
	return nil
}

// resume re-dispatches the interrupted task, carrying the checkpointed
// workflow payload and the user's new input.
func (m *Machine) resume(ctx context.Context, state *conversation.ThreadState, emit func(Event)) error {
	taskID := state.Interrupt.TaskID
	task := state.Plan.Get(taskID)
	if task == nil {
		// The checkpoint references a task the plan no longer has; clear and
		// replan rather than wedge the thread.
		if _, err := m.store.Mutate(state.ThreadID, "", false, func(s *conversation.ThreadState) error {
			s.Interrupt = nil
			return nil
		}); err != nil {
			return err
		}
		if err := m.planNode(ctx, state.ThreadID, emit); err != nil {
			return err
		}
		return m.executeLoop(ctx, state.ThreadID, emit)
	}

	m.logger.Info("Resuming interrupted task", map[string]interface{}{
		"operation": "resume",
		"thread_id": state.ThreadID,
		"task_id":   taskID,
	})

	interrupted, err := m.agentNode(ctx, state.ThreadID, taskID, emit)
	if err != nil {
		return err
	}
	if interrupted {
		return nil
	}
	if err := m.replanNode(state.ThreadID, emit); err != nil {
		return err
	}
	return m.executeLoop(ctx, state.ThreadID, emit)
}

// singleTaskReply short-circuits response synthesis for one-task plans: the
// task's result already is the answer. Failed or empty results still go
// through synthesis so the user gets prose, not an error string.
func singleTaskReply(p *plan.ExecutionPlan) string {
	if len(p.Tasks) != 1 {
		return ""
	}
	t := p.Tasks[0]
	if t.Status != plan.StatusCompleted {
		return ""
	}
	return strings.TrimSpace(t.Result)
}

func lastUserMessage(state *conversation.ThreadState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == conversation.RoleUser {
			return state.Messages[i].Content
		}
	}
	return ""
}

func renderArtifacts(artifacts []a2a.Artifact) string {
	var parts []string
	for _, a := range artifacts {
		var s string
		if err := json.Unmarshal(a.Data, &s); err == nil {
			parts = append(parts, s)
		} else {
			parts = append(parts, string(a.Data))
		}
	}
	return strings.Join(parts, "\n")
}

func fallbackSummary(p *plan.ExecutionPlan) string {
	var b strings.Builder
	b.WriteString("Here is what happened:\n")
	for _, t := range p.Tasks {
		fmt.Fprintf(&b, "- %s: %s", t.Description, t.Status)
		if t.Status == plan.StatusFailed && t.Result != "" {
			fmt.Fprintf(&b, " (%s)", t.Result)
		}
		b.WriteString("\n")
	}
	return b.String()
}
