package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/conductor/a2a"
	"github.com/opsmesh/conductor/conversation"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/plan"
	"github.com/opsmesh/conductor/registry"
	"github.com/opsmesh/conductor/resilience"
	"github.com/opsmesh/conductor/transport"
)

// scriptedLLM pops pre-canned responses: structured outputs feed the
// planner, plain outputs feed internal tasks and the final synthesis.
type scriptedLLM struct {
	mu               sync.Mutex
	structured       [][]byte
	plain            []string
	structuredPrompt string
}

func (s *scriptedLLM) lastStructuredPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structuredPrompt
}

func (s *scriptedLLM) Generate(_ context.Context, _ string, _ *core.LLMOptions) (*core.LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plain) == 0 {
		return &core.LLMResponse{Content: "done"}, nil
	}
	out := s.plain[0]
	s.plain = s.plain[1:]
	return &core.LLMResponse{Content: out}, nil
}

func (s *scriptedLLM) GenerateStructured(_ context.Context, prompt string, _ string, _ []byte, _ *core.LLMOptions) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structuredPrompt = prompt
	if len(s.structured) == 0 {
		return []byte(`{}`), nil
	}
	out := s.structured[0]
	s.structured = s.structured[1:]
	return out, nil
}

// agentHandler scripts one remote agent. Each received request is recorded.
type agentHandler struct {
	mu       sync.Mutex
	received []a2a.TaskPayload
	respond  func(call int, task a2a.TaskPayload) *a2a.TaskResult
}

func (h *agentHandler) serve(w http.ResponseWriter, r *http.Request) {
	var req a2a.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.received = append(h.received, req.Params.Task)
	call := len(h.received)
	h.mu.Unlock()

	result := h.respond(call, req.Params.Task)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a2a.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (h *agentHandler) tasks() []a2a.TaskPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]a2a.TaskPayload(nil), h.received...)
}

func completedResult(text string) *a2a.TaskResult {
	data, _ := json.Marshal(text)
	return &a2a.TaskResult{
		Status:    a2a.StatusCompleted,
		Artifacts: []a2a.Artifact{{Type: "text", Data: data}},
		Metadata:  &a2a.TaskMetadata{InterruptedWorkflow: json.RawMessage("null")},
	}
}

// harness wires a full orchestrator over httptest agents.
type harness struct {
	store *conversation.FileStore
	orch  *Orchestrator
	llm   *scriptedLLM
	reg   *registry.ServiceRegistry
}

func newHarness(t *testing.T, llm *scriptedLLM, agents map[string]*agentHandler) *harness {
	return newHarnessWith(t, llm, agents, nil)
}

func newHarnessWith(t *testing.T, llm *scriptedLLM, agents map[string]*agentHandler, tweak func(*MachineConfig)) *harness {
	t.Helper()

	tr := transport.New(&transport.Config{MaxConns: 10, MaxConnsPerHost: 5})
	t.Cleanup(tr.Close)

	reg, err := registry.New(&registry.Config{HealthTimeout: 2 * time.Second}, tr)
	require.NoError(t, err)
	for name, handler := range agents {
		mux := http.NewServeMux()
		mux.HandleFunc("POST "+a2a.RPCPath, handler.serve)
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		require.NoError(t, reg.Register(context.Background(), name, srv.URL, &a2a.AgentCard{
			Name:         name,
			Capabilities: []string{name},
		}))
	}

	caller := resilience.NewCaller(
		resilience.NewBreakerGroup(resilience.CircuitBreakerConfig{
			FailureThreshold: 100,
			OpenTimeout:      time.Minute,
			HalfOpenMaxCalls: 1,
		}),
		resilience.CallerConfig{
			Retry: &resilience.RetryConfig{
				MaxAttempts:   1,
				BaseDelay:     time.Millisecond,
				BackoffFactor: 2.0,
				MaxDelay:      time.Millisecond,
			},
			Timeout: 5 * time.Second,
		},
	)
	client := a2a.NewClient(tr, caller, a2a.ClientConfig{Metrics: reg})

	store, err := conversation.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	planner, err := NewPlanner(llm, nil)
	require.NoError(t, err)

	cfg := MachineConfig{
		MaxTaskAttempts: 2,
		PlannerTimeout:  5 * time.Second,
		AgentTimeout:    5 * time.Second,
		SummaryTimeout:  5 * time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	machine := NewMachine(store, planner, client, reg, llm, nil, cfg)
	orch := New(store, machine, nil, nil)

	return &harness{store: store, orch: orch, llm: llm, reg: reg}
}

func (h *harness) send(t *testing.T, threadID, text string) []Event {
	t.Helper()
	events, err := h.orch.ProcessMessage(context.Background(), threadID, "user-1", text)
	require.NoError(t, err)

	var collected []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, e)
		case <-deadline:
			t.Fatalf("event stream did not close; got %d events", len(collected))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func singleTaskDraft(agent string) []byte {
	draft, _ := json.Marshal(map[string]interface{}{
		"description": "handle the request",
		"tasks": []map[string]interface{}{
			{"description": "carry out the requested work", "agent": agent},
		},
	})
	return draft
}

func TestSingleTaskPlanCompletes(t *testing.T) {
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("account acme is tier gold")
	}}
	llm := &scriptedLLM{
		structured: [][]byte{singleTaskDraft("salesforce")},
	}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf})

	events := h.send(t, "thread-1", "what tier is acme?")

	assert.Equal(t, []EventType{
		EventMessageAppended,
		EventPlanCreated,
		EventTaskStarted,
		EventTaskCompleted,
		EventPlanCompleted,
	}, eventTypes(events))

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	assert.Nil(t, state.Plan, "completed plans retire to history")
	require.Len(t, state.PlanHistory, 1)
	assert.Equal(t, plan.StatusCompleted, state.PlanHistory[0].Tasks[0].Status)

	// Transcript: user, synthetic assistant entry for the task outcome, final
	// reply. A one-task plan answers with the task result verbatim.
	require.Len(t, state.Messages, 3)
	assert.Equal(t, conversation.RoleUser, state.Messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "salesforce", state.Messages[1].Agent)
	assert.Equal(t, conversation.RoleAssistant, state.Messages[2].Role)
	assert.Equal(t, "account acme is tier gold", state.Messages[2].Content)

	require.Len(t, sf.tasks(), 1)
	assert.Equal(t, "thread-1", sf.tasks()[0].Context.SessionID)
	assert.Equal(t, "user-1", sf.tasks()[0].Context.UserID)
}

func TestDependentTaskReceivesUpstreamResults(t *testing.T) {
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("account id is 0017X")
	}}
	jira := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("created PROJ-101")
	}}

	draft, _ := json.Marshal(map[string]interface{}{
		"description": "escalate for the account",
		"tasks": []map[string]interface{}{
			{"description": "find the account", "agent": "salesforce"},
			{"description": "open an issue for the account", "agent": "jira", "depends_on": []int{1}},
		},
	})
	llm := &scriptedLLM{structured: [][]byte{draft}}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf, "jira": jira})

	events := h.send(t, "thread-1", "escalate acme to engineering")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)

	require.Len(t, jira.tasks(), 1)
	taskCtx := jira.tasks()[0].Context.TaskContext
	require.Contains(t, taskCtx, "task-1")

	var upstream string
	require.NoError(t, json.Unmarshal(taskCtx["task-1"], &upstream))
	assert.Equal(t, "account id is 0017X", upstream, "dependency results flow into the dependent task")
}

func TestFailedTaskSkipsDependents(t *testing.T) {
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return &a2a.TaskResult{
			Status:   a2a.StatusFailed,
			Error:    "account does not exist",
			Metadata: &a2a.TaskMetadata{InterruptedWorkflow: json.RawMessage("null")},
		}
	}}
	jira := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("should never run")
	}}

	draft, _ := json.Marshal(map[string]interface{}{
		"description": "escalate",
		"tasks": []map[string]interface{}{
			{"description": "find the account", "agent": "salesforce"},
			{"description": "open a tracking issue", "agent": "jira", "depends_on": []int{1}},
		},
	})
	llm := &scriptedLLM{structured: [][]byte{draft}}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf, "jira": jira})

	events := h.send(t, "thread-1", "escalate acme")

	assert.Equal(t, []EventType{
		EventMessageAppended,
		EventPlanCreated,
		EventTaskStarted,
		EventTaskFailed,
		EventTaskSkipped,
		EventPlanCompleted,
	}, eventTypes(events))

	assert.Empty(t, jira.tasks(), "dependents of a failed task never dispatch")

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	executed := state.PlanHistory[0]
	assert.Equal(t, plan.StatusFailed, executed.Tasks[0].Status)
	assert.Equal(t, plan.StatusSkipped, executed.Tasks[1].Status)
	assert.Equal(t, "account does not exist", executed.Tasks[0].Result)
}

func TestInterruptAndResume(t *testing.T) {
	workflow := json.RawMessage(`{"step":"awaiting_change_approval","change":"CHG-7"}`)
	snow := &agentHandler{respond: func(call int, task a2a.TaskPayload) *a2a.TaskResult {
		if call == 1 {
			return &a2a.TaskResult{
				Status:   a2a.StatusInterrupted,
				Metadata: &a2a.TaskMetadata{InterruptedWorkflow: workflow},
			}
		}
		return completedResult("change CHG-7 submitted")
	}}
	llm := &scriptedLLM{structured: [][]byte{singleTaskDraft("servicenow")}}
	h := newHarness(t, llm, map[string]*agentHandler{"servicenow": snow})

	events := h.send(t, "thread-1", "raise a change for the DB migration")
	assert.Equal(t, EventInterrupted, events[len(events)-1].Type)

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	require.True(t, state.Interrupted())
	assert.Equal(t, plan.InterruptHumanInLoop, state.Interrupt.Type)
	assert.JSONEq(t, string(workflow), string(state.Interrupt.Payload))
	assert.NotNil(t, state.Plan, "the plan survives the interruption")

	// The user answers; the same task resumes instead of replanning
	events = h.send(t, "thread-1", "yes, approved")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)

	calls := snow.tasks()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].ID, calls[1].ID, "the continuation reuses the dispatch id")
	assert.Empty(t, calls[0].StateSnapshot)
	assert.JSONEq(t, string(workflow), string(calls[1].StateSnapshot),
		"the checkpointed workflow state rides along on resume")

	final, err := h.store.Load("thread-1")
	require.NoError(t, err)
	assert.False(t, final.Interrupted())
	assert.Nil(t, final.Plan)
}

func TestDispatchFailureFailsTaskImmediately(t *testing.T) {
	llm := &scriptedLLM{structured: [][]byte{singleTaskDraft("salesforce")}}
	h := newHarness(t, llm, map[string]*agentHandler{})

	// Register an endpoint nothing listens on
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL
	srv.Close()
	require.NoError(t, h.reg.Register(context.Background(), "salesforce", dead, &a2a.AgentCard{
		Name: "salesforce", Capabilities: []string{"salesforce"},
	}))

	events := h.send(t, "thread-1", "look up acme")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type,
		"a failed plan still synthesizes a response for the user")

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	task := state.PlanHistory[0].Tasks[0]
	assert.Equal(t, plan.StatusFailed, task.Status)
	assert.Equal(t, 1, task.Attempts,
		"transient retries live in the resilient caller; one exhausted dispatch fails the task")
}

func TestRepeatedInterruptsExhaustAttemptBudget(t *testing.T) {
	workflow := json.RawMessage(`{"step":"awaiting_approval"}`)
	snow := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return &a2a.TaskResult{
			Status:   a2a.StatusInterrupted,
			Metadata: &a2a.TaskMetadata{InterruptedWorkflow: workflow},
		}
	}}
	llm := &scriptedLLM{structured: [][]byte{singleTaskDraft("servicenow")}}
	h := newHarness(t, llm, map[string]*agentHandler{"servicenow": snow})

	events := h.send(t, "thread-1", "raise a change for the migration")
	assert.Equal(t, EventInterrupted, events[len(events)-1].Type)
	events = h.send(t, "thread-1", "approved")
	assert.Equal(t, EventInterrupted, events[len(events)-1].Type)

	// The third entry is over the attempt cap (2): the task force-fails
	// instead of ping-ponging with the user forever
	events = h.send(t, "thread-1", "approved again")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)

	require.Len(t, snow.tasks(), 2, "the over-budget entry never reaches the agent")

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	assert.False(t, state.Interrupted())
	task := state.PlanHistory[0].Tasks[0]
	assert.Equal(t, plan.StatusFailed, task.Status)
}

func TestSingleTaskReplyIsTaskResult(t *testing.T) {
	record := `{"id":"001X","Name":"GenePoint"}`
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult(record)
	}}
	llm := &scriptedLLM{
		structured: [][]byte{singleTaskDraft("salesforce")},
		plain:      []string{"synthesized prose that must not be used"},
	}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf})

	events := h.send(t, "thread-1", "get the GenePoint account")
	final := events[len(events)-1]
	assert.Equal(t, EventPlanCompleted, final.Type)
	assert.Equal(t, record, final.Message, "a one-task plan answers with the task result verbatim")
	assert.Contains(t, final.Message, "GenePoint")

	llm.mu.Lock()
	remaining := len(llm.plain)
	llm.mu.Unlock()
	assert.Equal(t, 1, remaining, "the synthesis model is never consulted")
}

func TestIncompletePlanResumesWithoutReplanning(t *testing.T) {
	jira := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("created PROJ-7")
	}}
	// No planner script: a replanning attempt would fail the run
	llm := &scriptedLLM{}
	h := newHarness(t, llm, map[string]*agentHandler{"jira": jira})

	seeded, err := plan.Build(plan.Draft{
		Description: "escalate the account issue",
		Tasks: []plan.DraftTask{
			{Description: "find the account record", Agent: "salesforce"},
			{Description: "open a tracking issue", Agent: "jira", DependsOn: []int{1}},
		},
	}, "escalate acme")
	require.NoError(t, err)
	seeded.Tasks[0].Status = plan.StatusCompleted
	seeded.Tasks[0].Result = "account id is 0017X"
	// A crash mid-dispatch leaves the second task marked executing
	seeded.Tasks[1].Status = plan.StatusExecuting

	_, err = h.store.Mutate("thread-1", "user-1", true, func(s *conversation.ThreadState) error {
		s.Messages = append(s.Messages, conversation.Message{
			Role: conversation.RoleUser, Content: "escalate acme", Timestamp: time.Now().UTC(),
		})
		s.Plan = seeded
		return nil
	})
	require.NoError(t, err)

	events := h.send(t, "thread-1", "any progress?")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)
	for _, e := range events {
		assert.NotEqual(t, EventPlanCreated, e.Type, "the checkpointed plan continues unchanged")
	}

	require.Len(t, jira.tasks(), 1)
	taskCtx := jira.tasks()[0].Context.TaskContext
	require.Contains(t, taskCtx, "task-1")
	var upstream string
	require.NoError(t, json.Unmarshal(taskCtx["task-1"], &upstream))
	assert.Equal(t, "account id is 0017X", upstream, "completed results survive the restart")

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	assert.Nil(t, state.Plan)
	require.Len(t, state.PlanHistory, 1)
	assert.Equal(t, plan.StatusCompleted, state.PlanHistory[0].Tasks[1].Status)
}

// pickByName is a scripted balancer: it records the candidate sets it saw
// and always selects the configured agent.
type pickByName struct {
	mu   sync.Mutex
	name string
	seen [][]string
}

func (p *pickByName) Name() string { return "pick_by_name" }

func (p *pickByName) Select(agents []*registry.RegisteredAgent) *registry.RegisteredAgent {
	names := make([]string, len(agents))
	var match *registry.RegisteredAgent
	for i, a := range agents {
		names[i] = a.Name
		if a.Name == p.name {
			match = a
		}
	}
	p.mu.Lock()
	p.seen = append(p.seen, names)
	p.mu.Unlock()
	return match
}

func TestDispatchUsesBalancerOverCapabilityCandidates(t *testing.T) {
	east := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("east handled it")
	}}
	west := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("west handled it")
	}}

	balancer := &pickByName{name: "salesforce-west"}
	llm := &scriptedLLM{structured: [][]byte{singleTaskDraft("salesforce")}}
	h := newHarnessWith(t, llm, map[string]*agentHandler{}, func(cfg *MachineConfig) {
		cfg.Balancer = balancer
	})

	// Two instances share the capability; neither matches the agent kind by
	// name, so resolution must go through the balancer
	for name, handler := range map[string]*agentHandler{"salesforce-east": east, "salesforce-west": west} {
		mux := http.NewServeMux()
		mux.HandleFunc("POST "+a2a.RPCPath, handler.serve)
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		require.NoError(t, h.reg.Register(context.Background(), name, srv.URL, &a2a.AgentCard{
			Name:         name,
			Capabilities: []string{"salesforce"},
		}))
	}

	events := h.send(t, "thread-1", "look up acme")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)

	assert.Empty(t, east.tasks())
	require.Len(t, west.tasks(), 1, "dispatch goes to the balancer's pick")

	balancer.mu.Lock()
	defer balancer.mu.Unlock()
	require.Len(t, balancer.seen, 1)
	assert.ElementsMatch(t, []string{"salesforce-east", "salesforce-west"}, balancer.seen[0])
}

func TestPlannerFailureCheckpointsRecoverableInterrupt(t *testing.T) {
	llm := &scriptedLLM{structured: [][]byte{
		[]byte(`{"description":"bad","tasks":[{"description":"x","agent":"mainframe"}]}`),
		singleTaskDraft("salesforce"),
	}}
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("found it")
	}}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf})

	events := h.send(t, "thread-1", "look up acme")
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	require.True(t, state.Interrupted())
	assert.Equal(t, plan.InterruptErrorRecovery, state.Interrupt.Type)
	assert.True(t, state.Interrupt.Recoverable)

	// The next message clears the recovery checkpoint and replans
	events = h.send(t, "thread-1", "try again")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)
	require.Len(t, sf.tasks(), 1)
}

func TestInternalTaskRunsLocally(t *testing.T) {
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("42 open cases")
	}}

	draft, _ := json.Marshal(map[string]interface{}{
		"description": "analyze case load",
		"tasks": []map[string]interface{}{
			{"description": "count open cases", "agent": "salesforce"},
			{"description": "assess whether the case load is abnormal", "agent": "orchestrator", "depends_on": []int{1}},
		},
	})
	llm := &scriptedLLM{
		structured: [][]byte{draft},
		plain:      []string{"the case load is above the usual range", "final answer"},
	}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf})

	events := h.send(t, "thread-1", "is our case load normal?")
	assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)

	state, err := h.store.Load("thread-1")
	require.NoError(t, err)
	executed := state.PlanHistory[0]
	assert.Equal(t, plan.StatusCompleted, executed.Tasks[1].Status)
	assert.Equal(t, "the case load is above the usual range", executed.Tasks[1].Result)
	assert.Len(t, sf.tasks(), 1, "orchestrator tasks never hit the wire")
}

func TestConcurrentThreadsDoNotInterfere(t *testing.T) {
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("ok")
	}}
	llm := &scriptedLLM{structured: [][]byte{
		singleTaskDraft("salesforce"),
		singleTaskDraft("salesforce"),
	}}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf})

	var wg sync.WaitGroup
	for _, threadID := range []string{"thread-a", "thread-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			events := h.send(t, id, "look up acme")
			assert.Equal(t, EventPlanCompleted, events[len(events)-1].Type)
		}(threadID)
	}
	wg.Wait()

	for _, threadID := range []string{"thread-a", "thread-b"} {
		state, err := h.store.Load(threadID)
		require.NoError(t, err)
		assert.Len(t, state.PlanHistory, 1)
	}
}

func TestThreadLifecycle(t *testing.T) {
	sf := &agentHandler{respond: func(int, a2a.TaskPayload) *a2a.TaskResult {
		return completedResult("ok")
	}}
	llm := &scriptedLLM{structured: [][]byte{singleTaskDraft("salesforce")}}
	h := newHarness(t, llm, map[string]*agentHandler{"salesforce": sf})

	h.send(t, "thread-1", "look up acme")

	ids, err := h.orch.Threads()
	require.NoError(t, err)
	assert.Contains(t, ids, "thread-1")

	state, err := h.orch.Thread("thread-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", state.ThreadID)

	require.NoError(t, h.orch.DeleteThread("thread-1"))
	_, err = h.orch.Thread("thread-1")
	assert.True(t, core.IsNotFound(err))
}
