package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/conductor/conversation"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/plan"
	"github.com/opsmesh/conductor/registry"
)

func newTestPlanner(t *testing.T, llm core.LLMClient) *Planner {
	t.Helper()
	p, err := NewPlanner(llm, nil)
	require.NoError(t, err)
	return p
}

func TestPlanValidDraft(t *testing.T) {
	llm := &scriptedLLM{structured: [][]byte{[]byte(`{
		"description": "escalate the incident",
		"success_criteria": "a jira issue exists for the incident",
		"tasks": [
			{"description": "look up the incident", "agent": "servicenow"},
			{"description": "open an engineering issue", "agent": "jira", "depends_on": [1]}
		]
	}`)}}
	p := newTestPlanner(t, llm)

	built, err := p.Plan(context.Background(), "escalate INC-42 to engineering", PlanContext{})
	require.NoError(t, err)

	assert.Equal(t, "escalate the incident", built.Description)
	assert.Equal(t, "escalate INC-42 to engineering", built.OriginalRequest)
	require.Len(t, built.Tasks, 2)
	assert.Equal(t, "task-1", built.Tasks[0].TaskID)
	assert.Equal(t, plan.AgentServiceNow, built.Tasks[0].Agent)
	assert.Equal(t, []string{"task-1"}, built.Tasks[1].DependsOn)
	assert.Equal(t, plan.StatusPending, built.Tasks[0].Status)
}

func TestPlanRejectsInvalidModelOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown agent", `{"description":"d","tasks":[{"description":"query the mainframe inventory","agent":"mainframe"}]}`},
		{"empty task list", `{"description":"d","tasks":[]}`},
		{"missing description", `{"tasks":[{"description":"open an engineering issue","agent":"jira"}]}`},
		{"extra field", `{"description":"d","priority":"high","tasks":[{"description":"open an engineering issue","agent":"jira"}]}`},
		{"extra task field", `{"description":"d","tasks":[{"description":"open an engineering issue","agent":"jira","retries":3}]}`},
		{"zero dependency index", `{"description":"d","tasks":[{"description":"open an engineering issue","agent":"jira","depends_on":[0]}]}`},
		{"task description too short", `{"description":"d","tasks":[{"description":"fix it","agent":"jira"}]}`},
		{"not json", `the plan is to look it up`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			llm := &scriptedLLM{structured: [][]byte{[]byte(tc.raw)}}
			p := newTestPlanner(t, llm)

			_, err := p.Plan(context.Background(), "do something", PlanContext{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrPlanInvalid))
		})
	}
}

func TestPlanRejectsDanglingDependency(t *testing.T) {
	// Passes the schema but fails plan materialization
	llm := &scriptedLLM{structured: [][]byte{[]byte(`{
		"description": "d",
		"tasks": [{"description": "open an engineering issue", "agent": "jira", "depends_on": [5]}]
	}`)}}
	p := newTestPlanner(t, llm)

	_, err := p.Plan(context.Background(), "do something", PlanContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPlanInvalid))
}

func TestPlanPromptCarriesContext(t *testing.T) {
	llm := &scriptedLLM{structured: [][]byte{[]byte(`{
		"description": "d",
		"tasks": [{"description": "check the renewal date", "agent": "salesforce"}]
	}`)}}
	p := newTestPlanner(t, llm)

	pc := PlanContext{
		Summary: "the user manages the Acme account",
		RecentMessages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "what about the renewal?"},
		},
		Entities: []conversation.Entity{
			{Type: "account", Key: "acme", Data: []byte(`{"tier":"gold"}`)},
		},
		Agents: []*registry.RegisteredAgent{
			{Name: "salesforce", Status: registry.StatusOnline, Capabilities: []string{"crm"}},
		},
	}

	_, err := p.Plan(context.Background(), "check the renewal date", pc)
	require.NoError(t, err)

	prompt := llm.lastStructuredPrompt()
	assert.Contains(t, prompt, "the user manages the Acme account")
	assert.Contains(t, prompt, "what about the renewal?")
	assert.Contains(t, prompt, "acme")
	assert.Contains(t, prompt, "salesforce")
	assert.Contains(t, prompt, "check the renewal date")
}

func TestPlanModelFailurePropagates(t *testing.T) {
	llm := &failingLLM{err: errors.New("model unavailable")}
	p := newTestPlanner(t, llm)

	_, err := p.Plan(context.Background(), "do something", PlanContext{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrPlanInvalid), "a model outage is not a validation failure")
}

type failingLLM struct {
	err error
}

func (f *failingLLM) Generate(context.Context, string, *core.LLMOptions) (*core.LLMResponse, error) {
	return nil, f.err
}

func (f *failingLLM) GenerateStructured(context.Context, string, string, []byte, *core.LLMOptions) ([]byte, error) {
	return nil, f.err
}
