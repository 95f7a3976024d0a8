// Package orchestration drives user requests to completion: the planner
// turns a request into an execution plan, the state machine walks the plan
// through agent dispatches with checkpointing, and the orchestrator exposes
// the whole flow behind one façade with an event stream.
package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsmesh/conductor/conversation"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/plan"
	"github.com/opsmesh/conductor/registry"
)

// planSchema constrains the planner's structured output. The model proposes
// tasks with positional dependency references; ids are assigned afterwards.
var planSchema = []byte(`{
  "type": "object",
  "properties": {
    "description": {"type": "string"},
    "success_criteria": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string", "minLength": 15, "maxLength": 200},
          "agent": {"type": "string", "enum": ["salesforce", "jira", "servicenow", "orchestrator"]},
          "depends_on": {"type": "array", "items": {"type": "integer", "minimum": 1}}
        },
        "required": ["description", "agent"],
        "additionalProperties": false
      }
    }
  },
  "required": ["description", "tasks"],
  "additionalProperties": false
}`)

const plannerSystemPrompt = `You are the planning component of a multi-agent support orchestrator.
Decompose the user's request into the smallest set of tasks that fulfills it.
Each task is handled by exactly one agent:
  salesforce  - accounts, opportunities, cases, CRM data
  jira        - issues, sprints, engineering work items
  servicenow  - incidents, changes, IT service requests
  orchestrator - reasoning over prior task results, no external system
Tasks may depend on earlier tasks by 1-based position. Keep plans minimal;
a single-task plan is common.`

// PlanContext is everything the planner sees beyond the request itself.
type PlanContext struct {
	Summary        string
	RecentMessages []conversation.Message
	Entities       []conversation.Entity
	Agents         []*registry.RegisteredAgent
}

// Planner produces validated execution plans from user requests.
type Planner struct {
	llm      core.LLMClient
	logger   core.Logger
	compiled *jsonschema.Schema
}

// NewPlanner compiles the plan schema once up front.
func NewPlanner(llm core.LLMClient, logger core.Logger) (*Planner, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("orchestration.NewPlanner: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("orchestration.NewPlanner: %w", err)
	}
	compiled, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("orchestration.NewPlanner: %w", err)
	}

	return &Planner{llm: llm, logger: logger, compiled: compiled}, nil
}

// Plan asks the model for a task breakdown, validates it against the schema
// and the dependency rules, and returns the materialized plan. Model output
// that fails validation wraps core.ErrPlanInvalid.
func (p *Planner) Plan(ctx context.Context, request string, pc PlanContext) (*plan.ExecutionPlan, error) {
	prompt := p.buildPrompt(request, pc)

	raw, err := p.llm.GenerateStructured(ctx, prompt, "execution_plan", planSchema, &core.LLMOptions{
		SystemPrompt: plannerSystemPrompt,
		Temperature:  0,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestration.Plan: %w", err)
	}

	// Validate before decoding into typed structs; the schema rejects the
	// shapes json.Unmarshal would silently tolerate (wrong agent names,
	// extra fields, empty task lists).
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("orchestration.Plan: model emitted invalid JSON: %w", core.ErrPlanInvalid)
	}
	if err := p.compiled.Validate(instance); err != nil {
		p.logger.Warn("Plan rejected by schema", map[string]interface{}{
			"operation": "plan_validate",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("orchestration.Plan: schema violation: %v: %w", err, core.ErrPlanInvalid)
	}

	var draft plan.Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("orchestration.Plan: %v: %w", err, core.ErrPlanInvalid)
	}

	built, err := plan.Build(draft, request)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Plan created", map[string]interface{}{
		"operation": "plan",
		"tasks":     len(built.Tasks),
	})
	return built, nil
}

func (p *Planner) buildPrompt(request string, pc PlanContext) string {
	var b strings.Builder

	if len(pc.Agents) > 0 {
		b.WriteString("Currently reachable agents:\n")
		for _, a := range pc.Agents {
			fmt.Fprintf(&b, "  %s (%s): %s\n", a.Name, a.Status, strings.Join(a.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	if pc.Summary != "" {
		b.WriteString("Conversation summary:\n")
		b.WriteString(pc.Summary)
		b.WriteString("\n\n")
	}
	if len(pc.Entities) > 0 {
		b.WriteString("Known facts about this user:\n")
		for _, e := range pc.Entities {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", e.Type, e.Key, string(e.Data))
		}
		b.WriteString("\n")
	}
	if len(pc.RecentMessages) > 0 {
		b.WriteString("Recent messages:\n")
		for _, m := range pc.RecentMessages {
			fmt.Fprintf(&b, "  [%s] %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Request:\n")
	b.WriteString(request)
	return b.String()
}
