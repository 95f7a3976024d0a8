package plan

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/opsmesh/conductor/core"
)

// Task descriptions double as agent instructions, so the planner must emit
// something actionable: long enough to carry intent, short enough to stay a
// single step.
const (
	MinDescriptionLen = 15
	MaxDescriptionLen = 200
)

// Draft is the planner's raw proposal before validation. Task ids are
// assigned here so the planner output cannot collide with prior plans.
type Draft struct {
	Description     string      `json:"description"`
	SuccessCriteria string      `json:"success_criteria,omitempty"`
	Tasks           []DraftTask `json:"tasks"`
}

// DraftTask is one proposed step.
type DraftTask struct {
	Description string   `json:"description"`
	Agent       string   `json:"agent"`
	DependsOn   []int    `json:"depends_on,omitempty"`
}

// Build validates a draft and materializes an ExecutionPlan. Task ids are
// deterministic positional ids ("task-1", "task-2", ...) and dependency
// indices are rewritten to those ids. All validation failures wrap
// core.ErrPlanInvalid.
func Build(draft Draft, originalRequest string) (*ExecutionPlan, error) {
	if len(draft.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks: %w", core.ErrPlanInvalid)
	}

	tasks := make([]*Task, len(draft.Tasks))
	for i, dt := range draft.Tasks {
		if dt.Description == "" {
			return nil, fmt.Errorf("task %d has no description: %w", i+1, core.ErrPlanInvalid)
		}
		if n := utf8.RuneCountInString(dt.Description); n < MinDescriptionLen || n > MaxDescriptionLen {
			return nil, fmt.Errorf("task %d description is %d chars, want %d-%d: %w",
				i+1, n, MinDescriptionLen, MaxDescriptionLen, core.ErrPlanInvalid)
		}
		kind := AgentKind(dt.Agent)
		if _, ok := KnownAgentKinds[kind]; !ok {
			return nil, fmt.Errorf("task %d names unknown agent %q: %w", i+1, dt.Agent, core.ErrPlanInvalid)
		}

		deps := make([]string, 0, len(dt.DependsOn))
		for _, ref := range dt.DependsOn {
			if ref < 1 || ref > len(draft.Tasks) {
				return nil, fmt.Errorf("task %d depends on nonexistent task %d: %w",
					i+1, ref, core.ErrPlanInvalid)
			}
			if ref == i+1 {
				return nil, fmt.Errorf("task %d depends on itself: %w", i+1, core.ErrPlanInvalid)
			}
			deps = append(deps, taskID(ref))
		}

		tasks[i] = &Task{
			TaskID:      taskID(i + 1),
			Description: dt.Description,
			Agent:       kind,
			DependsOn:   deps,
			Status:      StatusPending,
		}
	}

	p := &ExecutionPlan{
		Description:     draft.Description,
		OriginalRequest: originalRequest,
		SuccessCriteria: draft.SuccessCriteria,
		Tasks:           tasks,
		CreatedAt:       time.Now().UTC(),
	}

	if err := checkAcyclic(p); err != nil {
		return nil, err
	}
	return p, nil
}

func taskID(n int) string { return fmt.Sprintf("task-%d", n) }

// checkAcyclic rejects dependency cycles with a recursive three-color walk.
// Plans are small (the planner emits a handful of tasks), so recursion depth
// is never a concern here.
func checkAcyclic(p *ExecutionPlan) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through %s: %w", id, core.ErrPlanInvalid)
		case black:
			return nil
		}
		color[id] = gray
		t := p.Get(id)
		for _, dep := range t.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range p.Tasks {
		if err := visit(t.TaskID); err != nil {
			return err
		}
	}
	return nil
}
