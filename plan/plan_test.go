package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/conductor/core"
)

func TestBuildAssignsPositionalIDs(t *testing.T) {
	p, err := Build(Draft{
		Description: "close the loop on a customer case",
		Tasks: []DraftTask{
			{Description: "look up the account", Agent: "salesforce"},
			{Description: "open a tracking issue", Agent: "jira", DependsOn: []int{1}},
		},
	}, "please handle the escalation")
	require.NoError(t, err)

	require.Len(t, p.Tasks, 2)
	assert.Equal(t, "task-1", p.Tasks[0].TaskID)
	assert.Equal(t, "task-2", p.Tasks[1].TaskID)
	assert.Equal(t, []string{"task-1"}, p.Tasks[1].DependsOn)
	assert.Equal(t, StatusPending, p.Tasks[0].Status)
	assert.Equal(t, "please handle the escalation", p.OriginalRequest)
}

func TestBuildRejectsBadDrafts(t *testing.T) {
	cases := []struct {
		name  string
		draft Draft
	}{
		{"empty", Draft{}},
		{"unknown agent", Draft{Tasks: []DraftTask{
			{Description: "do something on the mainframe", Agent: "mainframe"},
		}}},
		{"missing description", Draft{Tasks: []DraftTask{
			{Agent: "jira"},
		}}},
		{"description too short", Draft{Tasks: []DraftTask{
			{Description: "fix it", Agent: "jira"},
		}}},
		{"description too long", Draft{Tasks: []DraftTask{
			{Description: strings.Repeat("x", MaxDescriptionLen+1), Agent: "jira"},
		}}},
		{"dangling dependency", Draft{Tasks: []DraftTask{
			{Description: "file a tracking issue", Agent: "jira", DependsOn: []int{5}},
		}}},
		{"self dependency", Draft{Tasks: []DraftTask{
			{Description: "file a tracking issue", Agent: "jira", DependsOn: []int{1}},
		}}},
		{"cycle", Draft{Tasks: []DraftTask{
			{Description: "file a tracking issue", Agent: "jira", DependsOn: []int{2}},
			{Description: "update the case record", Agent: "jira", DependsOn: []int{1}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.draft, "req")
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrPlanInvalid))
		})
	}
}

func TestBuildAcceptsBoundaryDescriptionLengths(t *testing.T) {
	for _, n := range []int{MinDescriptionLen, MaxDescriptionLen} {
		_, err := Build(Draft{Tasks: []DraftTask{
			{Description: strings.Repeat("x", n), Agent: "jira"},
		}}, "req")
		assert.NoError(t, err, "length %d is inside the bounds", n)
	}
}

func TestNextExecutableTaskRespectsDependencies(t *testing.T) {
	p, err := Build(Draft{Tasks: []DraftTask{
		{Description: "fetch the account record", Agent: "salesforce"},
		{Description: "file a tracking issue", Agent: "jira", DependsOn: []int{1}},
		{Description: "raise an incident ticket", Agent: "servicenow"},
	}}, "req")
	require.NoError(t, err)

	next := p.NextExecutableTask()
	require.NotNil(t, next)
	assert.Equal(t, "task-1", next.TaskID)

	require.NoError(t, next.SetStatus(StatusExecuting))
	next = p.NextExecutableTask()
	require.NotNil(t, next)
	assert.Equal(t, "task-3", next.TaskID, "independent task runs while task-1 executes")

	p.Get("task-1").Status = StatusCompleted
	p.Get("task-3").Status = StatusCompleted
	next = p.NextExecutableTask()
	require.NotNil(t, next)
	assert.Equal(t, "task-2", next.TaskID)
}

func TestMarkUnreachableSkipsDependentsOfFailure(t *testing.T) {
	p, err := Build(Draft{Tasks: []DraftTask{
		{Description: "fetch the account record", Agent: "salesforce"},
		{Description: "file a tracking issue", Agent: "jira", DependsOn: []int{1}},
		{Description: "raise an incident ticket", Agent: "servicenow", DependsOn: []int{2}},
		{Description: "update the sprint board", Agent: "jira"},
	}}, "req")
	require.NoError(t, err)

	p.Get("task-1").Status = StatusFailed
	skipped := p.MarkUnreachable()

	require.Len(t, skipped, 1, "only direct dependents skip; task-3's dep is skipped, not failed")
	assert.Equal(t, StatusSkipped, p.Get("task-2").Status)
	assert.Equal(t, StatusPending, p.Get("task-4").Status)

	// task-3 becomes executable because its dependency is terminal-skipped
	next := p.NextExecutableTask()
	require.NotNil(t, next)
	assert.Equal(t, "task-3", next.TaskID)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	task := &Task{TaskID: "task-1", Status: StatusCompleted}
	err := task.SetStatus(StatusExecuting)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTaskTerminal))
	assert.Equal(t, StatusCompleted, task.Status)
}

func TestIsComplete(t *testing.T) {
	p, err := Build(Draft{Tasks: []DraftTask{
		{Description: "file a tracking issue", Agent: "jira"},
		{Description: "update the sprint board", Agent: "jira"},
	}}, "req")
	require.NoError(t, err)

	assert.False(t, p.IsComplete())
	p.Tasks[0].Status = StatusCompleted
	assert.False(t, p.IsComplete())
	p.Tasks[1].Status = StatusSkipped
	assert.True(t, p.IsComplete())
}
