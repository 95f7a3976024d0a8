// Package conversation persists per-thread state: the message transcript,
// rolling summaries, active execution plans, and interrupt checkpoints. It
// also maintains long-lived per-user entity memory.
package conversation

import (
	"time"

	"github.com/opsmesh/conductor/plan"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Agent     string    `json:"agent,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is a rolling compaction that replaces the transcript prefix.
// Folded messages are removed from Messages, which keeps the transcript
// bounded no matter how long the thread runs.
type Summary struct {
	Content string `json:"content"`
	// ReplacedCount is the total number of messages the summary stands in
	// for over the thread's lifetime.
	ReplacedCount int       `json:"replaced_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ThreadState is the full persisted state of one conversation thread.
type ThreadState struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"`
	Messages []Message `json:"messages"`
	Summary  *Summary  `json:"summary,omitempty"`

	// Plan is the active execution plan, nil between requests.
	Plan *plan.ExecutionPlan `json:"plan,omitempty"`
	// PlanHistory holds completed plans, newest last.
	PlanHistory []*plan.ExecutionPlan `json:"plan_history,omitempty"`

	// Interrupt is the checkpoint of a paused run, nil when not paused.
	Interrupt *plan.InterruptData `json:"interrupt,omitempty"`

	// ToolCallsSinceExtraction counts agent task completions since the last
	// entity extraction pass.
	ToolCallsSinceExtraction int `json:"tool_calls_since_extraction"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interrupted reports whether the thread is paused waiting for input.
func (s *ThreadState) Interrupted() bool { return s.Interrupt != nil }

// RecentMessages returns up to n of the newest messages. Everything in
// Messages is verbatim; summarized history lives in Summary.
func (s *ThreadState) RecentMessages(n int) []Message {
	recent := s.Messages
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	return recent
}
