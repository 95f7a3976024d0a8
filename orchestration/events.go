package orchestration

import "time"

// EventType identifies one entry in a request's event stream.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventPlanCreated     EventType = "plan_created"
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskSkipped     EventType = "task_skipped"
	EventInterrupted     EventType = "interrupted"
	EventPlanCompleted   EventType = "plan_completed"
	EventError           EventType = "error"
)

// Event is one observable step of request processing, streamed to the caller
// while the plan executes.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
