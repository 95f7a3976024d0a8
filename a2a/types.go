// Package a2a implements the Agent-to-Agent JSON-RPC 2.0 protocol: the
// request/response envelopes, the agent discovery card, and the typed
// client the orchestrator uses to dispatch plan tasks to remote agents.
package a2a

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC canonical error codes per spec.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MethodProcessTask is the single RPC method agents implement.
const MethodProcessTask = "process_task"

// TaskStatus reported by an agent for one task.
type TaskStatus string

const (
	StatusCompleted   TaskStatus = "completed"
	StatusInterrupted TaskStatus = "interrupted"
	StatusFailed      TaskStatus = "failed"
)

// Request is the JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      int64      `json:"id"`
	Method  string     `json:"method"`
	Params  TaskParams `json:"params"`
}

// TaskParams wraps the task payload.
type TaskParams struct {
	Task TaskPayload `json:"task"`
}

// TaskPayload is one unit of work sent to an agent.
type TaskPayload struct {
	ID            string          `json:"id"`
	Instruction   string          `json:"instruction"`
	Context       TaskContext     `json:"context"`
	StateSnapshot json.RawMessage `json:"state_snapshot,omitempty"`
}

// TaskContext carries the conversation slice the agent needs.
type TaskContext struct {
	UserID              string                     `json:"user_id,omitempty"`
	SessionID           string                     `json:"session_id"`
	ConversationSummary string                     `json:"conversation_summary,omitempty"`
	RecentMessages      []ContextMessage           `json:"recent_messages,omitempty"`
	TaskContext         map[string]json.RawMessage `json:"task_context,omitempty"`
}

// ContextMessage is a single conversation message serialized for an agent.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  *TaskResult   `json:"result,omitempty"`
	Error   *ProtocolError `json:"error,omitempty"`
}

// ProtocolError is a JSON-RPC level error.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// TaskResult is the result payload of a successful envelope.
//
// Metadata is always present: the client relies on it to deterministically
// clear local workflow state when the server signals completion
// (InterruptedWorkflow == null).
type TaskResult struct {
	Artifacts []Artifact   `json:"artifacts"`
	Status    TaskStatus   `json:"status"`
	Metadata  *TaskMetadata `json:"metadata"`
	Error     string       `json:"error,omitempty"`
}

// Artifact is a typed payload returned by an agent.
type Artifact struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TaskMetadata carries workflow state synchronization signals.
type TaskMetadata struct {
	InterruptedWorkflow json.RawMessage            `json:"interrupted_workflow"`
	StateSync           map[string]json.RawMessage `json:"state_sync,omitempty"`
}

// AgentCard is the discovery document served at GET {endpoint}/a2a/agent-card.
type AgentCard struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities []string       `json:"capabilities"`
	Endpoints    CardEndpoints  `json:"endpoints"`
}

// CardEndpoints lists the agent's protocol endpoints.
type CardEndpoints struct {
	A2A    string `json:"a2a"`
	Health string `json:"health,omitempty"`
}

// RPCPath is the path suffix for task dispatch under an agent endpoint.
const RPCPath = "/a2a"

// CardPath is the path suffix for the discovery card under an agent endpoint.
const CardPath = "/a2a/agent-card"
