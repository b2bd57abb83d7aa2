package domain

import (
	"encoding/json"
	"time"
)

// Checkpoint is a durable snapshot of execution state.
type Checkpoint struct {
	ThreadID      string            `json:"thread_id"`
	CheckpointID  int64             `json:"checkpoint_id"`
	StateBlob     json.RawMessage   `json:"state_blob"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	DerivedUserID string            `json:"derived_user_id"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Checkpoint metadata keys.
const (
	MetaExecutionID = "execution_id"
	MetaAgentID     = "agent_id"
	MetaState       = "state"
	MetaStep        = "step"
	MetaSource      = "source"
)

// ExecutionSnapshot is the state blob persisted in a checkpoint. It holds
// enough to continue at the next pending step.
type ExecutionSnapshot struct {
	Execution    Execution             `json:"execution"`
	Input        Input                 `json:"input"`
	UserID       string                `json:"user_id"`
	Messages     []Message             `json:"messages"`
	Pending      []ToolCall            `json:"pending,omitempty"`
	Committed    map[string]ToolResult `json:"committed,omitempty"`
	Step         int                   `json:"step"`
	Interrupt    *Interrupt            `json:"interrupt,omitempty"`
	FinalMessage string                `json:"final_message,omitempty"`
	Cause        string                `json:"cause,omitempty"`

	// Approved holds pending call ids a human approved.
	Approved map[string]bool `json:"approved,omitempty"`
	// Children maps delegate call ids to the child execution serving them.
	Children map[string]string `json:"children,omitempty"`
	// AwaitingChild is set when the open interrupt belongs to a child.
	AwaitingChild string `json:"awaiting_child,omitempty"`
	// ChildResponse is a human answer not yet handed to AwaitingChild.
	ChildResponse *ResumeResponse `json:"child_response,omitempty"`
}

// CheckpointSummary is the caller-facing view of a thread's latest checkpoint.
type CheckpointSummary struct {
	ThreadID     string         `json:"thread_id"`
	CheckpointID int64          `json:"checkpoint_id"`
	ExecutionID  string         `json:"execution_id"`
	AgentID      string         `json:"agent_id"`
	State        ExecutionState `json:"state"`
	Step         int            `json:"step"`
	PendingCalls int            `json:"pending_calls"`
	Interrupt    *Interrupt     `json:"interrupt,omitempty"`
	FinalMessage string         `json:"final_message,omitempty"`
	Cause        string         `json:"cause,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
