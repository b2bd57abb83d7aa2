package domain

import (
	"encoding/json"
	"time"
)

// Interrupt is a pause awaiting human input.
type Interrupt struct {
	InterruptID string          `json:"interrupt_id"`
	ExecutionID string          `json:"execution_id"`
	ThreadID    string          `json:"thread_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      InterruptStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Resolved    bool            `json:"resolved"`
	Response    *ResumeResponse `json:"response,omitempty"`
}

// ApprovalPayload is what an execution asks a human to approve.
type ApprovalPayload struct {
	AgentID   string     `json:"agent_id"`
	Reason    string     `json:"reason"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Set when a delegated child is the one waiting.
	ChildExecutionID string          `json:"child_execution_id,omitempty"`
	ChildPayload     json.RawMessage `json:"child_payload,omitempty"`
}
