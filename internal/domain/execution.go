package domain

import (
	"encoding/json"
	"time"
)

// Execution identifies one run of one agent.
type Execution struct {
	ExecutionID       string         `json:"execution_id"`
	ThreadID          string         `json:"thread_id"`
	AgentID           string         `json:"agent_id"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	Depth             int            `json:"depth"`
	State             ExecutionState `json:"state"`
	Deadline          time.Time      `json:"deadline"`
	BudgetRemainingMs int64          `json:"budget_remaining_ms"`
	UnpersistedRisk   bool           `json:"unpersisted_risk,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsTopLevel reports whether the execution has no parent.
func (e *Execution) IsTopLevel() bool {
	return e.ParentExecutionID == ""
}

// DelegationRequest is a directive from one agent to another.
// It is never mutated after the coordinator issues it.
type DelegationRequest struct {
	FromAgentID       string `json:"from_agent_id"`
	ToAgentID         string `json:"to_agent_id"`
	TaskDescription   string `json:"task_description"`
	TimeoutMs         int64  `json:"timeout_ms"`
	Depth             int    `json:"depth"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ToolCallID        string `json:"tool_call_id,omitempty"`
}

// ExecutionResult is the immutable terminal outcome of an execution handed
// back to whoever started it.
type ExecutionResult struct {
	ExecutionID  string         `json:"execution_id"`
	ThreadID     string         `json:"thread_id"`
	AgentID      string         `json:"agent_id"`
	State        ExecutionState `json:"state"`
	FinalMessage string         `json:"final_message,omitempty"`
	Cause        string         `json:"cause,omitempty"`
	Interrupt    *Interrupt     `json:"interrupt,omitempty"`
	RemainingMs  int64          `json:"remaining_ms"`
}

// Message is one entry of an agent's conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Input is the request that starts an execution.
type Input struct {
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

// ResumeResponse is the human answer to an interrupt.
type ResumeResponse struct {
	Approved bool            `json:"approved"`
	Reason   string          `json:"reason,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
