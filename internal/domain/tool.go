package domain

import (
	"encoding/json"
	"time"
)

// DelegateToolName is the reserved tool name a model uses to hand a task to
// another agent.
const DelegateToolName = "delegate"

// ToolSpec describes a tool an agent may call.
type ToolSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Schema      json.RawMessage `json:"schema,omitempty" yaml:"-"`
	TimeoutMs   int             `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Endpoint    string          `json:"endpoint,omitempty" yaml:"endpoint"`
}

// ToolCall represents one invocation of an external capability.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      ToolCallStatus  `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ToolError      `json:"error,omitempty"`
}

// IsDelegation reports whether the call asks for a delegation.
func (tc ToolCall) IsDelegation() bool {
	return tc.Name == DelegateToolName
}

// ToolResult is the terminal outcome of a tool call.
type ToolResult struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Status      ToolCallStatus  `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ToolError      `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Duration returns how long the call ran.
func (r ToolResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the call produced a result.
func (r ToolResult) Succeeded() bool {
	return r.Status == ToolCallStatusSucceeded
}

// Content renders the result as text for the model.
func (r ToolResult) Content() string {
	if r.Error != nil {
		b, _ := json.Marshal(map[string]*ToolError{"error": r.Error})
		return string(b)
	}
	return string(r.Result)
}

// ToolError represents a structured tool failure.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// NewFailedResult builds a failed result for a call that never ran.
func NewFailedResult(call ToolCall, code, message string) ToolResult {
	now := time.Now()
	return ToolResult{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Status:      ToolCallStatusFailed,
		Error:       &ToolError{Code: code, Message: message},
		StartedAt:   now,
		CompletedAt: now,
	}
}
