package domain

import "encoding/json"

// Event is one entry of an execution's ordered event stream.
type Event struct {
	EventID         string          `json:"event_id"`
	ExecutionID     string          `json:"execution_id"`
	ThreadID        string          `json:"thread_id"`
	Seq             int64           `json:"seq"`
	Ts              int64           `json:"ts"` // Unix milliseconds
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	UnpersistedRisk bool            `json:"unpersisted_risk,omitempty"`
}

// StatePayload accompanies routing/executing/delegating events.
type StatePayload struct {
	AgentID string `json:"agent_id"`
	Depth   int    `json:"depth"`
	Step    int    `json:"step"`
}

// DelegatingPayload accompanies delegating events.
type DelegatingPayload struct {
	FromAgentID     string `json:"from_agent_id"`
	ToAgentID       string `json:"to_agent_id"`
	TaskDescription string `json:"task_description"`
	Depth           int    `json:"depth"`
	TimeoutMs       int64  `json:"timeout_ms"`
	Reason          string `json:"reason,omitempty"`
}

// ToolStartedPayload accompanies tool_started events.
type ToolStartedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolFinishedPayload accompanies tool_finished events.
type ToolFinishedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Status     ToolCallStatus  `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// InterruptPayload accompanies interrupt events.
type InterruptPayload struct {
	InterruptID string          `json:"interrupt_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Response    *ResumeResponse `json:"response,omitempty"`
}

// TerminalPayload accompanies completed, failed and timed_out events.
type TerminalPayload struct {
	FinalMessage string `json:"final_message,omitempty"`
	Cause        string `json:"cause,omitempty"`
	RemainingMs  int64  `json:"remaining_ms"`
}

// CheckpointFailedPayload accompanies checkpoint_failed events.
type CheckpointFailedPayload struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
