package domain

import "encoding/json"

// StartRequest starts an execution.
type StartRequest struct {
	AgentID  string            `json:"agent_id"`
	ThreadID string            `json:"thread_id,omitempty"`
	Input    string            `json:"input"`
	Context  map[string]string `json:"context,omitempty"`
}

// StartResponse is returned by start.
type StartResponse struct {
	ExecutionID string `json:"execution_id"`
	ThreadID    string `json:"thread_id"`
	AgentID     string `json:"agent_id"`
}

// ResumeRequest resumes a paused execution.
type ResumeRequest struct {
	Approved bool            `json:"approved"`
	Reason   string          `json:"reason,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// WaitRequest asks to block until an interrupt is answered.
type WaitRequest struct {
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// RegisterAgentRequest registers or updates an agent configuration.
type RegisterAgentRequest struct {
	AgentConfig
}

// ListAgentsResponse represents the response for listing agents.
type ListAgentsResponse struct {
	Agents []AgentConfig `json:"agents"`
}

// ListCheckpointsResponse represents the response for listing checkpoints.
type ListCheckpointsResponse struct {
	ThreadID    string       `json:"thread_id"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// ListEventsResponse represents the response for listing events.
type ListEventsResponse struct {
	ExecutionID string  `json:"execution_id"`
	Events      []Event `json:"events"`
	HasMore     bool    `json:"has_more"`
}

// InvalidateRequest evicts compiled plans.
type InvalidateRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// ErrorResponse is the JSON error body returned by the HTTP API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
