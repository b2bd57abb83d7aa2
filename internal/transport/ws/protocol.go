package ws

import (
	"encoding/json"

	"github.com/xiaot623/conductor/internal/domain"
)

// Message types from client to server
const (
	TypeStart     = "start"
	TypeResume    = "resume"
	TypeCancel    = "cancel"
	TypeSubscribe = "subscribe"
)

// Message types from server to client
const (
	TypeStarted   = "started"
	TypeEvent     = "event"
	TypeCancelled = "cancelled"
	TypeError     = "error"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeEngineFail     = "engine_fail"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type        string `json:"type"`
	Ts          int64  `json:"ts"`
	RequestID   string `json:"request_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// StartMessage starts an execution and subscribes to its events.
type StartMessage struct {
	BaseMessage
	AgentID  string            `json:"agent_id"`
	ThreadID string            `json:"thread_id,omitempty"`
	Input    string            `json:"input"`
	Context  map[string]string `json:"context,omitempty"`
}

// ResumeMessage answers the open interrupt of an execution.
type ResumeMessage struct {
	BaseMessage
	Approved bool            `json:"approved"`
	Reason   string          `json:"reason,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SubscribeMessage streams events of an existing execution after AfterSeq.
type SubscribeMessage struct {
	BaseMessage
	AfterSeq int64 `json:"after_seq,omitempty"`
}

// StartedMessage acknowledges a start.
type StartedMessage struct {
	BaseMessage
	ThreadID string `json:"thread_id"`
	AgentID  string `json:"agent_id"`
}

// EventMessage carries one execution event.
type EventMessage struct {
	BaseMessage
	Event domain.Event `json:"event"`
}

// ErrorMessage is sent when a client message cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}
