// Package domain defines the core domain models for the orchestrator.
package domain

// ExecutionState represents the state of an execution.
type ExecutionState string

const (
	ExecutionStateCreated       ExecutionState = "created"
	ExecutionStateRouting       ExecutionState = "routing"
	ExecutionStateExecuting     ExecutionState = "executing"
	ExecutionStateDelegating    ExecutionState = "delegating"
	ExecutionStateAwaitingInput ExecutionState = "awaiting_input"
	ExecutionStateCompleting    ExecutionState = "completing"
	ExecutionStateCompleted     ExecutionState = "completed"
	ExecutionStateFailed        ExecutionState = "failed"
	ExecutionStateTimedOut      ExecutionState = "timed_out"
)

var executionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStateCreated:       {ExecutionStateRouting, ExecutionStateExecuting},
	ExecutionStateRouting:       {ExecutionStateExecuting, ExecutionStateDelegating},
	ExecutionStateExecuting:     {ExecutionStateExecuting, ExecutionStateDelegating, ExecutionStateAwaitingInput, ExecutionStateCompleting},
	ExecutionStateDelegating:    {ExecutionStateExecuting},
	ExecutionStateAwaitingInput: {ExecutionStateExecuting, ExecutionStateCompleting},
	ExecutionStateCompleting:    {ExecutionStateCompleted},
}

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step.
// failed and timed_out are reachable from any non-terminal state.
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == ExecutionStateFailed || next == ExecutionStateTimedOut {
		return true
	}
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EventType represents the type of an execution event.
type EventType string

const (
	EventTypeRouting         EventType = "routing"
	EventTypeDelegating      EventType = "delegating"
	EventTypeExecuting       EventType = "executing"
	EventTypeToolStarted     EventType = "tool_started"
	EventTypeToolFinished    EventType = "tool_finished"
	EventTypeInterruptRaised EventType = "interrupt_raised"
	EventTypeCompleted       EventType = "completed"
	EventTypeFailed          EventType = "failed"
	EventTypeTimedOut        EventType = "timed_out"

	// Supplemental events
	EventTypeInterruptResolved EventType = "interrupt_resolved"
	EventTypeCheckpointFailed  EventType = "checkpoint_failed"
)

// IsTerminal reports whether the event closes an execution's stream.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeCompleted, EventTypeFailed, EventTypeTimedOut:
		return true
	}
	return false
}

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusSucceeded ToolCallStatus = "succeeded"
	ToolCallStatusFailed    ToolCallStatus = "failed"
)

// IsTerminal reports whether the tool call finished.
func (s ToolCallStatus) IsTerminal() bool {
	return s == ToolCallStatusSucceeded || s == ToolCallStatusFailed
}

// InterruptStatus represents the status of a HITL interrupt.
type InterruptStatus string

const (
	InterruptStatusNone     InterruptStatus = "none"
	InterruptStatusRaised   InterruptStatus = "raised"
	InterruptStatusResolved InterruptStatus = "resolved"
	InterruptStatusTimedOut InterruptStatus = "timed_out"
)

// Layer identifies a level in the timeout hierarchy.
type Layer string

const (
	LayerSupervisor Layer = "supervisor"
	LayerDelegation Layer = "delegation"
	LayerSubagent   Layer = "subagent"
	LayerTool       Layer = "tool"
)

// CheckpointMode controls which transitions are persisted.
type CheckpointMode string

const (
	CheckpointModeEvery    CheckpointMode = "every"
	CheckpointModeCritical CheckpointMode = "critical"
)

// Tool error codes.
const (
	ToolErrorCodeTimeout          = "timeout"
	ToolErrorCodeError            = "error"
	ToolErrorCodePanic            = "panic"
	ToolErrorCodeUnknownTool      = "unknown_tool"
	ToolErrorCodeBlocked          = "blocked"
	ToolErrorCodeRejected         = "rejected"
	ToolErrorCodeCancelled        = "cancelled"
	ToolErrorCodeBudgetExceeded   = "budget_exceeded"
	ToolErrorCodeDepthExceeded    = "delegation_depth_exceeded"
	ToolErrorCodeDelegationFailed = "delegation_failed"
)
