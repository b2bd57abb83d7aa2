package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDelegationDepthExceeded = errors.New("delegation depth exceeded")
	ErrBudgetExceeded          = errors.New("budget exceeded")
	ErrToolTimeout             = errors.New("tool call timed out")
	ErrCheckpointWriteFailure  = errors.New("checkpoint write failed")
	ErrInterruptTimeout        = errors.New("timed out waiting for interrupt response")

	ErrExecutionNotFound  = errors.New("execution not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrInterruptNotFound  = errors.New("interrupt not found")
	ErrInterruptResolved  = errors.New("interrupt already resolved")
	ErrNotAwaitingInput   = errors.New("execution is not awaiting input")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrExecutionTerminal  = errors.New("execution already finished")
	ErrThreadBusy         = errors.New("thread has an active execution")
	ErrCancelled          = errors.New("cancelled by caller")
	ErrMaxStepsExceeded   = errors.New("max steps exceeded")
)

// CompileError reports a failed plan compilation for an agent.
type CompileError struct {
	AgentID string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile plan for agent %s: %v", e.AgentID, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	ExecutionID string
	From        ExecutionState
	To          ExecutionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: cannot transition from %s to %s", e.ExecutionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
