package domain

import "testing"

func TestExecutionStateTransitions(t *testing.T) {
	tests := []struct {
		from, to ExecutionState
		want     bool
	}{
		{ExecutionStateCreated, ExecutionStateRouting, true},
		{ExecutionStateCreated, ExecutionStateExecuting, true},
		{ExecutionStateRouting, ExecutionStateDelegating, true},
		{ExecutionStateExecuting, ExecutionStateAwaitingInput, true},
		{ExecutionStateAwaitingInput, ExecutionStateExecuting, true},
		{ExecutionStateCompleting, ExecutionStateCompleted, true},
		{ExecutionStateRouting, ExecutionStateTimedOut, true},
		{ExecutionStateAwaitingInput, ExecutionStateFailed, true},

		{ExecutionStateCreated, ExecutionStateCompleted, false},
		{ExecutionStateDelegating, ExecutionStateAwaitingInput, false},
		{ExecutionStateAwaitingInput, ExecutionStateCompleted, false},
		{ExecutionStateCompleted, ExecutionStateExecuting, false},
		{ExecutionStateFailed, ExecutionStateTimedOut, false},
		{ExecutionStateTimedOut, ExecutionStateFailed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []ExecutionState{ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateTimedOut} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []ExecutionState{ExecutionStateCreated, ExecutionStateRouting, ExecutionStateExecuting, ExecutionStateDelegating, ExecutionStateAwaitingInput, ExecutionStateCompleting} {
		if s.IsTerminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
	if !EventTypeTimedOut.IsTerminal() || EventTypeInterruptRaised.IsTerminal() {
		t.Fatal("unexpected event terminality")
	}
	if !ToolCallStatusFailed.IsTerminal() || ToolCallStatusRunning.IsTerminal() {
		t.Fatal("unexpected tool call terminality")
	}
}
