package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name   string
		input  Input
		want   Decision
		reason string
	}{
		{"allow weather", Input{ToolName: "weather.query", Args: json.RawMessage(`{"city":"Paris"}`)}, DecisionAllow, ""},
		{"block dangerous", Input{ToolName: "dangerous.command"}, DecisionBlock, "dangerous tools are not allowed"},
		{"small transfer", Input{ToolName: "payments.transfer", Args: json.RawMessage(`{"amount":50}`)}, DecisionAllow, ""},
		{"large transfer", Input{ToolName: "payments.transfer", Args: json.RawMessage(`{"amount":500}`)}, DecisionRequireApproval, "transfers above 100 need approval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Evaluate(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Decision)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestPolicyByDepth(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, `
package tool_policy

default decision = "allow"

decision = "block" {
	input.depth > 1
}
`)
	require.NoError(t, err)

	res, err := e.Evaluate(ctx, Input{ToolName: "weather.query", Depth: 2})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, res.Decision)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n decision = {")
	assert.Error(t, err)
}

func TestInvalidArgs(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), Input{ToolName: "x", Args: json.RawMessage(`{`)})
	assert.Error(t, err)
}
