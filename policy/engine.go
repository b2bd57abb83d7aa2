// Package policy decides whether a tool call may run, needs human approval,
// or is blocked.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// Input is evaluated against the policy for each tool call.
type Input struct {
	AgentID  string          `json:"agent_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"-"`
	UserID   string          `json:"user_id"`
	Depth    int             `json:"depth"`
}

// Result carries the decision and an optional reason.
type Result struct {
	Decision Decision
	Reason   string
}

// Engine is the OPA policy engine.
type Engine struct {
	decision rego.PreparedEvalQuery
	reason   rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from rego source defining
// data.tool_policy.decision and optionally data.tool_policy.reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	decision, err := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	reason, err := rego.New(
		rego.Query("data.tool_policy.reason"),
		rego.Module("tool_policy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{decision: decision, reason: reason}, nil
}

func (in Input) toMap() (map[string]any, error) {
	var args any = map[string]any{}
	if len(in.Args) > 0 {
		if err := json.Unmarshal(in.Args, &args); err != nil {
			return nil, fmt.Errorf("invalid tool args: %w", err)
		}
	}
	return map[string]any{
		"agent_id":  in.AgentID,
		"tool_name": in.ToolName,
		"args":      args,
		"user_id":   in.UserID,
		"depth":     in.Depth,
	}, nil
}

// Evaluate checks a tool call against the policy. A policy without a
// matching rule allows the call.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Result, error) {
	input, err := in.toMap()
	if err != nil {
		return Result{}, err
	}

	results, err := e.decision.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Result{Decision: DecisionAllow, Reason: "default"}, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return Result{}, fmt.Errorf("policy decision is %T, want string", results[0].Expressions[0].Value)
	}
	res := Result{Decision: Decision(s)}
	switch res.Decision {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
	default:
		return Result{}, fmt.Errorf("unknown policy decision %q", s)
	}

	reasons, err := e.reason.Eval(ctx, rego.EvalInput(input))
	if err == nil && len(reasons) > 0 && len(reasons[0].Expressions) > 0 {
		if r, ok := reasons[0].Expressions[0].Value.(string); ok {
			res.Reason = r
		}
	}
	return res, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

# Block dangerous tools
decision = "block" {
	input.tool_name == "dangerous.command"
}

# Require approval for high value transfer
decision = "require_approval" {
	input.tool_name == "payments.transfer"
	input.args.amount > 100
}

reason = "dangerous tools are not allowed" {
	input.tool_name == "dangerous.command"
}

reason = "transfers above 100 need approval" {
	input.tool_name == "payments.transfer"
	input.args.amount > 100
}
`
