// Package coordinator decides when an agent hands work to another agent and
// runs those delegations under their own budgets.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/conductor/internal/adapter/llm"
	"github.com/xiaot623/conductor/internal/budget"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
	"github.com/xiaot623/conductor/internal/plan"
)

// ChildRunner runs a fresh child execution to a settled state: terminal,
// or awaiting_input when the child needs a human.
type ChildRunner interface {
	RunChild(ctx context.Context, parent domain.Execution, req domain.DelegationRequest, deadline time.Time) (domain.ExecutionResult, error)
}

// Options tunes the coordinator.
type Options struct {
	MaxDepth            int
	ConfidenceThreshold float64
	MaxConcurrency      int
}

// Coordinator is shared by all executions of a manager.
type Coordinator struct {
	budget  *budget.Manager
	model   llm.Model
	runner  ChildRunner
	opts    Options
	metrics *observability.Metrics
}

// New creates a coordinator. model may be nil, in which case Decide never
// consults a model.
func New(b *budget.Manager, model llm.Model, runner ChildRunner, opts Options, metrics *observability.Metrics) *Coordinator {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.95
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	return &Coordinator{budget: b, model: model, runner: runner, opts: opts, metrics: metrics}
}

// MaxDepth returns the configured delegation depth limit.
func (c *Coordinator) MaxDepth() int {
	return c.opts.MaxDepth
}

// BuildTask renders a self-contained instruction for a delegate. Only the
// task and the explicitly passed context are included, never the caller's
// conversation history.
func (c *Coordinator) BuildTask(task string, context map[string]string) string {
	task = strings.TrimSpace(task)
	if len(context) == 0 {
		return task
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nContext:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, context[k])
	}
	return b.String()
}

// NewRequest issues a delegation from parent to toAgentID. Depth is checked
// here, before any child exists.
func (c *Coordinator) NewRequest(p *plan.Plan, parent domain.Execution, toAgentID, task, toolCallID string) (domain.DelegationRequest, error) {
	if !p.CanDelegate() {
		return domain.DelegationRequest{}, fmt.Errorf("agent %s cannot delegate", p.AgentID())
	}
	if _, ok := p.Delegate(toAgentID); !ok {
		return domain.DelegationRequest{}, fmt.Errorf("agent %s may not delegate to %q", p.AgentID(), toAgentID)
	}
	if strings.TrimSpace(task) == "" {
		return domain.DelegationRequest{}, fmt.Errorf("delegation task is empty")
	}
	depth := parent.Depth + 1
	if depth > c.opts.MaxDepth {
		return domain.DelegationRequest{}, fmt.Errorf("%w: depth %d exceeds limit %d", domain.ErrDelegationDepthExceeded, depth, c.opts.MaxDepth)
	}
	timeout, err := c.budget.AllocateTimeout(parent.Deadline, domain.LayerDelegation, 0)
	if err != nil {
		return domain.DelegationRequest{}, err
	}
	return domain.DelegationRequest{
		FromAgentID:       p.AgentID(),
		ToAgentID:         toAgentID,
		TaskDescription:   task,
		TimeoutMs:         timeout.Milliseconds(),
		Depth:             depth,
		ParentExecutionID: parent.ExecutionID,
		ToolCallID:        toolCallID,
	}, nil
}

// Outcome is the result of one delegation. Child is nil when no child was
// started.
type Outcome struct {
	Request domain.DelegationRequest
	Result  domain.ToolResult
	Child   *domain.ExecutionResult
}

// AwaitingInput reports whether the child paused for a human.
func (o Outcome) AwaitingInput() bool {
	return o.Child != nil && o.Child.State == domain.ExecutionStateAwaitingInput
}

// Suspended reports whether the child stopped before settling, as it does
// when the engine shuts down. Its delegate call must stay pending.
func (o Outcome) Suspended() bool {
	return o.Child != nil && !o.Child.State.IsTerminal() && o.Child.State != domain.ExecutionStateAwaitingInput
}

// Delegate runs req as a child of parent under a fresh delegation-layer
// deadline and converts the child's outcome into a tool result.
func (c *Coordinator) Delegate(ctx context.Context, parent domain.Execution, req domain.DelegationRequest) Outcome {
	started := c.budget.Now()
	call := domain.ToolCall{ID: req.ToolCallID, Name: domain.DelegateToolName}

	deadline, err := c.budget.Allocate(parent.Deadline, domain.LayerDelegation)
	if err != nil {
		c.metrics.Delegation(req.ToAgentID, "budget_exceeded")
		return Outcome{Request: req, Result: domain.NewFailedResult(call, domain.ToolErrorCodeBudgetExceeded, err.Error())}
	}
	if req.TimeoutMs > 0 {
		if ceiling := started.Add(time.Duration(req.TimeoutMs) * time.Millisecond); ceiling.Before(deadline) {
			deadline = ceiling
		}
	}

	ctx, span := observability.StartSpan(ctx, "delegate",
		attribute.String("from_agent_id", req.FromAgentID),
		attribute.String("to_agent_id", req.ToAgentID),
		attribute.Int("depth", req.Depth),
	)
	res, err := c.runner.RunChild(ctx, parent, req, deadline)
	observability.EndSpan(span, err)

	out := Outcome{Request: req, Result: c.Convert(req, started, res, err)}
	if err == nil {
		out.Child = &res
	}
	return out
}

// Convert turns a child's outcome into the tool result of its delegate call.
func (c *Coordinator) Convert(req domain.DelegationRequest, started time.Time, res domain.ExecutionResult, err error) domain.ToolResult {
	result := domain.ToolResult{
		ToolCallID:  req.ToolCallID,
		ToolName:    domain.DelegateToolName,
		StartedAt:   started,
		CompletedAt: c.budget.Now(),
	}
	fail := func(code, msg, outcome string) domain.ToolResult {
		c.metrics.Delegation(req.ToAgentID, outcome)
		result.Status = domain.ToolCallStatusFailed
		result.Error = &domain.ToolError{Code: code, Message: msg}
		return result
	}

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBudgetExceeded):
			return fail(domain.ToolErrorCodeBudgetExceeded, err.Error(), "budget_exceeded")
		case errors.Is(err, domain.ErrDelegationDepthExceeded):
			return fail(domain.ToolErrorCodeDepthExceeded, err.Error(), "depth_exceeded")
		default:
			return fail(domain.ToolErrorCodeDelegationFailed, err.Error(), "error")
		}
	}

	switch res.State {
	case domain.ExecutionStateCompleted:
		c.metrics.Delegation(req.ToAgentID, "completed")
		body, _ := json.Marshal(map[string]string{
			"agent_id":     res.AgentID,
			"execution_id": res.ExecutionID,
			"answer":       res.FinalMessage,
		})
		result.Status = domain.ToolCallStatusSucceeded
		result.Result = body
		return result
	case domain.ExecutionStateTimedOut:
		return fail(domain.ToolErrorCodeBudgetExceeded, describe(req.ToAgentID, "timed out", res), "timed_out")
	case domain.ExecutionStateFailed:
		return fail(domain.ToolErrorCodeDelegationFailed, describe(req.ToAgentID, "failed", res), "failed")
	case domain.ExecutionStateAwaitingInput:
		// Not terminal; the caller keeps the call pending.
		c.metrics.Delegation(req.ToAgentID, "awaiting_input")
		result.Status = domain.ToolCallStatusRunning
		return result
	default:
		// Suspended before settling; the caller keeps the call pending.
		c.metrics.Delegation(req.ToAgentID, "suspended")
		result.Status = domain.ToolCallStatusRunning
		return result
	}
}

func describe(agentID, what string, res domain.ExecutionResult) string {
	msg := fmt.Sprintf("delegation to %s %s", agentID, what)
	if res.Cause != "" {
		return msg + ": " + res.Cause
	}
	if res.ExecutionID != "" {
		return fmt.Sprintf("%s (execution %s ended %s)", msg, res.ExecutionID, res.State)
	}
	return msg
}

// DelegateAll runs several delegations concurrently, each with its own
// budget. Outcomes keep the order of reqs.
func (c *Coordinator) DelegateAll(ctx context.Context, parent domain.Execution, reqs []domain.DelegationRequest) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = c.Delegate(gctx, parent, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("delegation group failed: %v", err)
	}
	return outcomes
}
