package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaot623/conductor/internal/adapter/llm"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
	"github.com/xiaot623/conductor/internal/plan"
	"github.com/xiaot623/conductor/policy"
)

// drive advances r until it finishes, parks awaiting input, or ctx ends.
func (m *Manager) drive(ctx context.Context, r *run) {
	exec := r.execution()
	ctx, span := observability.StartSpan(ctx, "execution.drive",
		attribute.String("execution_id", r.id),
		attribute.String("agent_id", exec.AgentID),
		attribute.Int("depth", exec.Depth),
	)
	defer span.End()

	for {
		if ctx.Err() != nil {
			m.abort(ctx, r)
			return
		}
		var err error
		switch r.state() {
		case domain.ExecutionStateCreated:
			err = m.begin(ctx, r)
		case domain.ExecutionStateRouting:
			err = m.route(ctx, r)
		case domain.ExecutionStateExecuting, domain.ExecutionStateDelegating:
			err = m.step(ctx, r)
		case domain.ExecutionStateCompleting:
			m.finish(ctx, r, domain.ExecutionStateCompleted, "")
			return
		default:
			return
		}
		if err != nil {
			m.fail(ctx, r, err)
			return
		}
	}
}

func (m *Manager) fail(ctx context.Context, r *run, err error) {
	if ctx.Err() != nil {
		m.abort(ctx, r)
		return
	}
	if errors.Is(err, domain.ErrBudgetExceeded) {
		m.finish(ctx, r, domain.ExecutionStateTimedOut, err.Error())
		return
	}
	log.Errorf("execution %s failed: %v", r.id, err)
	m.finish(ctx, r, domain.ExecutionStateFailed, err.Error())
}

// abort ends r according to why its context ended. Shutdown leaves the
// execution at its last checkpoint so it can be resumed.
func (m *Manager) abort(ctx context.Context, r *run) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errShutdown):
		log.Infof("execution %s suspended in state %s", r.id, r.state())
	case errors.Is(cause, domain.ErrCancelled):
		m.finish(ctx, r, domain.ExecutionStateFailed, domain.ErrCancelled.Error())
	default:
		m.finish(ctx, r, domain.ExecutionStateTimedOut, domain.ErrBudgetExceeded.Error())
	}
}

// enter moves r to state. The executing event is emitted per model turn
// by step, not here.
func (m *Manager) enter(ctx context.Context, r *run, state domain.ExecutionState) error {
	if err := m.transition(ctx, r, state); err != nil {
		return err
	}
	if state == domain.ExecutionStateRouting {
		m.emitState(r, domain.EventTypeRouting)
	}
	m.checkpoint(ctx, r, false)
	return nil
}

func (m *Manager) begin(ctx context.Context, r *run) error {
	if r.plan.CanDelegate() {
		return m.enter(ctx, r, domain.ExecutionStateRouting)
	}
	return m.enter(ctx, r, domain.ExecutionStateExecuting)
}

// route hands the request to a delegate when the coordinator is sure
// enough, by queueing a synthetic delegate call.
func (m *Manager) route(ctx context.Context, r *run) error {
	snap := r.view()
	d, err := m.coord.Decide(ctx, r.plan, snap.Messages)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		log.Warnf("routing of %s failed, handling it directly: %v", r.id, err)
		d.Delegate = false
	}
	if !d.Delegate {
		return m.enter(ctx, r, domain.ExecutionStateExecuting)
	}

	args, err := json.Marshal(delegateArgs{
		AgentID: d.TargetID,
		Task:    llm.LastUserMessage(snap.Messages),
		Context: snap.Input.Context,
	})
	if err != nil {
		return err
	}
	call := domain.ToolCall{
		ID:     "call_route_" + uuid.New().String()[:8],
		Name:   domain.DelegateToolName,
		Args:   args,
		Status: domain.ToolCallStatusPending,
	}
	r.update(func(s *domain.ExecutionSnapshot) {
		s.Messages = append(s.Messages, domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}})
		s.Pending = []domain.ToolCall{call}
	})
	log.Infof("execution %s routed to %s by %s (confidence %.2f)", r.id, d.TargetID, d.Source, d.Confidence)
	return m.processPending(ctx, r)
}

// step runs one model turn, or finishes the pending batch of the last one.
func (m *Manager) step(ctx context.Context, r *run) error {
	snap := r.view()
	if len(snap.Pending) > 0 {
		return m.processPending(ctx, r)
	}
	if snap.Step >= m.oc.maxSteps() {
		return fmt.Errorf("%w: %d steps", domain.ErrMaxStepsExceeded, snap.Step)
	}
	if m.oc.Budget.Expired(snap.Execution.Deadline) {
		return domain.ErrBudgetExceeded
	}
	if err := m.transition(ctx, r, domain.ExecutionStateExecuting); err != nil {
		return err
	}
	m.emitState(r, domain.EventTypeExecuting)

	resp, err := m.oc.Model.Invoke(ctx, llm.Request{
		AgentID:  snap.Execution.AgentID,
		Model:    r.plan.Agent.Model,
		Messages: snap.Messages,
		Tools:    m.toolsFor(r.plan),
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("model call failed: %w", err)
	}

	msg := resp.Message
	msg.Role = domain.RoleAssistant
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.New().String()[:8]
		}
		msg.ToolCalls[i].Status = domain.ToolCallStatusPending
	}
	r.update(func(s *domain.ExecutionSnapshot) {
		s.Messages = append(s.Messages, msg)
		s.Pending = msg.ToolCalls
		if len(msg.ToolCalls) == 0 {
			s.FinalMessage = msg.Content
		}
	})
	if len(msg.ToolCalls) == 0 {
		return m.transition(ctx, r, domain.ExecutionStateCompleting)
	}
	m.checkpoint(ctx, r, false)
	return nil
}

type delegateArgs struct {
	AgentID string            `json:"agent_id"`
	Task    string            `json:"task"`
	Context map[string]string `json:"context,omitempty"`
}

func parseDelegateArgs(call domain.ToolCall) (delegateArgs, error) {
	var args delegateArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return args, fmt.Errorf("invalid delegate arguments: %w", err)
	}
	if args.AgentID == "" {
		return args, errors.New("invalid delegate arguments: agent_id is required")
	}
	return args, nil
}

func (m *Manager) toolsFor(p *plan.Plan) []domain.ToolSpec {
	specs := append([]domain.ToolSpec(nil), p.Tools...)
	if p.CanDelegate() {
		specs = append(specs, delegateSpec(p))
	}
	return specs
}

func delegateSpec(p *plan.Plan) domain.ToolSpec {
	ids := make([]string, 0, len(p.Delegates))
	var desc strings.Builder
	desc.WriteString("Hand a self-contained task to another agent. It will not see this conversation. Agents:")
	for _, d := range p.Delegates {
		ids = append(ids, d.ID)
		fmt.Fprintf(&desc, "\n- %s (%s): %s", d.ID, d.Name, d.Description)
	}
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{"type": "string", "enum": ids},
			"task":     map[string]any{"type": "string", "description": "Complete instructions for the agent."},
			"context": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"agent_id", "task"},
	})
	return domain.ToolSpec{Name: domain.DelegateToolName, Description: desc.String(), Schema: schema}
}

// processPending settles the pending batch: policy checks, tool dispatch,
// delegations, then either an interrupt or the merge of all results into
// the conversation. Calls already committed are skipped, which is what
// makes resuming safe.
func (m *Manager) processPending(ctx context.Context, r *run) error {
	snap := r.view()
	var (
		allowed, approvals, delegations []domain.ToolCall
		reasons                         []string
	)
	for _, call := range snap.Pending {
		if _, done := snap.Committed[call.ID]; done {
			continue
		}
		switch {
		case call.IsDelegation():
			delegations = append(delegations, call)
		case snap.Approved[call.ID]:
			allowed = append(allowed, call)
		default:
			if _, ok := r.plan.Tool(call.Name); !ok {
				m.commitEmit(r, domain.NewFailedResult(call, domain.ToolErrorCodeUnknownTool,
					fmt.Sprintf("tool %q is not available to agent %s", call.Name, snap.Execution.AgentID)))
				continue
			}
			decision := m.evaluate(ctx, snap, call)
			switch decision.Decision {
			case policy.DecisionBlock:
				reason := decision.Reason
				if reason == "" {
					reason = "blocked by policy"
				}
				m.commitEmit(r, domain.NewFailedResult(call, domain.ToolErrorCodeBlocked, reason))
			case policy.DecisionRequireApproval:
				approvals = append(approvals, call)
				if decision.Reason != "" {
					reasons = append(reasons, decision.Reason)
				}
			default:
				allowed = append(allowed, call)
			}
		}
	}

	if len(allowed) > 0 {
		m.runTools(ctx, r, allowed)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
	if len(delegations) > 0 {
		if err := m.runDelegations(ctx, r, delegations); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if r.state() == domain.ExecutionStateAwaitingInput {
		return nil
	}
	if len(approvals) > 0 {
		reason := strings.Join(reasons, "; ")
		if reason == "" {
			reason = "tool calls require approval"
		}
		return m.raise(ctx, r, domain.ApprovalPayload{
			AgentID:   snap.Execution.AgentID,
			Reason:    reason,
			ToolCalls: approvals,
		}, "")
	}
	return m.merge(ctx, r)
}

func (m *Manager) commitEmit(r *run, res domain.ToolResult) {
	r.commit(res)
	m.emit(r, domain.EventTypeToolFinished, finishedPayload(res))
}

func (m *Manager) evaluate(ctx context.Context, snap domain.ExecutionSnapshot, call domain.ToolCall) policy.Result {
	if m.oc.Policy == nil {
		return policy.Result{Decision: policy.DecisionAllow}
	}
	res, err := m.oc.Policy.Evaluate(ctx, policy.Input{
		AgentID:  snap.Execution.AgentID,
		ToolName: call.Name,
		Args:     call.Args,
		UserID:   snap.UserID,
		Depth:    snap.Execution.Depth,
	})
	if err != nil {
		log.Errorf("policy evaluation for %s failed: %v", call.Name, err)
		return policy.Result{Decision: policy.DecisionBlock, Reason: "policy evaluation failed"}
	}
	return res
}

func (m *Manager) runTools(ctx context.Context, r *run, calls []domain.ToolCall) {
	exec := r.execution()
	timeout, err := m.oc.Budget.AllocateTimeout(exec.Deadline, domain.LayerTool, 0)
	if err != nil {
		for _, call := range calls {
			m.commitEmit(r, domain.NewFailedResult(call, domain.ToolErrorCodeBudgetExceeded, err.Error()))
		}
		return
	}
	results := m.oc.Dispatcher.Dispatch(ctx, calls, timeout, m.oc.Config.MaxToolConcurrency, toolObserver{m: m, r: r})
	suspending := shuttingDown(ctx)
	committed := 0
	for _, res := range results {
		if suspending && res.Error != nil && res.Error.Code == domain.ToolErrorCodeCancelled {
			// Interrupted by shutdown; the call stays pending and runs again on resume.
			continue
		}
		r.commit(res)
		committed++
	}
	if suspending && committed == 0 {
		return
	}
	m.checkpoint(ctx, r, suspending)
}

// shuttingDown reports whether ctx ended because the engine is closing.
func shuttingDown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errShutdown)
}

// runDelegations starts new children and settles children from earlier
// segments. A child parked awaiting input parks this execution too.
func (m *Manager) runDelegations(ctx context.Context, r *run, calls []domain.ToolCall) error {
	if r.state() != domain.ExecutionStateDelegating {
		if err := m.transition(ctx, r, domain.ExecutionStateDelegating); err != nil {
			return err
		}
	}
	snap := r.view()
	exec := snap.Execution

	var (
		reqs     []domain.DelegationRequest
		awaiting []string
	)
	for _, call := range calls {
		args, argErr := parseDelegateArgs(call)

		if childID := snap.Children[call.ID]; childID != "" {
			var resp *domain.ResumeResponse
			if childID == snap.AwaitingChild {
				resp = snap.ChildResponse
			}
			started := m.oc.Budget.Now()
			res, err := m.settleChild(ctx, childID, resp)
			if err == nil && res.State == domain.ExecutionStateAwaitingInput {
				awaiting = append(awaiting, childID)
				continue
			}
			if (err == nil && !res.State.IsTerminal()) || (err != nil && shuttingDown(ctx)) {
				// The child was suspended; settle it again on resume.
				continue
			}
			req := domain.DelegationRequest{
				FromAgentID:       exec.AgentID,
				ToAgentID:         args.AgentID,
				ParentExecutionID: exec.ExecutionID,
				ToolCallID:        call.ID,
			}
			m.commitEmit(r, m.coord.Convert(req, started, res, err))
			continue
		}

		if argErr != nil {
			m.commitEmit(r, domain.NewFailedResult(call, domain.ToolErrorCodeDelegationFailed, argErr.Error()))
			continue
		}
		req, err := m.coord.NewRequest(r.plan, exec, args.AgentID, m.coord.BuildTask(args.Task, args.Context), call.ID)
		if err != nil {
			code := domain.ToolErrorCodeDelegationFailed
			switch {
			case errors.Is(err, domain.ErrDelegationDepthExceeded):
				code = domain.ToolErrorCodeDepthExceeded
			case errors.Is(err, domain.ErrBudgetExceeded):
				code = domain.ToolErrorCodeBudgetExceeded
			}
			m.oc.Metrics.Delegation(args.AgentID, "rejected")
			m.commitEmit(r, domain.NewFailedResult(call, code, err.Error()))
			continue
		}
		m.emit(r, domain.EventTypeDelegating, domain.DelegatingPayload{
			FromAgentID:     req.FromAgentID,
			ToAgentID:       req.ToAgentID,
			TaskDescription: req.TaskDescription,
			Depth:           req.Depth,
			TimeoutMs:       req.TimeoutMs,
		})
		reqs = append(reqs, req)
	}
	r.update(func(s *domain.ExecutionSnapshot) {
		s.AwaitingChild = ""
		s.ChildResponse = nil
	})

	for _, out := range m.coord.DelegateAll(ctx, exec, reqs) {
		if out.AwaitingInput() {
			awaiting = append(awaiting, out.Child.ExecutionID)
			continue
		}
		if out.Suspended() || (out.Child == nil && shuttingDown(ctx)) {
			// Left pending; a started child is recorded in Children and
			// continues on resume.
			continue
		}
		m.commitEmit(r, out.Result)
	}

	if err := m.transition(ctx, r, domain.ExecutionStateExecuting); err != nil {
		return err
	}
	m.checkpoint(ctx, r, true)
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if len(awaiting) > 0 {
		return m.raiseForChild(ctx, r, awaiting[0])
	}
	return nil
}

// settleChild brings an existing child to a settled state, answering its
// interrupt with resp when one is given.
func (m *Manager) settleChild(ctx context.Context, childID string, resp *domain.ResumeResponse) (domain.ExecutionResult, error) {
	child, err := m.load(ctx, childID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	select {
	case <-child.idleChan():
	case <-ctx.Done():
		return domain.ExecutionResult{}, context.Cause(ctx)
	}
	switch state := child.state(); {
	case state.IsTerminal():
		return m.resultOf(child.view()), nil
	case state == domain.ExecutionStateAwaitingInput:
		if resp == nil {
			return m.resultOf(child.view()), nil
		}
		if err := m.applyResponse(ctx, child, *resp); err != nil {
			return domain.ExecutionResult{}, err
		}
	}
	if err := m.driveInline(ctx, child); err != nil {
		return domain.ExecutionResult{}, err
	}
	return m.resultOf(child.view()), nil
}

func (m *Manager) raiseForChild(ctx context.Context, r *run, childID string) error {
	child, err := m.load(ctx, childID)
	if err != nil {
		return err
	}
	cs := child.view()
	payload := domain.ApprovalPayload{
		AgentID:          r.execution().AgentID,
		Reason:           fmt.Sprintf("delegated agent %s is waiting for input", cs.Execution.AgentID),
		ChildExecutionID: childID,
	}
	if cs.Interrupt != nil {
		payload.ChildPayload = cs.Interrupt.Payload
	}
	return m.raise(ctx, r, payload, childID)
}

// raise parks r awaiting input.
func (m *Manager) raise(ctx context.Context, r *run, payload domain.ApprovalPayload, childID string) error {
	if r.state() == domain.ExecutionStateDelegating {
		if err := m.transition(ctx, r, domain.ExecutionStateExecuting); err != nil {
			return err
		}
	}
	in, err := m.oc.Interrupts.Raise(ctx, r.execution(), payload)
	if err != nil {
		return err
	}
	r.update(func(s *domain.ExecutionSnapshot) {
		s.Interrupt = in
		s.AwaitingChild = childID
		s.ChildResponse = nil
	})
	if err := m.transition(ctx, r, domain.ExecutionStateAwaitingInput); err != nil {
		return err
	}
	m.emit(r, domain.EventTypeInterruptRaised, domain.InterruptPayload{
		InterruptID: in.InterruptID,
		Payload:     in.Payload,
	})
	m.checkpoint(ctx, r, true)
	log.Infof("execution %s awaiting input: %s", r.id, payload.Reason)
	return nil
}

// applyResponse resolves the open interrupt of r and moves it back to
// executing. Rejected tool calls are committed as failures so the model
// sees the refusal.
func (m *Manager) applyResponse(ctx context.Context, r *run, resp domain.ResumeResponse) error {
	snap := r.view()
	switch state := snap.Execution.State; {
	case state.IsTerminal():
		return fmt.Errorf("%w: %s", domain.ErrExecutionTerminal, r.id)
	case state != domain.ExecutionStateAwaitingInput:
		return fmt.Errorf("%w: %s is %s", domain.ErrNotAwaitingInput, r.id, state)
	}

	in, err := m.oc.Interrupts.Resolve(ctx, r.id, resp)
	if errors.Is(err, domain.ErrInterruptNotFound) && snap.Interrupt != nil {
		m.oc.Interrupts.Restore(*snap.Interrupt)
		in, err = m.oc.Interrupts.Resolve(ctx, r.id, resp)
	}
	if err != nil {
		return err
	}

	var rejected []domain.ToolResult
	r.update(func(s *domain.ExecutionSnapshot) {
		s.Interrupt = in
		if s.AwaitingChild != "" {
			s.ChildResponse = &resp
			return
		}
		var payload domain.ApprovalPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			log.Warnf("unreadable interrupt payload on %s: %v", r.id, err)
		}
		if s.Approved == nil {
			s.Approved = make(map[string]bool)
		}
		for _, call := range payload.ToolCalls {
			if resp.Approved {
				s.Approved[call.ID] = true
				continue
			}
			reason := resp.Reason
			if reason == "" {
				reason = "rejected by user"
			}
			res := domain.NewFailedResult(call, domain.ToolErrorCodeRejected, reason)
			s.Committed[call.ID] = res
			rejected = append(rejected, res)
		}
	})
	m.emit(r, domain.EventTypeInterruptResolved, domain.InterruptPayload{
		InterruptID: in.InterruptID,
		Response:    &resp,
	})
	for _, res := range rejected {
		m.emit(r, domain.EventTypeToolFinished, finishedPayload(res))
	}
	if err := m.transition(ctx, r, domain.ExecutionStateExecuting); err != nil {
		return err
	}
	m.checkpoint(ctx, r, true)
	return nil
}

// merge appends one tool message per pending call, in call order, once
// every call has a committed result.
func (m *Manager) merge(ctx context.Context, r *run) error {
	var missing []string
	r.update(func(s *domain.ExecutionSnapshot) {
		for _, call := range s.Pending {
			if _, ok := s.Committed[call.ID]; !ok {
				missing = append(missing, call.ID)
			}
		}
		if len(missing) > 0 {
			return
		}
		for _, call := range s.Pending {
			s.Messages = append(s.Messages, domain.Message{
				Role:       domain.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    s.Committed[call.ID].Content(),
			})
		}
		s.Pending = nil
		s.Approved = nil
		s.Children = nil
		s.Step++
	})
	if len(missing) > 0 {
		return fmt.Errorf("tool calls %s have no result", strings.Join(missing, ", "))
	}
	m.checkpoint(ctx, r, false)
	return nil
}
