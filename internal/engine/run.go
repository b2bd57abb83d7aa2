package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/plan"
)

var (
	errShutdown = errors.New("engine shutting down")
	errRunBusy  = errors.New("execution is already running")
)

const (
	persistTimeout = 30 * time.Second
	// finishedRetention keeps finished runs answerable from memory.
	finishedRetention = time.Minute
)

// run is the in-memory state of one execution. snap is only written by
// the goroutine driving the run, or by control operations while it is not
// driving; mu guards readers on other goroutines.
type run struct {
	id       string
	threadID string
	plan     *plan.Plan
	events   *eventStream

	mu        sync.Mutex
	snap      domain.ExecutionSnapshot
	driving   bool
	finishing bool
	cancel    context.CancelCauseFunc
	idle      chan struct{}
}

func newRun(snap domain.ExecutionSnapshot, p *plan.Plan, events *eventStream) *run {
	idle := make(chan struct{})
	close(idle)
	if snap.Committed == nil {
		snap.Committed = make(map[string]domain.ToolResult)
	}
	return &run{
		id:       snap.Execution.ExecutionID,
		threadID: snap.Execution.ThreadID,
		plan:     p,
		events:   events,
		snap:     snap,
		idle:     idle,
	}
}

func (r *run) view() domain.ExecutionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSnapshot(r.snap)
}

func (r *run) update(f func(s *domain.ExecutionSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.snap)
}

func (r *run) state() domain.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Execution.State
}

func (r *run) execution() domain.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Execution
}

func (r *run) idleChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

func (r *run) commit(res domain.ToolResult) {
	r.update(func(s *domain.ExecutionSnapshot) {
		s.Committed[res.ToolCallID] = res
	})
}

func cloneSnapshot(s domain.ExecutionSnapshot) domain.ExecutionSnapshot {
	out := s
	out.Messages = append([]domain.Message(nil), s.Messages...)
	out.Pending = append([]domain.ToolCall(nil), s.Pending...)
	out.Committed = maps.Clone(s.Committed)
	out.Approved = maps.Clone(s.Approved)
	out.Children = maps.Clone(s.Children)
	if s.Interrupt != nil {
		in := *s.Interrupt
		out.Interrupt = &in
	}
	return out
}

func (m *Manager) resultOf(snap domain.ExecutionSnapshot) domain.ExecutionResult {
	res := domain.ExecutionResult{
		ExecutionID:  snap.Execution.ExecutionID,
		ThreadID:     snap.Execution.ThreadID,
		AgentID:      snap.Execution.AgentID,
		State:        snap.Execution.State,
		FinalMessage: snap.FinalMessage,
		Cause:        snap.Cause,
		RemainingMs:  m.oc.Budget.RemainingUntil(snap.Execution.Deadline).Milliseconds(),
	}
	if snap.Execution.State == domain.ExecutionStateAwaitingInput {
		res.Interrupt = snap.Interrupt
	}
	return res
}

// beginSegment marks r as driving and derives the context the segment runs
// under: bounded by the execution deadline and cancellable by Cancel. The
// returned func must be called when the segment ends.
func (m *Manager) beginSegment(parent context.Context, r *run) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.driving {
		return nil, nil, errRunBusy
	}
	deadlineCtx, stopDeadline := m.oc.Budget.WithDeadline(parent, r.snap.Execution.Deadline)
	ctx, cancel := context.WithCancelCause(deadlineCtx)
	idle := make(chan struct{})
	r.driving, r.cancel, r.idle = true, cancel, idle

	end := func() {
		r.mu.Lock()
		r.driving, r.cancel = false, nil
		r.mu.Unlock()
		cancel(nil)
		stopDeadline()
		close(idle)
	}
	return ctx, end, nil
}

// launch drives a top-level run on its own goroutine.
func (m *Manager) launch(r *run) error {
	ctx, end, err := m.beginSegment(m.base, r)
	if err != nil {
		return err
	}
	m.segments.Add(1)
	go func() {
		defer m.segments.Done()
		defer end()
		m.drive(ctx, r)
	}()
	return nil
}

// driveInline drives a child run on the caller's goroutine until it settles.
func (m *Manager) driveInline(parent context.Context, r *run) error {
	ctx, end, err := m.beginSegment(parent, r)
	if err != nil {
		return err
	}
	defer end()
	m.drive(ctx, r)
	return nil
}

func (m *Manager) transition(ctx context.Context, r *run, next domain.ExecutionState) error {
	r.mu.Lock()
	cur := r.snap.Execution.State
	if !cur.CanTransition(next) {
		r.mu.Unlock()
		return &domain.TransitionError{ExecutionID: r.id, From: cur, To: next}
	}
	r.snap.Execution.State = next
	r.snap.Execution.UpdatedAt = m.oc.Budget.Now()
	r.snap.Execution.BudgetRemainingMs = m.oc.Budget.RemainingUntil(r.snap.Execution.Deadline).Milliseconds()
	exec := r.snap.Execution
	cause := r.snap.Cause
	r.mu.Unlock()

	m.index(ctx, &exec, cause)
	return nil
}

func (m *Manager) index(ctx context.Context, exec *domain.Execution, cause string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.oc.Store.SaveExecution(ctx, exec, cause); err != nil {
		log.Warnf("failed to index execution %s: %v", exec.ExecutionID, err)
	}
}

// checkpoint persists the current snapshot. Non-critical writes are skipped
// in critical mode. A failed write flags the execution and the events that
// follow as at risk until a later write succeeds; the execution itself
// keeps going.
func (m *Manager) checkpoint(ctx context.Context, r *run, critical bool) error {
	if !critical && m.oc.criticalOnly() {
		return nil
	}
	snap := r.view()
	wasAtRisk := snap.Execution.UnpersistedRisk
	snap.Execution.UnpersistedRisk = false
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := m.oc.Checkpoints.Write(ctx, snap); err != nil {
		log.Errorf("checkpoint of execution %s failed: %v", r.id, err)
		r.update(func(s *domain.ExecutionSnapshot) {
			s.Execution.UnpersistedRisk = true
		})
		m.emit(r, domain.EventTypeCheckpointFailed, domain.CheckpointFailedPayload{
			Attempts: m.oc.Config.CheckpointRetry.MaxAttempts,
			Error:    err.Error(),
		})
		return err
	}
	if wasAtRisk {
		// The snapshot just written covers everything the failed write missed.
		r.update(func(s *domain.ExecutionSnapshot) {
			s.Execution.UnpersistedRisk = false
		})
	}
	return nil
}

// finish moves r to a terminal state, closes any open interrupt, writes the
// final checkpoint and emits the terminal event. A completed execution whose
// final checkpoint cannot be written is reported as failed instead.
func (m *Manager) finish(ctx context.Context, r *run, state domain.ExecutionState, cause string) {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	cur := r.snap.Execution.State
	if r.finishing || !cur.CanTransition(state) {
		r.mu.Unlock()
		log.Warnf("execution %s: ignoring %s in state %s", r.id, state, cur)
		return
	}
	r.finishing = true
	r.mu.Unlock()

	snap := r.view()
	if snap.AwaitingChild != "" {
		m.finishChild(ctx, snap.AwaitingChild, state, cause)
	}
	if snap.Interrupt != nil && snap.Interrupt.Status == domain.InterruptStatusRaised {
		if in, err := m.oc.Interrupts.Expire(ctx, r.id); err == nil {
			r.update(func(s *domain.ExecutionSnapshot) { s.Interrupt = in })
		} else {
			log.Warnf("failed to expire interrupt of %s: %v", r.id, err)
		}
	}
	m.oc.Interrupts.Forget(r.id)

	r.update(func(s *domain.ExecutionSnapshot) {
		if state != domain.ExecutionStateCompleted {
			s.Cause = cause
		}
		s.AwaitingChild = ""
		s.ChildResponse = nil
	})
	if err := m.transition(ctx, r, state); err != nil {
		log.Errorf("failed to finish execution %s: %v", r.id, err)
		return
	}
	if err := m.checkpoint(ctx, r, true); err != nil && state == domain.ExecutionStateCompleted {
		state = domain.ExecutionStateFailed
		r.update(func(s *domain.ExecutionSnapshot) {
			s.Execution.State = state
			s.Cause = fmt.Sprintf("final %v", domain.ErrCheckpointWriteFailure)
		})
		snap := r.view()
		m.index(ctx, &snap.Execution, snap.Cause)
		_ = m.checkpoint(ctx, r, true)
	}

	snap = r.view()
	m.emit(r, terminalEvent(state), domain.TerminalPayload{
		FinalMessage: snap.FinalMessage,
		Cause:        snap.Cause,
		RemainingMs:  m.oc.Budget.RemainingUntil(snap.Execution.Deadline).Milliseconds(),
	})
	m.oc.Metrics.ExecutionFinished(snap.Execution.AgentID, string(state), m.oc.Budget.Now().Sub(snap.Execution.CreatedAt))
	m.oc.Metrics.ExecutionTracked(-1)
	log.Infof("execution %s (%s) finished: %s %s", r.id, snap.Execution.AgentID, state, snap.Cause)

	m.release(r)
	r.events.close()
	go func() {
		<-r.events.done
		time.AfterFunc(finishedRetention, func() { m.evict(r) })
	}()
}

// finishChild ends a parked child together with its parent.
func (m *Manager) finishChild(ctx context.Context, childID string, state domain.ExecutionState, cause string) {
	child, err := m.load(ctx, childID)
	if err != nil {
		log.Warnf("failed to load child execution %s: %v", childID, err)
		return
	}
	child.mu.Lock()
	driving := child.driving
	child.mu.Unlock()
	if driving || child.state().IsTerminal() {
		return
	}
	m.finish(ctx, child, state, cause)
}

// detachedRun wraps a snapshot that is no longer driven, such as a
// finished execution loaded from its checkpoint.
func detachedRun(snap domain.ExecutionSnapshot) *run {
	events := newEventStream(1, 0)
	events.close()
	close(events.done)
	return newRun(snap, nil, events)
}

func terminalEvent(state domain.ExecutionState) domain.EventType {
	switch state {
	case domain.ExecutionStateCompleted:
		return domain.EventTypeCompleted
	case domain.ExecutionStateTimedOut:
		return domain.EventTypeTimedOut
	default:
		return domain.EventTypeFailed
	}
}
