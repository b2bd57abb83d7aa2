package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/conductor/internal/checkpoint"
	"github.com/xiaot623/conductor/internal/coordinator"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/plan"
)

// Manager owns every live execution of the process.
type Manager struct {
	oc    Context
	coord *coordinator.Coordinator

	base      context.Context
	stop      context.CancelCauseFunc
	segments  sync.WaitGroup
	recorders sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*run
	threads map[string]string
}

// NewManager creates a manager over oc.
func NewManager(oc Context) (*Manager, error) {
	if err := oc.validate(); err != nil {
		return nil, err
	}
	base, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		oc:      oc,
		base:    base,
		stop:    stop,
		runs:    make(map[string]*run),
		threads: make(map[string]string),
	}
	m.coord = coordinator.New(oc.Budget, oc.Model, m, coordinator.Options{
		MaxDepth:            oc.Config.MaxDelegationDepth,
		ConfidenceThreshold: oc.Config.DelegateConfidenceThreshold,
		MaxConcurrency:      oc.Config.MaxDelegationConcurrency,
	}, oc.Metrics)
	return m, nil
}

// Close suspends running executions at their last checkpoint and flushes
// pending events. Suspended executions continue with ResumeThread.
func (m *Manager) Close() {
	m.stop(errShutdown)
	m.segments.Wait()

	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.events.close()
	}
	m.recorders.Wait()
}

func (m *Manager) compile(ctx context.Context, agentID string) (*plan.Plan, error) {
	return m.oc.Cache.GetOrCompile(ctx, agentID, func(ctx context.Context) (*plan.Plan, error) {
		return m.oc.Compiler.Compile(ctx, agentID)
	})
}

// Start creates an execution of agentID on threadID and drives it in the
// background. An empty threadID starts a new thread. A thread runs at most
// one execution at a time; later executions on the same thread see the
// earlier user turns and answers.
//
// Unknown agents are an error. Any other compile failure yields an
// execution that is already failed.
func (m *Manager) Start(ctx context.Context, agentID, threadID string, input domain.Input) (domain.Execution, error) {
	if agentID == "" {
		return domain.Execution{}, errors.New("agent_id is required")
	}
	p, compileErr := m.compile(ctx, agentID)
	if compileErr != nil && errors.Is(compileErr, domain.ErrAgentNotFound) {
		return domain.Execution{}, compileErr
	}
	if threadID == "" {
		threadID = "thr_" + uuid.New().String()
	}
	history, err := m.threadHistory(ctx, threadID)
	if err != nil {
		return domain.Execution{}, err
	}
	deadline, err := m.oc.Budget.Allocate(time.Time{}, domain.LayerSupervisor)
	if err != nil {
		return domain.Execution{}, err
	}

	now := m.oc.Budget.Now()
	exec := domain.Execution{
		ExecutionID:       "exe_" + uuid.New().String(),
		ThreadID:          threadID,
		AgentID:           agentID,
		State:             domain.ExecutionStateCreated,
		Deadline:          deadline,
		BudgetRemainingMs: deadline.Sub(now).Milliseconds(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	r := newRun(domain.ExecutionSnapshot{
		Execution: exec,
		Input:     input,
		UserID:    userID(input),
	}, p, newEventStream(m.oc.Config.EventBufferSize, 0))
	if err := m.claimThread(threadID, r.id); err != nil {
		return domain.Execution{}, err
	}
	m.register(r)
	m.index(ctx, &exec, "")

	if compileErr == nil {
		compileErr = m.seed(r, history, plan.PromptData{Task: input.Content, Context: input.Context})
	}
	if compileErr != nil {
		log.Errorf("execution %s cannot start: %v", r.id, compileErr)
		m.finish(ctx, r, domain.ExecutionStateFailed, compileErr.Error())
		return r.execution(), nil
	}
	m.checkpoint(ctx, r, true)
	log.Infof("execution %s started: agent=%s thread=%s", r.id, agentID, threadID)

	if err := m.launch(r); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

func userID(input domain.Input) string {
	if id := input.Context["user_id"]; id != "" {
		return id
	}
	return "anonymous"
}

// threadHistory returns the conversation carried over from the thread's
// previous execution: user turns and final answers only.
func (m *Manager) threadHistory(ctx context.Context, threadID string) ([]domain.Message, error) {
	m.mu.Lock()
	_, busy := m.threads[threadID]
	m.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: %s", domain.ErrThreadBusy, threadID)
	}

	_, snap, err := m.oc.Checkpoints.Latest(ctx, threadID)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !snap.Execution.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s has unfinished execution %s", domain.ErrThreadBusy, threadID, snap.Execution.ExecutionID)
	}
	var history []domain.Message
	for _, msg := range snap.Messages {
		switch {
		case msg.Role == domain.RoleUser:
			history = append(history, msg)
		case msg.Role == domain.RoleAssistant && len(msg.ToolCalls) == 0 && msg.Content != "":
			history = append(history, msg)
		}
	}
	return history, nil
}

// seed renders the system prompt and the first user turn.
func (m *Manager) seed(r *run, history []domain.Message, data plan.PromptData) error {
	r.mu.Lock()
	data.Depth = r.snap.Execution.Depth
	r.mu.Unlock()
	prompt, err := r.plan.SystemPrompt(data)
	if err != nil {
		return err
	}
	var msgs []domain.Message
	if prompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: prompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: data.Task})
	r.update(func(s *domain.ExecutionSnapshot) {
		s.Messages = msgs
	})
	return nil
}

func (m *Manager) claimThread(threadID, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.threads[threadID]; ok && cur != executionID {
		return fmt.Errorf("%w: %s is running %s", domain.ErrThreadBusy, threadID, cur)
	}
	m.threads[threadID] = executionID
	return nil
}

func (m *Manager) release(r *run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threads[r.threadID] == r.id {
		delete(m.threads, r.threadID)
	}
}

func (m *Manager) evict(r *run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[r.id] == r {
		delete(m.runs, r.id)
	}
}

func (m *Manager) register(r *run) {
	m.mu.Lock()
	m.runs[r.id] = r
	m.mu.Unlock()
	m.recorders.Add(1)
	go m.record(r.events)
	m.oc.Metrics.ExecutionTracked(1)
}

func (m *Manager) get(executionID string) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[executionID]
	return r, ok
}

// load returns the live run of executionID, restoring it from its latest
// checkpoint when this process does not hold it. Finished executions come
// back detached and are never driven again.
func (m *Manager) load(ctx context.Context, executionID string) (*run, error) {
	if r, ok := m.get(executionID); ok {
		return r, nil
	}
	snap, err := m.snapshotOf(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if snap.Execution.State.IsTerminal() {
		return detachedRun(*snap), nil
	}
	return m.restore(ctx, *snap)
}

// snapshotOf finds the newest checkpoint written by executionID. Threads
// may hold several executions, so the thread's latest checkpoint is not
// always the right one.
func (m *Manager) snapshotOf(ctx context.Context, executionID string) (*domain.ExecutionSnapshot, error) {
	exec, err := m.oc.Store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	_, snap, err := m.oc.Checkpoints.Latest(ctx, exec.ThreadID)
	if err != nil {
		return nil, err
	}
	if snap.Execution.ExecutionID == executionID {
		return snap, nil
	}
	cps, err := m.oc.Checkpoints.List(ctx, exec.ThreadID)
	if err != nil {
		return nil, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Metadata[domain.MetaExecutionID] == executionID {
			return checkpoint.Decode(&cps[i])
		}
	}
	return nil, fmt.Errorf("%w: execution %s", domain.ErrCheckpointNotFound, executionID)
}

func (m *Manager) restore(ctx context.Context, snap domain.ExecutionSnapshot) (*run, error) {
	p, err := m.compile(ctx, snap.Execution.AgentID)
	if err != nil {
		return nil, err
	}
	lastSeq, err := m.oc.Store.LastEventSeq(ctx, snap.Execution.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	r := newRun(snap, p, newEventStream(m.oc.Config.EventBufferSize, lastSeq))

	m.mu.Lock()
	if existing, ok := m.runs[r.id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	if _, ok := m.threads[r.threadID]; !ok {
		m.threads[r.threadID] = r.id
	}
	m.mu.Unlock()
	m.register(r)

	if snap.Interrupt != nil && snap.Interrupt.Status == domain.InterruptStatusRaised {
		m.oc.Interrupts.Restore(*snap.Interrupt)
	}
	log.Infof("execution %s restored in state %s", r.id, snap.Execution.State)
	return r, nil
}

// Resume answers the open interrupt of a top-level execution and continues
// it in the background. Tool calls committed before the pause are not run
// again.
func (m *Manager) Resume(ctx context.Context, executionID string, response domain.ResumeResponse) (domain.Execution, error) {
	r, err := m.load(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec := r.execution(); !exec.IsTopLevel() {
		return domain.Execution{}, fmt.Errorf("%w: %s is delegated, resume %s instead", domain.ErrNotAwaitingInput, executionID, exec.ParentExecutionID)
	}
	select {
	case <-r.idleChan():
	case <-ctx.Done():
		return domain.Execution{}, ctx.Err()
	}
	if err := m.applyResponse(ctx, r, response); err != nil {
		return domain.Execution{}, err
	}
	if err := m.launch(r); err != nil {
		return domain.Execution{}, err
	}
	return r.execution(), nil
}

// ResumeThread continues the unfinished execution at the head of threadID,
// for example after a restart. Executions awaiting input stay parked until
// Resume.
func (m *Manager) ResumeThread(ctx context.Context, threadID string) (domain.Execution, error) {
	_, snap, err := m.oc.Checkpoints.Latest(ctx, threadID)
	if err != nil {
		return domain.Execution{}, err
	}
	if snap.Execution.State.IsTerminal() {
		return snap.Execution, fmt.Errorf("%w: %s", domain.ErrExecutionTerminal, snap.Execution.ExecutionID)
	}
	if !snap.Execution.IsTopLevel() {
		return domain.Execution{}, fmt.Errorf("thread %s belongs to delegated execution %s", threadID, snap.Execution.ExecutionID)
	}
	r, err := m.load(ctx, snap.Execution.ExecutionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if r.state() == domain.ExecutionStateAwaitingInput {
		return r.execution(), nil
	}
	if err := m.launch(r); err != nil && !errors.Is(err, errRunBusy) {
		return domain.Execution{}, err
	}
	return r.execution(), nil
}

// Cancel stops an execution. It ends failed with cause "cancelled by
// caller"; a child parked on its behalf is cancelled as well.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	r, err := m.load(ctx, executionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.snap.Execution.State.IsTerminal() || r.finishing {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrExecutionTerminal, executionID)
	}
	if r.driving {
		cancel := r.cancel
		r.mu.Unlock()
		cancel(domain.ErrCancelled)
		log.Infof("execution %s cancellation requested", executionID)
		return nil
	}
	r.mu.Unlock()
	m.finish(ctx, r, domain.ExecutionStateFailed, domain.ErrCancelled.Error())
	return nil
}

// Wait blocks until the execution settles: finished, or parked awaiting
// input. When it finished, its events are all persisted before Wait
// returns. If ctx ends first the current result is returned with ctx's
// error.
func (m *Manager) Wait(ctx context.Context, executionID string) (domain.ExecutionResult, error) {
	r, err := m.load(ctx, executionID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	select {
	case <-r.idleChan():
	case <-ctx.Done():
		return m.resultOf(r.view()), ctx.Err()
	}
	if r.state().IsTerminal() {
		select {
		case <-r.events.done:
		case <-ctx.Done():
			return m.resultOf(r.view()), ctx.Err()
		}
	}
	return m.resultOf(r.view()), nil
}

// Result reports the current outcome without blocking.
func (m *Manager) Result(ctx context.Context, executionID string) (domain.ExecutionResult, error) {
	if r, ok := m.get(executionID); ok {
		return m.resultOf(r.view()), nil
	}
	snap, err := m.snapshotOf(ctx, executionID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return m.resultOf(*snap), nil
}

// GetExecution returns the execution record.
func (m *Manager) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	if r, ok := m.get(executionID); ok {
		exec := r.execution()
		return &exec, nil
	}
	return m.oc.Store.GetExecution(ctx, executionID)
}

// GetState summarizes the latest checkpoint of a thread.
func (m *Manager) GetState(ctx context.Context, threadID string) (*domain.CheckpointSummary, error) {
	return m.oc.Checkpoints.Summary(ctx, threadID)
}

// ListCheckpoints returns a thread's checkpoints, oldest first.
func (m *Manager) ListCheckpoints(ctx context.Context, threadID string) ([]domain.Checkpoint, error) {
	return m.oc.Checkpoints.List(ctx, threadID)
}

// Events returns persisted events of an execution after afterSeq.
func (m *Manager) Events(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	return m.oc.Store.GetEvents(ctx, executionID, afterSeq, types, limit)
}

// WaitForResponse blocks until the open interrupt of executionID is
// answered or expires, for at most timeout.
func (m *Manager) WaitForResponse(ctx context.Context, executionID string, timeout time.Duration) (*domain.Interrupt, error) {
	return m.oc.Interrupts.WaitForResponse(ctx, executionID, timeout)
}

// InvalidateAgent drops the cached plan of agentID, or of every agent when
// agentID is empty. Running executions keep the plan they started with.
func (m *Manager) InvalidateAgent(agentID string) {
	if agentID == "" {
		m.oc.Cache.InvalidateAll()
		return
	}
	m.oc.Cache.Invalidate(agentID)
}

// RunChild implements coordinator.ChildRunner. The child runs on the
// caller's goroutine, on its own thread, and only sees the delegated task.
// Its own deadline is a sub-agent layer allocation inside the delegation
// deadline.
func (m *Manager) RunChild(ctx context.Context, parent domain.Execution, req domain.DelegationRequest, delegationDeadline time.Time) (domain.ExecutionResult, error) {
	deadline, err := m.oc.Budget.Allocate(delegationDeadline, domain.LayerSubagent)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	p, err := m.compile(ctx, req.ToAgentID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	parentRun, ok := m.get(parent.ExecutionID)
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("%w: parent %s", domain.ErrExecutionNotFound, parent.ExecutionID)
	}
	uid := parentRun.view().UserID

	now := m.oc.Budget.Now()
	childID := "exe_" + uuid.New().String()
	exec := domain.Execution{
		ExecutionID:       childID,
		ThreadID:          parent.ThreadID + ":" + childID,
		AgentID:           req.ToAgentID,
		ParentExecutionID: parent.ExecutionID,
		Depth:             req.Depth,
		State:             domain.ExecutionStateCreated,
		Deadline:          deadline,
		BudgetRemainingMs: deadline.Sub(now).Milliseconds(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	r := newRun(domain.ExecutionSnapshot{
		Execution: exec,
		Input:     domain.Input{Content: req.TaskDescription},
		UserID:    uid,
	}, p, newEventStream(m.oc.Config.EventBufferSize, 0))
	if err := m.claimThread(exec.ThreadID, childID); err != nil {
		return domain.ExecutionResult{}, err
	}
	m.register(r)
	m.index(ctx, &exec, "")
	parentRun.update(func(s *domain.ExecutionSnapshot) {
		if s.Children == nil {
			s.Children = make(map[string]string)
		}
		s.Children[req.ToolCallID] = childID
	})

	if err := m.seed(r, nil, plan.PromptData{Task: req.TaskDescription}); err != nil {
		m.finish(ctx, r, domain.ExecutionStateFailed, err.Error())
		return m.resultOf(r.view()), nil
	}
	m.checkpoint(ctx, r, true)
	log.Infof("execution %s delegated to %s as %s (depth %d)", parent.ExecutionID, req.ToAgentID, childID, req.Depth)

	if err := m.driveInline(ctx, r); err != nil {
		return domain.ExecutionResult{}, err
	}
	return m.resultOf(r.view()), nil
}
