// Package interrupt tracks human-in-the-loop pauses of executions.
package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
)

// Store persists interrupts so a restarted process can resume them.
type Store interface {
	SaveInterrupt(ctx context.Context, in *domain.Interrupt) error
	GetLatestInterrupt(ctx context.Context, executionID string) (*domain.Interrupt, error)
}

type entry struct {
	interrupt domain.Interrupt
	done      chan struct{}
}

// Manager holds at most one open interrupt per execution. Raising never
// blocks; only WaitForResponse callers block, and always with a bound.
type Manager struct {
	store       Store
	metrics     *observability.Metrics
	defaultWait time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a manager. store and metrics may be nil.
func NewManager(store Store, defaultWait time.Duration, metrics *observability.Metrics) *Manager {
	if defaultWait <= 0 {
		defaultWait = 300 * time.Second
	}
	return &Manager{
		store:       store,
		metrics:     metrics,
		defaultWait: defaultWait,
		now:         time.Now,
		entries:     make(map[string]*entry),
	}
}

// Raise opens an interrupt for exec. Raising again while one is open
// returns the open interrupt.
func (m *Manager) Raise(ctx context.Context, exec domain.Execution, payload any) (*domain.Interrupt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode interrupt payload: %w", err)
	}

	m.mu.Lock()
	if e, ok := m.entries[exec.ExecutionID]; ok && e.interrupt.Status == domain.InterruptStatusRaised {
		in := e.interrupt
		m.mu.Unlock()
		return &in, nil
	}
	in := domain.Interrupt{
		InterruptID: "int_" + uuid.New().String(),
		ExecutionID: exec.ExecutionID,
		ThreadID:    exec.ThreadID,
		Payload:     raw,
		Status:      domain.InterruptStatusRaised,
		CreatedAt:   m.now(),
	}
	m.entries[exec.ExecutionID] = &entry{interrupt: in, done: make(chan struct{})}
	m.mu.Unlock()

	m.persist(ctx, &in)
	m.metrics.Interrupt("raised")
	return &in, nil
}

// Restore registers an interrupt loaded from a checkpoint.
func (m *Manager) Restore(in domain.Interrupt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &entry{interrupt: in, done: make(chan struct{})}
	if in.Status != domain.InterruptStatusRaised {
		close(e.done)
	}
	m.entries[in.ExecutionID] = e
}

// Get returns the latest interrupt of an execution.
func (m *Manager) Get(ctx context.Context, executionID string) (*domain.Interrupt, error) {
	m.mu.Lock()
	e, ok := m.entries[executionID]
	m.mu.Unlock()
	if ok {
		in := m.snapshot(e)
		return &in, nil
	}
	if m.store == nil {
		return nil, domain.ErrInterruptNotFound
	}
	return m.store.GetLatestInterrupt(ctx, executionID)
}

func (m *Manager) snapshot(e *entry) domain.Interrupt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.interrupt
}

// WaitForResponse blocks until the interrupt of executionID leaves the
// raised state, ctx ends, or timeout elapses. A zero timeout uses the
// manager default. On timeout it returns domain.ErrInterruptTimeout and the
// interrupt stays raised.
func (m *Manager) WaitForResponse(ctx context.Context, executionID string, timeout time.Duration) (*domain.Interrupt, error) {
	if timeout <= 0 {
		timeout = m.defaultWait
	}

	m.mu.Lock()
	e, ok := m.entries[executionID]
	m.mu.Unlock()
	if !ok {
		in, err := m.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if in.Status != domain.InterruptStatusRaised {
			return in, nil
		}
		m.Restore(*in)
		m.mu.Lock()
		e = m.entries[executionID]
		m.mu.Unlock()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		in := m.snapshot(e)
		return &in, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: execution %s after %s", domain.ErrInterruptTimeout, executionID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve records the human response and wakes waiters.
func (m *Manager) Resolve(ctx context.Context, executionID string, response domain.ResumeResponse) (*domain.Interrupt, error) {
	return m.finish(ctx, executionID, domain.InterruptStatusResolved, &response)
}

// Expire times out an open interrupt.
func (m *Manager) Expire(ctx context.Context, executionID string) (*domain.Interrupt, error) {
	return m.finish(ctx, executionID, domain.InterruptStatusTimedOut, nil)
}

func (m *Manager) finish(ctx context.Context, executionID string, status domain.InterruptStatus, response *domain.ResumeResponse) (*domain.Interrupt, error) {
	m.mu.Lock()
	_, ok := m.entries[executionID]
	m.mu.Unlock()
	if !ok {
		if m.store == nil {
			return nil, domain.ErrInterruptNotFound
		}
		in, err := m.store.GetLatestInterrupt(ctx, executionID)
		if err != nil {
			return nil, err
		}
		m.Restore(*in)
	}

	m.mu.Lock()
	e := m.entries[executionID]
	if e.interrupt.Status != domain.InterruptStatusRaised {
		m.mu.Unlock()
		return nil, domain.ErrInterruptResolved
	}
	now := m.now()
	e.interrupt.Status = status
	e.interrupt.ResolvedAt = &now
	e.interrupt.Resolved = status == domain.InterruptStatusResolved
	e.interrupt.Response = response
	in := e.interrupt
	close(e.done)
	m.mu.Unlock()

	m.persist(ctx, &in)
	m.metrics.Interrupt(string(status))
	return &in, nil
}

// Forget drops the in-memory record of an execution's interrupt.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, executionID)
}

func (m *Manager) persist(ctx context.Context, in *domain.Interrupt) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveInterrupt(context.WithoutCancel(ctx), in); err != nil {
		log.Warnf("failed to persist interrupt %s: %v", in.InterruptID, err)
	}
}

// IsTimeout reports whether err is a bounded-wait timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, domain.ErrInterruptTimeout)
}
