package engine

import (
	"context"
	"time"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

const (
	defaultSweepInterval = 500 * time.Millisecond
	sweepBatch           = 100
)

// RunDeadlineMonitor times out executions whose budget ran out while
// nothing was driving them, such as executions parked awaiting input.
// Driven executions enforce their own deadline through their context.
func (m *Manager) RunDeadlineMonitor(ctx context.Context) {
	interval := m.oc.Config.DeadlineSweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepDeadlines(ctx)
		}
	}
}

func (m *Manager) sweepDeadlines(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	m.mu.Lock()
	live := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		live = append(live, r)
	}
	m.mu.Unlock()

	for _, r := range live {
		m.expireIfIdle(sweepCtx, r)
	}

	expired, err := m.oc.Store.ListExpiredExecutions(sweepCtx, m.oc.Budget.Now(), sweepBatch)
	if err != nil {
		log.Errorf("failed to list expired executions: %v", err)
		return
	}
	for _, exec := range expired {
		if _, ok := m.get(exec.ExecutionID); ok {
			continue
		}
		r, err := m.load(sweepCtx, exec.ExecutionID)
		if err != nil {
			log.Warnf("execution %s expired but cannot be restored: %v", exec.ExecutionID, err)
			exec.State = domain.ExecutionStateTimedOut
			m.index(sweepCtx, &exec, domain.ErrBudgetExceeded.Error())
			continue
		}
		m.expireIfIdle(sweepCtx, r)
	}
}

func (m *Manager) expireIfIdle(ctx context.Context, r *run) {
	r.mu.Lock()
	driving := r.driving
	exec := r.snap.Execution
	r.mu.Unlock()
	if driving || exec.State.IsTerminal() || !m.oc.Budget.Expired(exec.Deadline) {
		return
	}
	log.Warnf("execution %s exceeded its deadline while %s", exec.ExecutionID, exec.State)
	m.finish(ctx, r, domain.ExecutionStateTimedOut, "budget exceeded while "+string(exec.State))
}
