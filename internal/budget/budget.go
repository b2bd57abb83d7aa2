// Package budget allocates and reports nested execution deadlines.
//
// Every layer of the hierarchy (supervisor, delegation, sub-agent, tool)
// receives a deadline strictly earlier than its parent's. The manager is
// the authority consulted before starting new work; it never cancels work
// itself, callers derive contexts from the deadlines it hands out.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/conductor/internal/config"
	"github.com/xiaot623/conductor/internal/domain"
)

// Manager allocates child deadlines from parent deadlines.
type Manager struct {
	defaults   config.LayerDurations
	minMargins config.LayerDurations
	ratio      float64
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a budget manager from the timeout configuration.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		defaults:   cfg.Timeouts,
		minMargins: cfg.MinMargins,
		ratio:      cfg.MarginRatio,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// DefaultFor returns the default duration of a layer.
func (m *Manager) DefaultFor(layer domain.Layer) time.Duration {
	return m.defaults.For(layer)
}

// MarginFor returns the minimum gap a child deadline keeps from its parent
// given how much time the parent has left.
func (m *Manager) MarginFor(layer domain.Layer, parentRemaining time.Duration) time.Duration {
	margin := m.minMargins.For(layer)
	if proportional := time.Duration(float64(parentRemaining) * m.ratio); proportional > margin {
		margin = proportional
	}
	return margin
}

// Allocate returns a deadline for a child at the given layer. A zero parent
// deadline means the child is top-level and only the layer default applies.
func (m *Manager) Allocate(parentDeadline time.Time, layer domain.Layer) (time.Time, error) {
	now := m.now()
	d := m.defaults.For(layer)
	if d <= 0 {
		return time.Time{}, fmt.Errorf("no default timeout for layer %q", layer)
	}
	child := now.Add(d)
	if parentDeadline.IsZero() {
		return child, nil
	}

	remaining := parentDeadline.Sub(now)
	if remaining <= 0 {
		return time.Time{}, fmt.Errorf("%w: parent deadline already passed", domain.ErrBudgetExceeded)
	}
	ceiling := parentDeadline.Add(-m.MarginFor(layer, remaining))
	if !ceiling.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s left is within the %s margin", domain.ErrBudgetExceeded, remaining.Round(time.Millisecond), layer)
	}
	if child.After(ceiling) {
		child = ceiling
	}
	return child, nil
}

// AllocateTimeout is Allocate expressed as a duration from now, capped at
// max when max is positive.
func (m *Manager) AllocateTimeout(parentDeadline time.Time, layer domain.Layer, max time.Duration) (time.Duration, error) {
	deadline, err := m.Allocate(parentDeadline, layer)
	if err != nil {
		return 0, err
	}
	timeout := deadline.Sub(m.now())
	if max > 0 && max < timeout {
		timeout = max
	}
	return timeout, nil
}

// RemainingUntil returns the time left before deadline, never negative.
func (m *Manager) RemainingUntil(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	left := deadline.Sub(m.now())
	if left < 0 {
		return 0
	}
	return left
}

// Remaining reports the time an execution has left.
func (m *Manager) Remaining(exec *domain.Execution) time.Duration {
	return m.RemainingUntil(exec.Deadline)
}

// Expired reports whether the deadline has passed.
func (m *Manager) Expired(deadline time.Time) bool {
	return !deadline.IsZero() && !m.now().Before(deadline)
}

// WithDeadline derives a context that is cancelled with ErrBudgetExceeded as
// its cause once the deadline passes.
func (m *Manager) WithDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadlineCause(ctx, deadline, domain.ErrBudgetExceeded)
}
