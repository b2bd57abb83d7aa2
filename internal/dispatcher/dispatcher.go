// Package dispatcher runs batches of tool calls concurrently with per-call
// timeouts and error isolation.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
)

// Executor runs a single tool by name.
type Executor interface {
	Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// Observer is notified as calls in a batch start and finish. Callbacks run on
// worker goroutines and must be safe for concurrent use.
type Observer interface {
	ToolStarted(call domain.ToolCall)
	ToolFinished(result domain.ToolResult)
}

// Dispatcher executes tool call batches.
type Dispatcher struct {
	exec     Executor
	metrics  *observability.Metrics
	now      func() time.Time
	timeouts func(toolName string) time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records per-call metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithCallTimeouts caps each call by a per-tool timeout. A zero result
// leaves the batch timeout in place.
func WithCallTimeouts(f func(toolName string) time.Duration) Option {
	return func(d *Dispatcher) { d.timeouts = f }
}

// WithClock overrides the time source used for call timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher over exec.
func New(exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{exec: exec, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs every call concurrently, at most maxConcurrent at a time,
// and returns one result per call in input order. A failing, panicking or
// timed out call never affects its siblings. perCallTimeout is clipped to the
// deadline of ctx; zero means only ctx bounds the call.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []domain.ToolCall, perCallTimeout time.Duration, maxConcurrent int, obs Observer) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}
	if maxConcurrent <= 0 || maxConcurrent > len(calls) {
		maxConcurrent = len(calls)
	}

	pool, err := ants.NewPool(maxConcurrent, ants.WithPanicHandler(func(p any) {
		log.Errorf("tool worker panic: %v", p)
	}))
	if err != nil {
		log.Errorf("failed to create tool pool: %v", err)
		for i, call := range calls {
			results[i] = domain.NewFailedResult(call, domain.ToolErrorCodeError, fmt.Sprintf("failed to create worker pool: %v", err))
		}
		return results
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			results[i] = d.runOne(ctx, calls[i], perCallTimeout, obs)
		})
		if submitErr != nil {
			wg.Done()
			results[i] = domain.NewFailedResult(calls[i], domain.ToolErrorCodeError, fmt.Sprintf("failed to schedule tool call: %v", submitErr))
		}
	}
	wg.Wait()
	return results
}

type outcome struct {
	result json.RawMessage
	err    error
}

func (d *Dispatcher) runOne(parent context.Context, call domain.ToolCall, timeout time.Duration, obs Observer) domain.ToolResult {
	startedAt := d.now()
	call.Status = domain.ToolCallStatusRunning
	call.StartedAt = &startedAt
	if obs != nil {
		obs.ToolStarted(call)
	}

	if d.timeouts != nil {
		if t := d.timeouts(call.Name); t > 0 && (timeout <= 0 || t < timeout) {
			timeout = t
		}
	}
	ctx, span := observability.StartSpan(parent, "tool.call",
		attribute.String("tool_name", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())
				done <- outcome{err: &domain.ToolError{Code: domain.ToolErrorCodePanic, Message: fmt.Sprint(r)}}
			}
		}()
		res, err := d.exec.Execute(ctx, call.Name, call.Args)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		if out.err != nil && ctx.Err() != nil {
			out.err = ctxError(parent, ctx)
		}
	case <-ctx.Done():
		out = outcome{err: ctxError(parent, ctx)}
	}

	result := domain.ToolResult{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		StartedAt:   startedAt,
		CompletedAt: d.now(),
	}
	if out.err != nil {
		result.Status = domain.ToolCallStatusFailed
		result.Error = toToolError(out.err)
	} else {
		result.Status = domain.ToolCallStatusSucceeded
		result.Result = out.result
		if len(result.Result) == 0 {
			result.Result = json.RawMessage(`null`)
		}
	}

	code := ""
	if result.Error != nil {
		code = result.Error.Code
	}
	d.metrics.ToolCall(call.Name, string(result.Status), code, result.Duration())
	if obs != nil {
		obs.ToolFinished(result)
	}
	return result
}

func callContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	if dl, ok := parent.Deadline(); ok && time.Until(dl) < timeout {
		// The parent's deadline is tighter; it is surfaced as a budget failure.
		return context.WithCancel(parent)
	}
	return context.WithTimeoutCause(parent, timeout, domain.ErrToolTimeout)
}

// ctxError classifies why a call context ended.
func ctxError(parent, ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrToolTimeout):
		return &domain.ToolError{Code: domain.ToolErrorCodeTimeout, Message: domain.ErrToolTimeout.Error()}
	case errors.Is(context.Cause(parent), domain.ErrBudgetExceeded),
		errors.Is(parent.Err(), context.DeadlineExceeded):
		return &domain.ToolError{Code: domain.ToolErrorCodeBudgetExceeded, Message: domain.ErrBudgetExceeded.Error()}
	default:
		return &domain.ToolError{Code: domain.ToolErrorCodeCancelled, Message: fmt.Sprintf("tool call cancelled: %v", cause)}
	}
}

func toToolError(err error) *domain.ToolError {
	var te *domain.ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ToolError{Code: domain.ToolErrorCodeTimeout, Message: err.Error()}
	}
	return &domain.ToolError{Code: domain.ToolErrorCodeError, Message: err.Error()}
}
