package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
)

// RetryPolicy bounds how hard a write is retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Adapter serializes snapshots into checkpoints and writes them with
// per-thread ordering. Different threads write concurrently.
type Adapter struct {
	store   Store
	policy  RetryPolicy
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	threads map[string]*threadState
}

type threadState struct {
	mu     sync.Mutex
	last   int64
	loaded bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMetrics counts write outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock sets the clock used to stamp checkpoints.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter wraps store with the given retry policy.
func NewAdapter(store Store, policy RetryPolicy, opts ...Option) *Adapter {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff <= 0 {
		policy.Backoff = 100 * time.Millisecond
	}
	if policy.MaxBackoff < policy.Backoff {
		policy.MaxBackoff = policy.Backoff * 20
	}
	a := &Adapter{
		store:   store,
		policy:  policy,
		now:     time.Now,
		threads: make(map[string]*threadState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) thread(threadID string) *threadState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.threads[threadID]
	if !ok {
		ts = &threadState{}
		a.threads[threadID] = ts
	}
	return ts
}

// Write persists snap as the next checkpoint of its thread. Ids are strictly
// increasing per thread; an id is never reused even when its write failed.
// When every attempt fails the error wraps domain.ErrCheckpointWriteFailure.
func (a *Adapter) Write(ctx context.Context, snap domain.ExecutionSnapshot) (domain.Checkpoint, error) {
	threadID := snap.Execution.ThreadID
	if threadID == "" {
		return domain.Checkpoint{}, fmt.Errorf("thread id is required")
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	ts := a.thread(threadID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.loaded {
		latest, err := a.store.Latest(ctx, threadID)
		switch {
		case err == nil:
			ts.last = latest.CheckpointID
		case errors.Is(err, domain.ErrCheckpointNotFound):
		default:
			return domain.Checkpoint{}, fmt.Errorf("%w: failed to read latest checkpoint: %v", domain.ErrCheckpointWriteFailure, err)
		}
		ts.loaded = true
	}

	ts.last++
	cp := domain.Checkpoint{
		ThreadID:      threadID,
		CheckpointID:  ts.last,
		StateBlob:     blob,
		Metadata:      metadataFor(snap),
		DerivedUserID: snap.UserID,
		CreatedAt:     a.now(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.policy.Backoff
	b.MaxInterval = a.policy.MaxBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := a.store.Put(ctx, cp); err != nil {
			if attempt < a.policy.MaxAttempts {
				a.metrics.CheckpointWrite("retry")
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warnf("checkpoint write for thread %s failed, retrying in %s: %v", threadID, next, err)
		}),
	)
	if err != nil {
		a.metrics.CheckpointWrite("failed")
		return cp, fmt.Errorf("%w: thread %s checkpoint %d after %d attempts: %v",
			domain.ErrCheckpointWriteFailure, threadID, cp.CheckpointID, attempt, err)
	}
	a.metrics.CheckpointWrite("ok")
	return cp, nil
}

func metadataFor(snap domain.ExecutionSnapshot) map[string]string {
	return map[string]string{
		domain.MetaExecutionID: snap.Execution.ExecutionID,
		domain.MetaAgentID:     snap.Execution.AgentID,
		domain.MetaState:       string(snap.Execution.State),
		domain.MetaStep:        strconv.Itoa(snap.Step),
		domain.MetaSource:      "engine",
	}
}

// Latest reads and decodes the newest checkpoint of a thread.
func (a *Adapter) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, *domain.ExecutionSnapshot, error) {
	cp, err := a.store.Latest(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := Decode(cp)
	if err != nil {
		return nil, nil, err
	}
	return cp, snap, nil
}

// Get reads one checkpoint.
func (a *Adapter) Get(ctx context.Context, threadID string, checkpointID int64) (*domain.Checkpoint, error) {
	return a.store.Get(ctx, threadID, checkpointID)
}

// List returns the checkpoints of a thread ordered by id.
func (a *Adapter) List(ctx context.Context, threadID string) ([]domain.Checkpoint, error) {
	return a.store.List(ctx, threadID)
}

// Summary describes the latest checkpoint of a thread.
func (a *Adapter) Summary(ctx context.Context, threadID string) (*domain.CheckpointSummary, error) {
	cp, snap, err := a.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return Summarize(cp, snap), nil
}

// Decode unmarshals the state blob of cp.
func Decode(cp *domain.Checkpoint) (*domain.ExecutionSnapshot, error) {
	var snap domain.ExecutionSnapshot
	if err := json.Unmarshal(cp.StateBlob, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s/%d: %w", cp.ThreadID, cp.CheckpointID, err)
	}
	return &snap, nil
}

// Summarize builds the caller-facing view of a checkpoint.
func Summarize(cp *domain.Checkpoint, snap *domain.ExecutionSnapshot) *domain.CheckpointSummary {
	return &domain.CheckpointSummary{
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.CheckpointID,
		ExecutionID:  snap.Execution.ExecutionID,
		AgentID:      snap.Execution.AgentID,
		State:        snap.Execution.State,
		Step:         snap.Step,
		PendingCalls: len(snap.Pending),
		Interrupt:    snap.Interrupt,
		FinalMessage: snap.FinalMessage,
		Cause:        snap.Cause,
		CreatedAt:    cp.CreatedAt,
	}
}
