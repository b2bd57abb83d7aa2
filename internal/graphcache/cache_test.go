package graphcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/plan"
)

func countingFactory(calls *int32, delay time.Duration) Factory {
	return func(ctx context.Context) (*plan.Plan, error) {
		atomic.AddInt32(calls, 1)
		time.Sleep(delay)
		return &plan.Plan{Agent: domain.AgentConfig{ID: "flights"}, CompiledAt: time.Now()}, nil
	}
}

func TestConcurrentCallersCompileOnce(t *testing.T) {
	c := New(nil)
	var calls int32
	factory := countingFactory(&calls, 50*time.Millisecond)

	const n = 32
	results := make([]*plan.Plan, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.GetOrCompile(context.Background(), "flights", factory)
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, p := range results {
		assert.Same(t, results[0], p)
	}

	p, err := c.GetOrCompile(context.Background(), "flights", factory)
	require.NoError(t, err)
	assert.Same(t, results[0], p)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidateRecompiles(t *testing.T) {
	c := New(nil)
	var calls int32
	factory := countingFactory(&calls, 0)

	first, err := c.GetOrCompile(context.Background(), "flights", factory)
	require.NoError(t, err)

	c.Invalidate("flights")
	_, ok := c.Get("flights")
	assert.False(t, ok)

	second, err := c.GetOrCompile(context.Background(), "flights", factory)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateDuringCompileIsNotCached(t *testing.T) {
	c := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	factory := func(ctx context.Context) (*plan.Plan, error) {
		close(started)
		<-release
		return &plan.Plan{Agent: domain.AgentConfig{ID: "flights"}}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.GetOrCompile(context.Background(), "flights", factory)
		assert.NoError(t, err)
	}()

	<-started
	c.Invalidate("flights")
	close(release)
	<-done

	_, ok := c.Get("flights")
	assert.False(t, ok)
}

func TestCompileFailureNotCached(t *testing.T) {
	c := New(nil)
	var calls int32
	factory := func(ctx context.Context) (*plan.Plan, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("unknown tool")
	}

	_, err := c.GetOrCompile(context.Background(), "broken", factory)
	require.Error(t, err)
	var ce *domain.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broken", ce.AgentID)

	_, err = c.GetOrCompile(context.Background(), "broken", factory)
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateAllDuringFirstCompileStartsFreshCompile(t *testing.T) {
	c := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	stale := &plan.Plan{Agent: domain.AgentConfig{ID: "flights", Name: "stale"}}
	fresh := &plan.Plan{Agent: domain.AgentConfig{ID: "flights", Name: "fresh"}}

	done := make(chan *plan.Plan, 1)
	go func() {
		p, err := c.GetOrCompile(context.Background(), "flights", func(ctx context.Context) (*plan.Plan, error) {
			close(started)
			<-release
			return stale, nil
		})
		assert.NoError(t, err)
		done <- p
	}()

	<-started
	c.InvalidateAll()

	var freshCalls int32
	p, err := c.GetOrCompile(context.Background(), "flights", func(ctx context.Context) (*plan.Plan, error) {
		atomic.AddInt32(&freshCalls, 1)
		return fresh, nil
	})
	require.NoError(t, err)
	assert.Same(t, fresh, p)
	assert.Equal(t, int32(1), atomic.LoadInt32(&freshCalls))

	close(release)
	assert.Same(t, stale, <-done)

	cached, ok := c.Get("flights")
	require.True(t, ok)
	assert.Same(t, fresh, cached)
}
