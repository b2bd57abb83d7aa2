// Package graphcache holds at most one compiled plan per agent and collapses
// concurrent compilations of the same agent into one.
package graphcache

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
	"github.com/xiaot623/conductor/internal/plan"
)

// Factory compiles the plan of one agent.
type Factory func(ctx context.Context) (*plan.Plan, error)

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	plans  map[string]*plan.Plan
	gens   map[string]uint64
	global uint64

	group   singleflight.Group
	metrics *observability.Metrics
}

// New creates an empty cache. metrics may be nil.
func New(metrics *observability.Metrics) *Cache {
	return &Cache{
		plans:   make(map[string]*plan.Plan),
		gens:    make(map[string]uint64),
		metrics: metrics,
	}
}

// generation changes whenever agentID or the whole cache is invalidated.
// Callers hold c.mu.
func (c *Cache) generation(agentID string) uint64 {
	return c.global + c.gens[agentID]
}

// GetOrCompile returns the cached plan for agentID, compiling it with
// factory on a miss. Concurrent misses run factory once and share its
// result. Failures are returned as *domain.CompileError and never cached.
//
// Flights are keyed by agent and generation, so callers arriving after an
// invalidation never join a compile that started before it.
func (c *Cache) GetOrCompile(ctx context.Context, agentID string, factory Factory) (*plan.Plan, error) {
	c.mu.RLock()
	p, ok := c.plans[agentID]
	gen := c.generation(agentID)
	c.mu.RUnlock()
	if ok {
		c.metrics.GraphCache("hit")
		return p, nil
	}

	key := agentID + "#" + strconv.FormatUint(gen, 10)
	v, err, shared := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if p, ok := c.plans[agentID]; ok {
			c.mu.RUnlock()
			return p, nil
		}
		c.mu.RUnlock()

		// The compile outlives the first caller's cancellation; other
		// callers may be waiting on it.
		p, err := factory(context.WithoutCancel(ctx))
		if err != nil {
			var ce *domain.CompileError
			if errors.As(err, &ce) {
				return nil, ce
			}
			return nil, &domain.CompileError{AgentID: agentID, Err: err}
		}

		c.mu.Lock()
		if c.generation(agentID) == gen {
			c.plans[agentID] = p
		} else {
			log.Debugf("discarding plan for %s compiled before invalidation", agentID)
		}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		c.metrics.GraphCache("error")
		return nil, err
	}
	if shared {
		c.metrics.GraphCache("shared")
	} else {
		c.metrics.GraphCache("miss")
	}
	return v.(*plan.Plan), nil
}

// Get returns a cached plan without compiling.
func (c *Cache) Get(agentID string) (*plan.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[agentID]
	return p, ok
}

// Invalidate evicts one agent. A compile already in flight for it will not
// be cached.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	delete(c.plans, agentID)
	c.gens[agentID]++
	c.mu.Unlock()
	log.Debugf("invalidated plan for agent %s", agentID)
}

// InvalidateAll evicts every agent, including agents whose first compile
// is still in flight.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	n := len(c.plans)
	c.plans = make(map[string]*plan.Plan)
	c.global++
	c.mu.Unlock()
	log.Debugf("invalidated %d cached plans", n)
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}
