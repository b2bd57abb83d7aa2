// Package engine drives executions through their state machine: model
// steps, tool batches, delegations, interrupts and checkpoints.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/conductor/internal/adapter/llm"
	"github.com/xiaot623/conductor/internal/budget"
	"github.com/xiaot623/conductor/internal/checkpoint"
	"github.com/xiaot623/conductor/internal/config"
	"github.com/xiaot623/conductor/internal/dispatcher"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/graphcache"
	"github.com/xiaot623/conductor/internal/interrupt"
	"github.com/xiaot623/conductor/internal/observability"
	"github.com/xiaot623/conductor/internal/plan"
	"github.com/xiaot623/conductor/policy"
)

// Store persists the execution index and the event log.
type Store interface {
	SaveExecution(ctx context.Context, exec *domain.Execution, cause string) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	ListExpiredExecutions(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error)
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)
	LastEventSeq(ctx context.Context, executionID string) (int64, error)
}

// Context carries every collaborator an execution needs. It is built once
// at startup and shared by all executions; nothing in it is global.
type Context struct {
	Config      *config.Config
	Store       Store
	Cache       *graphcache.Cache
	Compiler    *plan.Compiler
	Checkpoints *checkpoint.Adapter
	Budget      *budget.Manager
	Interrupts  *interrupt.Manager
	Dispatcher  *dispatcher.Dispatcher
	Model       llm.Model
	// Policy is optional; without it every tool call is allowed.
	Policy  *policy.Engine
	Metrics *observability.Metrics
}

func (c Context) validate() error {
	switch {
	case c.Config == nil:
		return errors.New("engine: config is required")
	case c.Store == nil:
		return errors.New("engine: store is required")
	case c.Cache == nil:
		return errors.New("engine: graph cache is required")
	case c.Compiler == nil:
		return errors.New("engine: compiler is required")
	case c.Checkpoints == nil:
		return errors.New("engine: checkpoint adapter is required")
	case c.Budget == nil:
		return errors.New("engine: budget manager is required")
	case c.Interrupts == nil:
		return errors.New("engine: interrupt manager is required")
	case c.Dispatcher == nil:
		return errors.New("engine: dispatcher is required")
	case c.Model == nil:
		return errors.New("engine: model is required")
	}
	return nil
}

func (c Context) maxSteps() int {
	if c.Config.MaxSteps <= 0 {
		return 16
	}
	return c.Config.MaxSteps
}

func (c Context) criticalOnly() bool {
	return domain.CheckpointMode(c.Config.CheckpointMode) == domain.CheckpointModeCritical
}
