// Package v1 provides the HTTP control API of the conductor.
package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

// Engine is the execution control surface served over HTTP.
type Engine interface {
	Start(ctx context.Context, agentID, threadID string, input domain.Input) (domain.Execution, error)
	Resume(ctx context.Context, executionID string, response domain.ResumeResponse) (domain.Execution, error)
	ResumeThread(ctx context.Context, threadID string) (domain.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Wait(ctx context.Context, executionID string) (domain.ExecutionResult, error)
	Result(ctx context.Context, executionID string) (domain.ExecutionResult, error)
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	GetState(ctx context.Context, threadID string) (*domain.CheckpointSummary, error)
	ListCheckpoints(ctx context.Context, threadID string) ([]domain.Checkpoint, error)
	Events(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)
	WaitForResponse(ctx context.Context, executionID string, timeout time.Duration) (*domain.Interrupt, error)
	InvalidateAgent(agentID string)
}

// AgentRegistry manages agent configurations.
type AgentRegistry interface {
	Register(ctx context.Context, cfg domain.AgentConfig) (*domain.AgentConfig, error)
	Get(ctx context.Context, agentID string) (*domain.AgentConfig, error)
	List(ctx context.Context) ([]domain.AgentConfig, error)
	Delete(ctx context.Context, agentID string) error
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests.
type Handler struct {
	engine Engine
	agents AgentRegistry
	health Pinger

	// streamPoll and streamMax bound the SSE polling loop.
	streamPoll time.Duration
	streamMax  time.Duration
}

// NewHandler creates a new handler. health may be nil.
func NewHandler(engine Engine, agents AgentRegistry, health Pinger) *Handler {
	return &Handler{
		engine:     engine,
		agents:     agents,
		health:     health,
		streamPoll: 100 * time.Millisecond,
		streamMax:  5 * time.Minute,
	}
}

// RegisterRoutes registers the v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/v1")

	g.POST("/executions", h.StartExecution)
	g.GET("/executions/:execution_id", h.GetExecution)
	g.GET("/executions/:execution_id/result", h.GetExecutionResult)
	g.POST("/executions/:execution_id/wait", h.WaitExecution)
	g.POST("/executions/:execution_id/resume", h.ResumeExecution)
	g.POST("/executions/:execution_id/cancel", h.CancelExecution)
	g.POST("/executions/:execution_id/interrupt/wait", h.WaitInterrupt)
	g.GET("/executions/:execution_id/events", h.GetExecutionEvents)
	g.GET("/executions/:execution_id/events/stream", h.StreamExecutionEvents)

	g.GET("/threads/:thread_id/state", h.GetThreadState)
	g.GET("/threads/:thread_id/checkpoints", h.ListThreadCheckpoints)
	g.POST("/threads/:thread_id/resume", h.ResumeThread)

	g.POST("/agents", h.RegisterAgent)
	g.GET("/agents", h.ListAgents)
	g.GET("/agents/:agent_id", h.GetAgent)
	g.DELETE("/agents/:agent_id", h.DeleteAgent)
	g.POST("/cache/invalidate", h.InvalidateCache)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: msg, Code: "invalid_request"})
}

// fail writes err with the status its error class maps to.
func fail(c echo.Context, err error) error {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, domain.ErrorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var compileErr *domain.CompileError
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound, "agent_not_found"
	case errors.Is(err, domain.ErrExecutionNotFound):
		return http.StatusNotFound, "execution_not_found"
	case errors.Is(err, domain.ErrCheckpointNotFound):
		return http.StatusNotFound, "checkpoint_not_found"
	case errors.Is(err, domain.ErrInterruptNotFound):
		return http.StatusNotFound, "interrupt_not_found"
	case errors.Is(err, domain.ErrThreadBusy):
		return http.StatusConflict, "thread_busy"
	case errors.Is(err, domain.ErrExecutionTerminal):
		return http.StatusConflict, "execution_terminal"
	case errors.Is(err, domain.ErrNotAwaitingInput):
		return http.StatusConflict, "not_awaiting_input"
	case errors.Is(err, domain.ErrInterruptResolved):
		return http.StatusConflict, "interrupt_resolved"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrInterruptTimeout):
		return http.StatusRequestTimeout, "interrupt_timeout"
	case errors.As(err, &compileErr):
		return http.StatusUnprocessableEntity, "compile_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
