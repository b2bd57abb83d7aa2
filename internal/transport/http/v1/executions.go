package v1

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/conductor/internal/domain"
)

// StartExecution starts an execution of an agent.
// POST /v1/executions
func (h *Handler) StartExecution(c echo.Context) error {
	var req domain.StartRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentID == "" {
		return badRequest(c, "agent_id is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return badRequest(c, "input is required")
	}

	exec, err := h.engine.Start(c.Request().Context(), req.AgentID, req.ThreadID, domain.Input{
		Content: req.Input,
		Context: req.Context,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, domain.StartResponse{
		ExecutionID: exec.ExecutionID,
		ThreadID:    exec.ThreadID,
		AgentID:     exec.AgentID,
	})
}

// GetExecution returns the execution record.
// GET /v1/executions/:execution_id
func (h *Handler) GetExecution(c echo.Context) error {
	exec, err := h.engine.GetExecution(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// GetExecutionResult reports the current outcome without blocking.
// GET /v1/executions/:execution_id/result
func (h *Handler) GetExecutionResult(c echo.Context) error {
	res, err := h.engine.Result(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// WaitExecution blocks until the execution finishes or parks awaiting input.
// POST /v1/executions/:execution_id/wait?timeout_ms=
func (h *Handler) WaitExecution(c echo.Context) error {
	timeout := queryDuration(c, "timeout_ms", 60*time.Second)
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	res, err := h.engine.Wait(ctx, c.Param("execution_id"))
	if errors.Is(err, context.DeadlineExceeded) {
		// Still running: report where it is.
		return c.JSON(http.StatusAccepted, res)
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ResumeExecution answers the open interrupt of an execution.
// POST /v1/executions/:execution_id/resume
func (h *Handler) ResumeExecution(c echo.Context) error {
	var req domain.ResumeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	exec, err := h.engine.Resume(c.Request().Context(), c.Param("execution_id"), domain.ResumeResponse{
		Approved: req.Approved,
		Reason:   req.Reason,
		Data:     req.Data,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, exec)
}

// CancelExecution cancels an execution.
// POST /v1/executions/:execution_id/cancel
func (h *Handler) CancelExecution(c echo.Context) error {
	executionID := c.Param("execution_id")
	if err := h.engine.Cancel(c.Request().Context(), executionID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"execution_id": executionID,
		"message":      "execution cancelled",
	})
}

// WaitInterrupt blocks until the open interrupt is answered, up to
// timeout_ms. A timeout leaves the execution awaiting input.
// POST /v1/executions/:execution_id/interrupt/wait
func (h *Handler) WaitInterrupt(c echo.Context) error {
	var req domain.WaitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs <= 0 {
		timeout = queryDuration(c, "timeout_ms", 0)
	}

	in, err := h.engine.WaitForResponse(c.Request().Context(), c.Param("execution_id"), timeout)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, in)
}

// queryDuration reads a millisecond query parameter.
func queryDuration(c echo.Context, name string, def time.Duration) time.Duration {
	if v := c.QueryParam(name); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
