package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/conductor/internal/domain"
)

// GetThreadState summarizes the latest checkpoint of a thread.
// GET /v1/threads/:thread_id/state
func (h *Handler) GetThreadState(c echo.Context) error {
	summary, err := h.engine.GetState(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// ListThreadCheckpoints lists the checkpoints of a thread, oldest first.
// GET /v1/threads/:thread_id/checkpoints
func (h *Handler) ListThreadCheckpoints(c echo.Context) error {
	threadID := c.Param("thread_id")
	cps, err := h.engine.ListCheckpoints(c.Request().Context(), threadID)
	if err != nil {
		return fail(c, err)
	}
	if cps == nil {
		cps = []domain.Checkpoint{}
	}
	return c.JSON(http.StatusOK, domain.ListCheckpointsResponse{
		ThreadID:    threadID,
		Checkpoints: cps,
	})
}

// ResumeThread continues a thread from its latest checkpoint, e.g. after
// a restart suspended its execution.
// POST /v1/threads/:thread_id/resume
func (h *Handler) ResumeThread(c echo.Context) error {
	exec, err := h.engine.ResumeThread(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, exec)
}
