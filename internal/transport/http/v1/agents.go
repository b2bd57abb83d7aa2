package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/conductor/internal/agents"
	"github.com/xiaot623/conductor/internal/domain"
)

// RegisterAgent creates or replaces an agent configuration. Cached plans
// of the agent are invalidated by the registry.
// POST /v1/agents
func (h *Handler) RegisterAgent(c echo.Context) error {
	var req domain.RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := agents.Validate(&req.AgentConfig); err != nil {
		return badRequest(c, err.Error())
	}

	agent, err := h.agents.Register(c.Request().Context(), req.AgentConfig)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":            true,
		"agent_id":      agent.ID,
		"registered_at": agent.UpdatedAt.UnixMilli(),
	})
}

// ListAgents lists all registered agents.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	list, err := h.agents.List(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if list == nil {
		list = []domain.AgentConfig{}
	}
	return c.JSON(http.StatusOK, domain.ListAgentsResponse{Agents: list})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.agents.Get(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// DeleteAgent removes an agent.
// DELETE /v1/agents/:agent_id
func (h *Handler) DeleteAgent(c echo.Context) error {
	if err := h.agents.Delete(c.Request().Context(), c.Param("agent_id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// InvalidateCache drops compiled plans of one agent, or all when agent_id
// is empty.
// POST /v1/cache/invalidate
func (h *Handler) InvalidateCache(c echo.Context) error {
	var req domain.InvalidateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	h.engine.InvalidateAgent(req.AgentID)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "agent_id": req.AgentID})
}
