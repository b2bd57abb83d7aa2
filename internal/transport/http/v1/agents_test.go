package v1

import (
	"context"
	"net/http"
	"testing"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/tests/helpers"
)

func TestRegisterAgentValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := serve(h, http.MethodPost, "/v1/agents", `{"name":"demo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = serve(h, http.MethodPost, "/v1/agents", `{"id":"demo","delegates":["other"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for delegates without can_delegate, got %d", rec.Code)
	}
}

func TestRegisterAgentSuccess(t *testing.T) {
	h, engine, db := newTestHandler(t)

	body := `{"id":"demo","name":"Demo","prompt_template":"You are {{.AgentName}}.","tool_names":["weather.query"]}`
	rec := serve(h, http.MethodPost, "/v1/agents", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := db.GetAgent(context.Background(), "demo")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.PromptTemplate != "You are {{.AgentName}}." || len(got.ToolNames) != 1 {
		t.Fatalf("unexpected agent: %+v", got)
	}
	if len(engine.invalidated) != 1 || engine.invalidated[0] != "demo" {
		t.Fatalf("expected cached plan of demo to be invalidated, got %v", engine.invalidated)
	}
}

func TestListAgents(t *testing.T) {
	h, _, db := newTestHandler(t)

	helpers.SeedAgents(t, db, domain.AgentConfig{ID: "b", Name: "b"}, domain.AgentConfig{ID: "a", Name: "a"})

	rec := serve(h, http.MethodGet, "/v1/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp domain.ListAgentsResponse
	decode(t, rec, &resp)
	if len(resp.Agents) != 2 || resp.Agents[0].ID != "a" {
		t.Fatalf("unexpected agents: %+v", resp.Agents)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := serve(h, http.MethodGet, "/v1/agents/a1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetAndDeleteAgent(t *testing.T) {
	h, engine, db := newTestHandler(t)

	helpers.SeedAgents(t, db, domain.AgentConfig{ID: "a1", Name: "Demo"})

	rec := serve(h, http.MethodGet, "/v1/agents/a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var agent domain.AgentConfig
	decode(t, rec, &agent)
	if agent.Name != "Demo" {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	rec = serve(h, http.MethodDelete, "/v1/agents/a1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(engine.invalidated) != 1 {
		t.Fatalf("expected delete to invalidate the plan, got %v", engine.invalidated)
	}

	rec = serve(h, http.MethodDelete, "/v1/agents/a1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", rec.Code)
	}
}

func TestInvalidateCache(t *testing.T) {
	h, engine, _ := newTestHandler(t)

	rec := serve(h, http.MethodPost, "/v1/cache/invalidate", `{"agent_id":"a1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = serve(h, http.MethodPost, "/v1/cache/invalidate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(engine.invalidated) != 2 || engine.invalidated[0] != "a1" || engine.invalidated[1] != "" {
		t.Fatalf("unexpected invalidations: %v", engine.invalidated)
	}
}
