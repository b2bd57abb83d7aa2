package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/conductor/internal/domain"
)

func TestMockModelCallsMentionedTool(t *testing.T) {
	m := NewMockModel()
	resp, err := m.Invoke(context.Background(), Request{
		AgentID:  "flights",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "use weather.query for Paris"}},
		Tools:    []domain.ToolSpec{{Name: "weather.query"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "weather.query", resp.Message.ToolCalls[0].Name)
}

func TestMockModelDelegates(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string","enum":["flights","hotels"]},"task":{"type":"string"}}}`)
	resp, err := NewMockModel().Invoke(context.Background(), Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "ask hotels for a room"}},
		Tools:    []domain.ToolSpec{{Name: domain.DelegateToolName, Schema: schema}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.JSONEq(t, `{"agent_id":"hotels","task":"ask hotels for a room"}`, string(resp.Message.ToolCalls[0].Args))
}

func TestMockModelSummarizesToolResults(t *testing.T) {
	resp, err := NewMockModel().Invoke(context.Background(), Request{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "weather.query"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "weather.query"}}},
			{Role: domain.RoleTool, ToolCallID: "c1", Content: `{"temp":20}`},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Message.ToolCalls)
	assert.Contains(t, resp.Message.Content, `{"temp":20}`)
}

func TestOpenAIModelInvoke(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "weather.query", "arguments": "{\"city\":\"Paris\"}"}}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	m := NewOpenAIModel(srv.URL, "test-key", "test-model", 5*time.Second)
	resp, err := m.Invoke(context.Background(), Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are helpful."},
			{Role: domain.RoleUser, Content: "weather in Paris?"},
		},
		Tools: []domain.ToolSpec{{Name: "weather.query", Description: "Weather", Schema: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "test-model", body["model"])
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.Message.ToolCalls[0].Args))
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestNewModelMockMode(t *testing.T) {
	t.Setenv(EnvConductorMode, ModeMock)
	_, ok := NewModel("", "", "", time.Second, false).(*MockModel)
	assert.True(t, ok)
}
