package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/xiaot623/conductor/internal/domain"
)

// MockModel is a deterministic model for local runs and tests. It calls
// the first offered tool whose name appears in the latest user message,
// delegates when an offered agent id is mentioned, and otherwise answers
// with a summary of the conversation.
type MockModel struct {
	seq atomic.Int64
}

// NewMockModel creates a mock model.
func NewMockModel() *MockModel {
	return &MockModel{}
}

var _ Model = (*MockModel)(nil)

// Invoke returns a scripted response derived from req.
func (m *MockModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last := domain.Message{}
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1]
	}

	if last.Role == domain.RoleTool {
		var parts []string
		for i := len(req.Messages) - 1; i >= 0 && req.Messages[i].Role == domain.RoleTool; i-- {
			parts = append([]string{req.Messages[i].Content}, parts...)
		}
		return m.answer(fmt.Sprintf("Done. Results: %s", strings.Join(parts, "; "))), nil
	}

	query := strings.ToLower(LastUserMessage(req.Messages))
	for _, spec := range req.Tools {
		if spec.Name == domain.DelegateToolName {
			if target := mentionedDelegate(spec, query); target != "" {
				args, _ := json.Marshal(map[string]string{"agent_id": target, "task": LastUserMessage(req.Messages)})
				return m.call(spec.Name, args), nil
			}
			continue
		}
		if strings.Contains(query, strings.ToLower(spec.Name)) {
			args, _ := json.Marshal(map[string]string{"query": LastUserMessage(req.Messages)})
			return m.call(spec.Name, args), nil
		}
	}
	return m.answer(fmt.Sprintf("Mock response from %s: %s", req.AgentID, LastUserMessage(req.Messages))), nil
}

func (m *MockModel) answer(content string) *Response {
	return &Response{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: content},
		FinishReason: "stop",
	}
}

func (m *MockModel) call(name string, args json.RawMessage) *Response {
	id := fmt.Sprintf("call_mock_%d", m.seq.Add(1))
	return &Response{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{
				ID:     id,
				Name:   name,
				Args:   args,
				Status: domain.ToolCallStatusPending,
			}},
		},
		FinishReason: "tool_calls",
	}
}

// mentionedDelegate finds an agent id from the delegate tool's schema enum
// inside query.
func mentionedDelegate(spec domain.ToolSpec, query string) string {
	var schema struct {
		Properties struct {
			AgentID struct {
				Enum []string `json:"enum"`
			} `json:"agent_id"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(spec.Schema, &schema); err != nil {
		return ""
	}
	for _, id := range schema.Properties.AgentID.Enum {
		if strings.Contains(query, strings.ToLower(id)) {
			return id
		}
	}
	return ""
}
