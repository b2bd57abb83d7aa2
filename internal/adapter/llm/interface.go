// Package llm adapts language models to the orchestrator: state in, message
// or tool calls out.
package llm

import (
	"context"

	"github.com/xiaot623/conductor/internal/domain"
)

// Request is one model turn.
type Request struct {
	AgentID  string
	Model    string
	Messages []domain.Message
	Tools    []domain.ToolSpec
}

// Response is the assistant message of a turn. Message.ToolCalls is empty
// when the model answered directly.
type Response struct {
	Message      domain.Message
	FinishReason string
}

// Model is an opaque language model.
type Model interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Model.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// LastUserMessage returns the content of the latest user message.
func LastUserMessage(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
