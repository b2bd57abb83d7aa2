package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/conductor/internal/domain"
)

func init() {
	MustRegister(domain.ToolSpec{
		Name:        "weather.query",
		Description: "Look up the current weather for a city.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		TimeoutMs:   5000,
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			City string `json:"city"`
		}
		_ = json.Unmarshal(args, &in)
		return json.Marshal(map[string]any{"city": in.City, "weather": "Sunny", "temperature": 25})
	})
	MustRegister(domain.ToolSpec{
		Name:        "payments.transfer",
		Description: "Transfer money to an account. Large amounts need human approval.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"amount":{"type":"number"},"to":{"type":"string"}},"required":["amount","to"]}`),
		TimeoutMs:   10000,
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"completed","transaction_id":"tx_123"}`), nil
	})
	MustRegister(domain.ToolSpec{
		Name:        "dangerous.command",
		Description: "Run a shell command on the host.",
		TimeoutMs:   5000,
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("tool execution disabled")
	})
	MustRegister(domain.ToolSpec{
		Name:        "clock.now",
		Description: "Return the current time in RFC3339.",
		TimeoutMs:   1000,
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
	})
}
