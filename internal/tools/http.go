package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExecutor returns an executor that POSTs the arguments to endpoint and
// returns the JSON response body as the result.
func HTTPExecutor(endpoint, toolName string, client *http.Client) ExecutorFunc {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(args))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tool-Name", toolName)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to call tool endpoint: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read tool response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("tool endpoint returned status %d: %s", resp.StatusCode, string(body))
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("tool endpoint returned invalid JSON")
		}
		return body, nil
	}
}
