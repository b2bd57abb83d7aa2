package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/conductor/internal/domain"
)

// apiClient calls the conductor HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach conductor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr domain.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, status %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("conductor returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// waitResult blocks until executionID finishes or parks awaiting input.
func waitResult(cmd *cobra.Command, c *apiClient, executionID string) error {
	var res domain.ExecutionResult
	for {
		err := c.do(cmd.Context(), http.MethodPost, "/v1/executions/"+url.PathEscape(executionID)+"/wait?timeout_ms=60000", nil, &res)
		if err != nil {
			return err
		}
		if res.State.IsTerminal() || res.State == domain.ExecutionStateAwaitingInput {
			return printJSON(cmd, res)
		}
	}
}

var (
	startAgent   string
	startThread  string
	startContext map[string]string
	startWait    bool
)

var startCmd = &cobra.Command{
	Use:   "start <input...>",
	Short: "Start an execution",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient()
		var resp domain.StartResponse
		err := c.do(cmd.Context(), http.MethodPost, "/v1/executions", domain.StartRequest{
			AgentID:  startAgent,
			ThreadID: startThread,
			Input:    strings.Join(args, " "),
			Context:  startContext,
		}, &resp)
		if err != nil {
			return err
		}
		if !startWait {
			return printJSON(cmd, resp)
		}
		return waitResult(cmd, c, resp.ExecutionID)
	},
}

var (
	resumeReject bool
	resumeReason string
	resumeData   string
	resumeWait   bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <execution_id>",
	Short: "Answer the open interrupt of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := domain.ResumeRequest{Approved: !resumeReject, Reason: resumeReason}
		if resumeData != "" {
			if !json.Valid([]byte(resumeData)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			req.Data = json.RawMessage(resumeData)
		}
		c := newAPIClient()
		var exec domain.Execution
		if err := c.do(cmd.Context(), http.MethodPost, "/v1/executions/"+url.PathEscape(args[0])+"/resume", req, &exec); err != nil {
			return err
		}
		if !resumeWait {
			return printJSON(cmd, exec)
		}
		return waitResult(cmd, c, exec.ExecutionID)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution_id>",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/v1/executions/"+url.PathEscape(args[0])+"/cancel", nil, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state <thread_id>",
	Short: "Show the latest checkpoint of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var summary domain.CheckpointSummary
		if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/v1/threads/"+url.PathEscape(args[0])+"/state", nil, &summary); err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var eventsFollow bool

var eventsCmd = &cobra.Command{
	Use:   "events <execution_id>",
	Short: "List or follow the events of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient()
		path := "/v1/executions/" + url.PathEscape(args[0]) + "/events"
		if !eventsFollow {
			var resp domain.ListEventsResponse
			if err := c.do(cmd.Context(), http.MethodGet, path+"?limit=1000", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp.Events)
		}
		return followEvents(cmd, c, path+"/stream")
	},
}

// followEvents prints the data lines of the SSE stream at path.
func followEvents(cmd *cobra.Command, c *apiClient, path string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach conductor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conductor returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			fmt.Fprintln(cmd.OutOrStdout(), data)
		}
	}
	return scanner.Err()
}

func init() {
	startCmd.Flags().StringVar(&startAgent, "agent", "", "agent id to run")
	startCmd.Flags().StringVar(&startThread, "thread", "", "thread id to continue (default: new thread)")
	startCmd.Flags().StringToStringVar(&startContext, "context", nil, "context key=value pairs, e.g. user_id=u1")
	startCmd.Flags().BoolVar(&startWait, "wait", false, "wait until the execution finishes or needs input")
	_ = startCmd.MarkFlagRequired("agent")

	resumeCmd.Flags().BoolVar(&resumeReject, "reject", false, "reject instead of approve")
	resumeCmd.Flags().StringVar(&resumeReason, "reason", "", "reason recorded with the decision")
	resumeCmd.Flags().StringVar(&resumeData, "data", "", "JSON payload passed back to the execution")
	resumeCmd.Flags().BoolVar(&resumeWait, "wait", false, "wait until the execution finishes or needs input")

	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream events until the execution finishes")
}
