package rpc

import (
	"context"
	"net/rpc/jsonrpc"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/conductor/internal/domain"
)

type stubEngine struct {
	resumed   domain.ResumeResponse
	cancelled string
}

func (s *stubEngine) Start(ctx context.Context, agentID, threadID string, input domain.Input) (domain.Execution, error) {
	if agentID == "ghost" {
		return domain.Execution{}, &domain.CompileError{AgentID: agentID, Err: domain.ErrAgentNotFound}
	}
	return domain.Execution{ExecutionID: "exe_1", ThreadID: "thr_" + input.Content, AgentID: agentID}, nil
}

func (s *stubEngine) Resume(ctx context.Context, executionID string, response domain.ResumeResponse) (domain.Execution, error) {
	s.resumed = response
	return domain.Execution{ExecutionID: executionID, State: domain.ExecutionStateExecuting}, nil
}

func (s *stubEngine) Cancel(ctx context.Context, executionID string) error {
	if executionID == "exe_done" {
		return domain.ErrExecutionTerminal
	}
	s.cancelled = executionID
	return nil
}

func (s *stubEngine) Result(ctx context.Context, executionID string) (domain.ExecutionResult, error) {
	return domain.ExecutionResult{ExecutionID: executionID, State: domain.ExecutionStateCompleted, FinalMessage: "done"}, nil
}

func (s *stubEngine) GetState(ctx context.Context, threadID string) (*domain.CheckpointSummary, error) {
	return &domain.CheckpointSummary{ThreadID: threadID, CheckpointID: 4, State: domain.ExecutionStateAwaitingInput}, nil
}

func (s *stubEngine) WaitForResponse(ctx context.Context, executionID string, timeout time.Duration) (*domain.Interrupt, error) {
	return nil, domain.ErrInterruptTimeout
}

func TestServerRoundTrip(t *testing.T) {
	engine := &stubEngine{}
	srv, err := NewServer(engine)
	require.NoError(t, err)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	client, err := jsonrpc.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	var started domain.StartResponse
	require.NoError(t, client.Call(ServiceName+".Start", &StartArgs{AgentID: "assistant", Input: "hi"}, &started))
	assert.Equal(t, "exe_1", started.ExecutionID)
	assert.Equal(t, "thr_hi", started.ThreadID)

	err = client.Call(ServiceName+".Start", &StartArgs{AgentID: "ghost", Input: "hi"}, &started)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent not found")

	err = client.Call(ServiceName+".Start", &StartArgs{Input: "hi"}, &started)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "agent_id is required"))

	var exec domain.Execution
	require.NoError(t, client.Call(ServiceName+".Resume", &ResumeArgs{ExecutionID: "exe_1", Response: domain.ResumeResponse{Approved: true, Reason: "ok"}}, &exec))
	assert.Equal(t, domain.ExecutionStateExecuting, exec.State)
	assert.True(t, engine.resumed.Approved)

	var ack AckResponse
	require.NoError(t, client.Call(ServiceName+".Cancel", &ExecutionArgs{ExecutionID: "exe_1"}, &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "exe_1", engine.cancelled)
	require.Error(t, client.Call(ServiceName+".Cancel", &ExecutionArgs{ExecutionID: "exe_done"}, &ack))

	var res domain.ExecutionResult
	require.NoError(t, client.Call(ServiceName+".Result", &ExecutionArgs{ExecutionID: "exe_1"}, &res))
	assert.Equal(t, "done", res.FinalMessage)

	var summary domain.CheckpointSummary
	require.NoError(t, client.Call(ServiceName+".GetState", &ThreadArgs{ThreadID: "thr_1"}, &summary))
	assert.Equal(t, int64(4), summary.CheckpointID)

	var in domain.Interrupt
	err = client.Call(ServiceName+".WaitForResponse", &WaitArgs{ExecutionID: "exe_1", TimeoutMs: 10}, &in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out waiting")
}

func TestShutdownWithoutListen(t *testing.T) {
	srv, err := NewServer(&stubEngine{})
	require.NoError(t, err)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.Error(t, srv.Serve())
}
