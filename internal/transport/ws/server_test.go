package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/conductor/internal/domain"
)

type stubEngine struct {
	mu        sync.Mutex
	events    []domain.Event
	resumed   []domain.ResumeResponse
	cancelled []string
}

func (s *stubEngine) Start(ctx context.Context, agentID, threadID string, input domain.Input) (domain.Execution, error) {
	if agentID == "ghost" {
		return domain.Execution{}, domain.ErrAgentNotFound
	}
	return domain.Execution{ExecutionID: "exe_1", ThreadID: "thr_1", AgentID: agentID}, nil
}

func (s *stubEngine) Resume(ctx context.Context, executionID string, response domain.ResumeResponse) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = append(s.resumed, response)
	s.events = append(s.events, domain.Event{ExecutionID: executionID, Seq: int64(len(s.events) + 1), Type: domain.EventTypeCompleted})
	return domain.Execution{ExecutionID: executionID}, nil
}

func (s *stubEngine) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executionID != "exe_1" {
		return domain.ErrExecutionNotFound
	}
	s.cancelled = append(s.cancelled, executionID)
	return nil
}

func (s *stubEngine) Events(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func dial(t *testing.T, engine Engine) *websocket.Conn {
	t.Helper()
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	e := echo.New()
	e.GET("/v1/ws", NewServer(engine, opts).HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStartStreamsEventsUntilTerminal(t *testing.T) {
	engine := &stubEngine{events: []domain.Event{
		{ExecutionID: "exe_1", Seq: 1, Type: domain.EventTypeExecuting},
		{ExecutionID: "exe_1", Seq: 2, Type: domain.EventTypeInterruptRaised},
	}}
	conn := dial(t, engine)

	require.NoError(t, conn.WriteJSON(StartMessage{BaseMessage: BaseMessage{Type: TypeStart, RequestID: "r1"}, AgentID: "assistant", Input: "hi"}))

	msg := read(t, conn)
	assert.Equal(t, TypeStarted, msg["type"])
	assert.Equal(t, "r1", msg["request_id"])
	assert.Equal(t, "exe_1", msg["execution_id"])

	for _, want := range []string{"executing", "interrupt_raised"} {
		msg = read(t, conn)
		require.Equal(t, TypeEvent, msg["type"])
		assert.Equal(t, want, msg["event"].(map[string]any)["type"])
	}

	require.NoError(t, conn.WriteJSON(ResumeMessage{BaseMessage: BaseMessage{Type: TypeResume, ExecutionID: "exe_1"}, Approved: true}))
	msg = read(t, conn)
	assert.Equal(t, "completed", msg["event"].(map[string]any)["type"])

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.resumed, 1)
	assert.True(t, engine.resumed[0].Approved)
}

func TestCancelAndErrors(t *testing.T) {
	engine := &stubEngine{}
	conn := dial(t, engine)

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypeCancel, ExecutionID: "exe_1", RequestID: "c1"}))
	msg := read(t, conn)
	assert.Equal(t, TypeCancelled, msg["type"])
	assert.Equal(t, "c1", msg["request_id"])

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypeCancel, ExecutionID: "exe_missing"}))
	msg = read(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, ErrorCodeEngineFail, msg["code"])

	require.NoError(t, conn.WriteJSON(StartMessage{BaseMessage: BaseMessage{Type: TypeStart}, AgentID: "ghost", Input: "hi"}))
	msg = read(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Contains(t, msg["message"], "agent not found")

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: "dance"}))
	msg = read(t, conn)
	assert.Equal(t, ErrorCodeInvalidMessage, msg["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg = read(t, conn)
	assert.Equal(t, ErrorCodeInvalidMessage, msg["code"])
}
