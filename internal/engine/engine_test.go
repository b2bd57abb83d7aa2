package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/conductor/internal/adapter/llm"
	"github.com/xiaot623/conductor/internal/agents"
	"github.com/xiaot623/conductor/internal/budget"
	"github.com/xiaot623/conductor/internal/checkpoint"
	"github.com/xiaot623/conductor/internal/config"
	"github.com/xiaot623/conductor/internal/dispatcher"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/graphcache"
	"github.com/xiaot623/conductor/internal/interrupt"
	"github.com/xiaot623/conductor/internal/plan"
	"github.com/xiaot623/conductor/internal/repository"
	"github.com/xiaot623/conductor/internal/tools"
	"github.com/xiaot623/conductor/policy"
	"github.com/xiaot623/conductor/tests/helpers"
)

type harness struct {
	t      *testing.T
	cfg    *config.Config
	store  *repository.SQLiteStore
	cps    checkpoint.Store
	tools  *tools.Registry
	agents *agents.Registry
	model  llm.Model
	counts sync.Map
	mgr    *Manager
}

func newHarness(t *testing.T, model llm.Model, tune ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.CheckpointRetry = config.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	for _, f := range tune {
		f(cfg)
	}
	h := &harness{t: t, cfg: cfg, store: helpers.NewTestSQLiteStore(t), model: model}
	h.cps = h.store
	h.tools = tools.NewRegistry()
	for _, name := range []string{"weather.query", "payments.transfer", "dangerous.command"} {
		require.NoError(t, h.tools.Register(domain.ToolSpec{Name: name}, h.counted(name)))
	}
	h.agents = agents.NewRegistry(h.store, nil)
	ctx := context.Background()
	for _, cfg := range []domain.AgentConfig{
		{ID: "assistant", PromptTemplate: "You are {{.AgentName}}.", ToolNames: []string{"weather.query", "payments.transfer", "dangerous.command"}},
		{ID: "supervisor", PromptTemplate: "You coordinate travel.", ToolNames: []string{"weather.query"}, CanDelegate: true, Delegates: []string{"flights", "hotels"}},
		{ID: "flights", Description: "books flights", PromptTemplate: "You book flights. Task: {{.Task}}", ToolNames: []string{"payments.transfer"}, CanDelegate: true, Delegates: []string{"hotels"}},
		{ID: "hotels", Description: "books hotels", Keywords: []string{"hotel"}},
	} {
		_, err := h.agents.Register(ctx, cfg)
		require.NoError(t, err)
	}
	h.mgr = h.newManager()
	return h
}

// newManager builds a manager with fresh in-memory state over the shared
// store, as a restarted process would.
func (h *harness) newManager() *Manager {
	h.t.Helper()
	ctx := context.Background()
	pe, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(h.t, err)
	cache := graphcache.New(nil)
	mgr, err := NewManager(Context{
		Config:      h.cfg,
		Store:       h.store,
		Cache:       cache,
		Compiler:    plan.NewCompiler(h.agents, h.tools),
		Checkpoints: checkpoint.NewAdapter(h.cps, checkpoint.RetryPolicy(h.cfg.CheckpointRetry)),
		Budget:      budget.NewManager(h.cfg),
		Interrupts:  interrupt.NewManager(h.store, h.cfg.InterruptWaitTimeout, nil),
		Dispatcher:  dispatcher.New(h.tools),
		Model:       h.model,
		Policy:      pe,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(mgr.Close)
	return mgr
}

func (h *harness) counted(name string) tools.ExecutorFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		h.counter(name).Add(1)
		if name == "dangerous.command" {
			return nil, errors.New("should never run")
		}
		return json.Marshal(map[string]string{"tool": name, "status": "ok"})
	}
}

func (h *harness) counter(name string) *atomic.Int32 {
	v, _ := h.counts.LoadOrStore(name, new(atomic.Int32))
	return v.(*atomic.Int32)
}

func (h *harness) start(agentID, threadID, input string) domain.Execution {
	h.t.Helper()
	exec, err := h.mgr.Start(context.Background(), agentID, threadID, domain.Input{Content: input})
	require.NoError(h.t, err)
	return exec
}

func (h *harness) wait(executionID string) domain.ExecutionResult {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.mgr.Wait(ctx, executionID)
	require.NoError(h.t, err)
	return res
}

func (h *harness) events(executionID string) []domain.Event {
	h.t.Helper()
	events, err := h.mgr.Events(context.Background(), executionID, 0, nil, 0)
	require.NoError(h.t, err)
	return events
}

func (h *harness) snapshot(executionID string) *domain.ExecutionSnapshot {
	h.t.Helper()
	snap, err := h.mgr.snapshotOf(context.Background(), executionID)
	require.NoError(h.t, err)
	return snap
}

func countEvents(events []domain.Event, typ domain.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func isRouting(req llm.Request) bool {
	return len(req.Messages) > 0 && strings.HasPrefix(req.Messages[0].Content, "Decide which agent")
}

func lastMessage(req llm.Request) domain.Message {
	if len(req.Messages) == 0 {
		return domain.Message{}
	}
	return req.Messages[len(req.Messages)-1]
}

func answer(text string) *llm.Response {
	return &llm.Response{Message: domain.Message{Role: domain.RoleAssistant, Content: text}, FinishReason: "stop"}
}

func calls(tcs ...domain.ToolCall) *llm.Response {
	return &llm.Response{Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: tcs}, FinishReason: "tool_calls"}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// toolThenAnswer calls the given tools on the first turn and answers with
// the tool results afterwards.
func toolThenAnswer(tcs ...domain.ToolCall) llm.Model {
	return llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if isRouting(req) {
			return answer("none"), nil
		}
		if lastMessage(req).Role == domain.RoleTool {
			var parts []string
			for _, msg := range req.Messages {
				if msg.Role == domain.RoleTool {
					parts = append(parts, msg.Content)
				}
			}
			return answer("results: " + strings.Join(parts, " | ")), nil
		}
		return calls(tcs...), nil
	})
}

func TestStartCompletesWithDirectAnswer(t *testing.T) {
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return answer("hello from " + req.AgentID), nil
	}))

	exec := h.start("assistant", "", "hi")
	assert.True(t, strings.HasPrefix(exec.ThreadID, "thr_"))
	assert.Equal(t, domain.ExecutionStateCreated, exec.State)

	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Equal(t, "hello from assistant", res.FinalMessage)

	events := h.events(exec.ExecutionID)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeExecuting, events[0].Type)
	assert.Equal(t, domain.EventTypeCompleted, events[1].Type)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	summary, err := h.mgr.GetState(context.Background(), exec.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateCompleted, summary.State)
	assert.Equal(t, "hello from assistant", summary.FinalMessage)

	cps, err := h.mgr.ListCheckpoints(context.Background(), exec.ThreadID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(cps), 3)
	for i := 1; i < len(cps); i++ {
		assert.Greater(t, cps[i].CheckpointID, cps[i-1].CheckpointID)
	}
	assert.Equal(t, "anonymous", cps[0].DerivedUserID)

	stored, err := h.mgr.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateCompleted, stored.State)
}

func TestToolResultsMergeInCallOrder(t *testing.T) {
	h := newHarness(t, toolThenAnswer(
		call("tc_1", "weather.query", `{"city":"Paris"}`),
		call("tc_2", "weather.query", `{"city":"Rome"}`),
	))

	exec := h.start("assistant", "", "weather twice")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Equal(t, int32(2), h.counter("weather.query").Load())

	snap := h.snapshot(exec.ExecutionID)
	var toolMsgs []domain.Message
	for _, msg := range snap.Messages {
		if msg.Role == domain.RoleTool {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "tc_1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "tc_2", toolMsgs[1].ToolCallID)
	assert.Equal(t, 1, snap.Step)
	assert.Empty(t, snap.Pending)

	events := h.events(exec.ExecutionID)
	assert.Equal(t, 2, countEvents(events, domain.EventTypeToolStarted))
	assert.Equal(t, 2, countEvents(events, domain.EventTypeToolFinished))
	assert.Equal(t, domain.EventTypeCompleted, events[len(events)-1].Type)
}

func TestApprovalResumeDoesNotRerunCommittedCalls(t *testing.T) {
	h := newHarness(t, toolThenAnswer(
		call("tc_weather", "weather.query", `{"city":"Paris"}`),
		call("tc_pay", "payments.transfer", `{"amount":500,"to":"bob"}`),
	))

	exec := h.start("assistant", "", "check weather and pay bob")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateAwaitingInput, res.State)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, int32(1), h.counter("weather.query").Load())
	assert.Equal(t, int32(0), h.counter("payments.transfer").Load())

	var payload domain.ApprovalPayload
	require.NoError(t, json.Unmarshal(res.Interrupt.Payload, &payload))
	require.Len(t, payload.ToolCalls, 1)
	assert.Equal(t, "tc_pay", payload.ToolCalls[0].ID)
	assert.Equal(t, "transfers above 100 need approval", payload.Reason)

	_, err := h.mgr.Resume(context.Background(), exec.ExecutionID, domain.ResumeResponse{Approved: true})
	require.NoError(t, err)
	res = h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Equal(t, int32(1), h.counter("weather.query").Load())
	assert.Equal(t, int32(1), h.counter("payments.transfer").Load())

	events := h.events(exec.ExecutionID)
	assert.Equal(t, 1, countEvents(events, domain.EventTypeInterruptRaised))
	assert.Equal(t, 1, countEvents(events, domain.EventTypeInterruptResolved))
	assert.Equal(t, 2, countEvents(events, domain.EventTypeToolStarted))

	_, err = h.mgr.Resume(context.Background(), exec.ExecutionID, domain.ResumeResponse{Approved: true})
	assert.ErrorIs(t, err, domain.ErrExecutionTerminal)
}

func TestRejectedApprovalIsReportedToModel(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_pay", "payments.transfer", `{"amount":500,"to":"bob"}`)))

	exec := h.start("assistant", "", "pay bob")
	require.Equal(t, domain.ExecutionStateAwaitingInput, h.wait(exec.ExecutionID).State)

	_, err := h.mgr.Resume(context.Background(), exec.ExecutionID, domain.ResumeResponse{Approved: false, Reason: "too much"})
	require.NoError(t, err)
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, domain.ToolErrorCodeRejected)
	assert.Contains(t, res.FinalMessage, "too much")
	assert.Equal(t, int32(0), h.counter("payments.transfer").Load())
}

func TestResumeAfterRestart(t *testing.T) {
	h := newHarness(t, toolThenAnswer(
		call("tc_weather", "weather.query", `{"city":"Paris"}`),
		call("tc_pay", "payments.transfer", `{"amount":500,"to":"bob"}`),
	))

	exec := h.start("assistant", "", "check weather and pay bob")
	require.Equal(t, domain.ExecutionStateAwaitingInput, h.wait(exec.ExecutionID).State)
	h.mgr.Close()

	restarted := h.newManager()
	_, err := restarted.Resume(context.Background(), exec.ExecutionID, domain.ResumeResponse{Approved: true})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := restarted.Wait(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Equal(t, int32(1), h.counter("weather.query").Load())
	assert.Equal(t, int32(1), h.counter("payments.transfer").Load())

	events, err := restarted.Events(context.Background(), exec.ExecutionID, 0, nil, 0)
	require.NoError(t, err)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "event %s", ev.Type)
	}
}

func TestWaitForResponseTimesOutAndStaysAwaiting(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_pay", "payments.transfer", `{"amount":500,"to":"bob"}`)))

	exec := h.start("assistant", "", "pay bob")
	require.Equal(t, domain.ExecutionStateAwaitingInput, h.wait(exec.ExecutionID).State)

	began := time.Now()
	_, err := h.mgr.WaitForResponse(context.Background(), exec.ExecutionID, time.Second)
	require.Error(t, err)
	assert.True(t, interrupt.IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(began), time.Second)

	res, err := h.mgr.Result(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateAwaitingInput, res.State)
}

func TestBlockedToolNeverRuns(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_1", "dangerous.command", `{"cmd":"rm -rf /"}`)))

	exec := h.start("assistant", "", "do something dangerous")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, domain.ToolErrorCodeBlocked)
	assert.Equal(t, int32(0), h.counter("dangerous.command").Load())
}

func TestUnknownToolIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_1", "clock.now", `{}`)))

	exec := h.start("assistant", "", "what time is it")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, domain.ToolErrorCodeUnknownTool)
}

func TestDelegationByMention(t *testing.T) {
	var childMessages []domain.Message
	var mu sync.Mutex
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if isRouting(req) {
			return answer("none"), nil
		}
		switch req.AgentID {
		case "flights":
			mu.Lock()
			childMessages = append([]domain.Message(nil), req.Messages...)
			mu.Unlock()
			return answer("Booked flight AB123"), nil
		default:
			return answer("supervisor says: " + lastMessage(req).Content), nil
		}
	}))

	exec := h.start("supervisor", "", "@flights book me a flight to Rome")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, "Booked flight AB123")

	var body struct {
		AgentID     string `json:"agent_id"`
		ExecutionID string `json:"execution_id"`
		Answer      string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(res.FinalMessage, "supervisor says: ")), &body))
	assert.Equal(t, "flights", body.AgentID)

	child, err := h.mgr.GetExecution(context.Background(), body.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.ExecutionID, child.ParentExecutionID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, domain.ExecutionStateCompleted, child.State)
	assert.True(t, child.Deadline.Before(exec.Deadline))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, childMessages, 2)
	assert.Equal(t, "You book flights. Task: @flights book me a flight to Rome", childMessages[0].Content)
	for _, msg := range childMessages {
		assert.NotContains(t, msg.Content, "You coordinate travel.")
	}

	events := h.events(exec.ExecutionID)
	assert.Equal(t, domain.EventTypeRouting, events[0].Type)
	require.Equal(t, 1, countEvents(events, domain.EventTypeDelegating))
	for _, ev := range events {
		if ev.Type == domain.EventTypeDelegating {
			var p domain.DelegatingPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.Equal(t, "supervisor", p.FromAgentID)
			assert.Equal(t, "flights", p.ToAgentID)
			assert.Equal(t, 1, p.Depth)
		}
	}
}

func TestDelegationBeyondMaxDepthIsAToolError(t *testing.T) {
	var flightsSaw string
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if isRouting(req) {
			return answer("none"), nil
		}
		last := lastMessage(req)
		switch req.AgentID {
		case "flights":
			if last.Role == domain.RoleTool {
				flightsSaw = last.Content
				return answer("could not reach hotels"), nil
			}
			return calls(call("tc_hotel", domain.DelegateToolName, `{"agent_id":"hotels","task":"find a hotel"}`)), nil
		default:
			return answer("done"), nil
		}
	}), func(c *config.Config) { c.MaxDelegationDepth = 1 })

	exec := h.start("supervisor", "", "@flights plan my trip")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, flightsSaw, domain.ToolErrorCodeDepthExceeded)
}

func TestChildInterruptPropagatesToParent(t *testing.T) {
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if isRouting(req) {
			return answer("none"), nil
		}
		last := lastMessage(req)
		switch req.AgentID {
		case "flights":
			if last.Role == domain.RoleTool {
				return answer("paid: " + last.Content), nil
			}
			return calls(call("tc_pay", "payments.transfer", `{"amount":900,"to":"airline"}`)), nil
		default:
			return answer("supervisor: " + last.Content), nil
		}
	}))

	exec := h.start("supervisor", "", "@flights pay for the ticket")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateAwaitingInput, res.State)
	require.NotNil(t, res.Interrupt)

	var payload domain.ApprovalPayload
	require.NoError(t, json.Unmarshal(res.Interrupt.Payload, &payload))
	require.NotEmpty(t, payload.ChildExecutionID)
	var childPayload domain.ApprovalPayload
	require.NoError(t, json.Unmarshal(payload.ChildPayload, &childPayload))
	require.Len(t, childPayload.ToolCalls, 1)
	assert.Equal(t, "payments.transfer", childPayload.ToolCalls[0].Name)

	childRes, err := h.mgr.Result(context.Background(), payload.ChildExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateAwaitingInput, childRes.State)

	_, err = h.mgr.Resume(context.Background(), payload.ChildExecutionID, domain.ResumeResponse{Approved: true})
	assert.ErrorIs(t, err, domain.ErrNotAwaitingInput)

	_, err = h.mgr.Resume(context.Background(), exec.ExecutionID, domain.ResumeResponse{Approved: true})
	require.NoError(t, err)
	res = h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, "paid")
	assert.Equal(t, int32(1), h.counter("payments.transfer").Load())

	childRes, err = h.mgr.Result(context.Background(), payload.ChildExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateCompleted, childRes.State)
}

func blockingModel(started chan<- struct{}) llm.Model {
	return llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestCancelRunningExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingModel(started))

	exec := h.start("assistant", "thr_cancel", "think forever")
	<-started

	_, err := h.mgr.Start(context.Background(), "assistant", "thr_cancel", domain.Input{Content: "again"})
	assert.ErrorIs(t, err, domain.ErrThreadBusy)

	require.NoError(t, h.mgr.Cancel(context.Background(), exec.ExecutionID))
	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateFailed, res.State)
	assert.Equal(t, domain.ErrCancelled.Error(), res.Cause)

	err = h.mgr.Cancel(context.Background(), exec.ExecutionID)
	assert.ErrorIs(t, err, domain.ErrExecutionTerminal)

	events := h.events(exec.ExecutionID)
	assert.Equal(t, domain.EventTypeFailed, events[len(events)-1].Type)
}

func TestCancelAwaitingExecutionExpiresInterrupt(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_pay", "payments.transfer", `{"amount":500,"to":"bob"}`)))

	exec := h.start("assistant", "", "pay bob")
	require.Equal(t, domain.ExecutionStateAwaitingInput, h.wait(exec.ExecutionID).State)

	require.NoError(t, h.mgr.Cancel(context.Background(), exec.ExecutionID))
	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateFailed, res.State)

	in, err := h.store.GetLatestInterrupt(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptStatusTimedOut, in.Status)
}

func TestExecutionTimesOut(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingModel(started), func(c *config.Config) {
		c.Timeouts.Supervisor = 150 * time.Millisecond
	})

	exec := h.start("assistant", "", "slow")
	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateTimedOut, res.State)
	assert.Equal(t, domain.ErrBudgetExceeded.Error(), res.Cause)
	assert.Zero(t, res.RemainingMs)
}

func TestDeadlineSweepExpiresParkedExecution(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_pay", "payments.transfer", `{"amount":500,"to":"bob"}`)), func(c *config.Config) {
		c.Timeouts.Supervisor = 300 * time.Millisecond
		c.MinMargins.Tool = time.Millisecond
	})

	exec := h.start("assistant", "", "pay bob")
	require.Equal(t, domain.ExecutionStateAwaitingInput, h.wait(exec.ExecutionID).State)

	h.mgr.sweepDeadlines(context.Background())
	assert.Equal(t, domain.ExecutionStateAwaitingInput, h.wait(exec.ExecutionID).State)

	time.Sleep(350 * time.Millisecond)
	h.mgr.sweepDeadlines(context.Background())
	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateTimedOut, res.State)

	in, err := h.store.GetLatestInterrupt(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptStatusTimedOut, in.Status)
}

func TestMaxStepsFailsExecution(t *testing.T) {
	n := 0
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		n++
		return calls(call("", "weather.query", `{"city":"Oslo"}`)), nil
	}), func(c *config.Config) { c.MaxSteps = 2 })

	exec := h.start("assistant", "", "loop")
	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateFailed, res.State)
	assert.Contains(t, res.Cause, domain.ErrMaxStepsExceeded.Error())
	assert.Equal(t, int32(2), h.counter("weather.query").Load())
}

type failingPuts struct {
	checkpoint.Store
}

func (failingPuts) Put(context.Context, domain.Checkpoint) error {
	return errors.New("disk full")
}

func TestCheckpointFailureMarksLaterEvents(t *testing.T) {
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return answer("ok"), nil
	}))
	h.cps = failingPuts{Store: h.store}
	h.mgr = h.newManager()

	exec := h.start("assistant", "", "hi")
	res := h.wait(exec.ExecutionID)
	assert.Equal(t, domain.ExecutionStateFailed, res.State)
	assert.Contains(t, res.Cause, domain.ErrCheckpointWriteFailure.Error())

	events := h.events(exec.ExecutionID)
	require.NotEmpty(t, events)
	assert.Positive(t, countEvents(events, domain.EventTypeCheckpointFailed))
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeFailed, last.Type)
	assert.True(t, last.UnpersistedRisk)
}

func TestThreadCarriesConversation(t *testing.T) {
	var seen []domain.Message
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		seen = append([]domain.Message(nil), req.Messages...)
		return answer("answer to " + lastMessage(req).Content), nil
	}))

	first := h.start("assistant", "thr_chat", "first question")
	require.Equal(t, domain.ExecutionStateCompleted, h.wait(first.ExecutionID).State)

	second := h.start("assistant", "thr_chat", "second question")
	require.Equal(t, domain.ExecutionStateCompleted, h.wait(second.ExecutionID).State)

	var contents []string
	for _, msg := range seen {
		contents = append(contents, msg.Role+":"+msg.Content)
	}
	assert.Equal(t, []string{
		"system:You are assistant.",
		"user:first question",
		"assistant:answer to first question",
		"user:second question",
	}, contents)

	// The first execution is still readable after the thread moved on.
	res, err := h.mgr.Result(context.Background(), first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "answer to first question", res.FinalMessage)
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return answer("ok"), nil
	}))

	_, err := h.mgr.Start(context.Background(), "ghost", "", domain.Input{Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	_, err = h.mgr.Start(context.Background(), "", "", domain.Input{Content: "hi"})
	assert.Error(t, err)

	_, err = h.agents.Register(context.Background(), domain.AgentConfig{ID: "broken", PromptTemplate: "{{.Task"})
	require.NoError(t, err)
	exec, err := h.mgr.Start(context.Background(), "broken", "", domain.Input{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateFailed, exec.State)
	res := h.wait(exec.ExecutionID)
	assert.Contains(t, res.Cause, "invalid prompt template")

	_, err = h.mgr.Resume(context.Background(), "exe_missing", domain.ResumeResponse{Approved: true})
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func TestNewManagerValidatesContext(t *testing.T) {
	_, err := NewManager(Context{})
	assert.Error(t, err)
}

func TestShutdownLeavesInterruptedToolPending(t *testing.T) {
	h := newHarness(t, toolThenAnswer(call("tc_lookup", "archive.lookup", `{"id":"42"}`)))
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	require.NoError(t, h.tools.Register(domain.ToolSpec{Name: "archive.lookup"}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if runs.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"record":"found"}`), nil
	}))
	_, err := h.agents.Register(context.Background(), domain.AgentConfig{ID: "archivist", ToolNames: []string{"archive.lookup"}})
	require.NoError(t, err)

	exec := h.start("archivist", "", "find record 42")
	<-started
	h.mgr.Close()

	snap := h.snapshot(exec.ExecutionID)
	assert.Empty(t, snap.Committed)
	require.Len(t, snap.Pending, 1)

	restarted := h.newManager()
	_, err = restarted.ResumeThread(context.Background(), exec.ThreadID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := restarted.Wait(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, "found")
	assert.NotContains(t, res.FinalMessage, domain.ToolErrorCodeCancelled)
	assert.Equal(t, int32(2), runs.Load())
}

func TestShutdownSuspendsDelegatedChild(t *testing.T) {
	started := make(chan struct{}, 1)
	var flightsCalls atomic.Int32
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if isRouting(req) {
			return answer("none"), nil
		}
		switch req.AgentID {
		case "flights":
			if flightsCalls.Add(1) == 1 {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return answer("Booked flight AB123"), nil
		default:
			return answer("supervisor says: " + lastMessage(req).Content), nil
		}
	}))

	exec := h.start("supervisor", "", "@flights book me a flight to Rome")
	<-started
	h.mgr.Close()

	snap := h.snapshot(exec.ExecutionID)
	require.Len(t, snap.Pending, 1)
	assert.Empty(t, snap.Committed)
	childID := snap.Children[snap.Pending[0].ID]
	require.NotEmpty(t, childID)

	restarted := h.newManager()
	_, err := restarted.ResumeThread(context.Background(), exec.ThreadID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := restarted.Wait(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)
	assert.Contains(t, res.FinalMessage, "Booked flight AB123")
	assert.NotContains(t, res.FinalMessage, domain.ToolErrorCodeDelegationFailed)
	assert.Equal(t, int32(2), flightsCalls.Load())

	child, err := restarted.GetExecution(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateCompleted, child.State)
}

func TestChildDeadlineIsSubagentAllocation(t *testing.T) {
	model := llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if isRouting(req) {
			return answer("none"), nil
		}
		if req.AgentID == "flights" {
			return answer("Booked"), nil
		}
		return answer(lastMessage(req).Content), nil
	})
	const slack = 50 * time.Millisecond

	tests := []struct {
		name       string
		delegation time.Duration
	}{
		{"layer default", 420 * time.Second},
		{"clamped by delegation margin", 100 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, model, func(c *config.Config) { c.Timeouts.Delegation = tt.delegation })
			bm := budget.NewManager(h.cfg)

			exec := h.start("supervisor", "", "@flights book me a flight")
			res := h.wait(exec.ExecutionID)
			require.Equal(t, domain.ExecutionStateCompleted, res.State)

			var body struct {
				ExecutionID string `json:"execution_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(res.FinalMessage), &body))
			child, err := h.mgr.GetExecution(context.Background(), body.ExecutionID)
			require.NoError(t, err)

			limit := tt.delegation - bm.MarginFor(domain.LayerSubagent, tt.delegation)
			if def := h.cfg.Timeouts.Subagent; def < limit {
				limit = def
			}
			given := child.Deadline.Sub(child.CreatedAt)
			assert.LessOrEqual(t, given, limit+slack)
			assert.Greater(t, given, limit-5*time.Second)
		})
	}
}

type flakyPuts struct {
	checkpoint.Store
	failures atomic.Int32
}

func (f *flakyPuts) Put(ctx context.Context, cp domain.Checkpoint) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk busy")
	}
	return f.Store.Put(ctx, cp)
}

func TestUnpersistedRiskClearsAfterSuccessfulCheckpoint(t *testing.T) {
	h := newHarness(t, llm.Func(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return answer("ok"), nil
	}))
	flaky := &flakyPuts{Store: h.store}
	flaky.failures.Store(int32(h.cfg.CheckpointRetry.MaxAttempts))
	h.cps = flaky
	h.mgr = h.newManager()

	exec := h.start("assistant", "", "hi")
	res := h.wait(exec.ExecutionID)
	require.Equal(t, domain.ExecutionStateCompleted, res.State)

	events := h.events(exec.ExecutionID)
	require.Equal(t, 1, countEvents(events, domain.EventTypeCheckpointFailed))
	for _, ev := range events {
		if ev.Type == domain.EventTypeCheckpointFailed {
			assert.True(t, ev.UnpersistedRisk)
		}
	}
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeCompleted, last.Type)
	assert.False(t, last.UnpersistedRisk)
}
