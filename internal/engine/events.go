package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

// eventStream orders the events of one execution. Producers block while
// the buffer is full, so a slow store slows the execution instead of
// dropping events.
type eventStream struct {
	mu     sync.Mutex
	ch     chan domain.Event
	seq    int64
	closed bool
	done   chan struct{}
}

func newEventStream(size int, lastSeq int64) *eventStream {
	if size <= 0 {
		size = 64
	}
	return &eventStream{
		ch:   make(chan domain.Event, size),
		seq:  lastSeq,
		done: make(chan struct{}),
	}
}

func (s *eventStream) publish(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.seq++
	ev.Seq = s.seq
	s.ch <- ev
	return true
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// record persists events in order until the stream is closed.
func (m *Manager) record(s *eventStream) {
	defer m.recorders.Done()
	defer close(s.done)
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.oc.Store.CreateEvent(ctx, &ev); err != nil {
			log.Warnf("failed to record event %s for %s: %v", ev.Type, ev.ExecutionID, err)
		}
		cancel()
	}
}

func (m *Manager) emit(r *run, typ domain.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("failed to encode %s payload: %v", typ, err)
		raw = json.RawMessage(`{}`)
	}
	r.mu.Lock()
	exec := r.snap.Execution
	r.mu.Unlock()

	ev := domain.Event{
		EventID:         "evt_" + uuid.New().String()[:8],
		ExecutionID:     exec.ExecutionID,
		ThreadID:        exec.ThreadID,
		Ts:              m.oc.Budget.Now().UnixMilli(),
		Type:            typ,
		Payload:         raw,
		UnpersistedRisk: exec.UnpersistedRisk,
	}
	if !r.events.publish(ev) {
		log.Debugf("dropping %s event for finished execution %s", typ, exec.ExecutionID)
	}
}

func (m *Manager) emitState(r *run, typ domain.EventType) {
	r.mu.Lock()
	payload := domain.StatePayload{
		AgentID: r.snap.Execution.AgentID,
		Depth:   r.snap.Execution.Depth,
		Step:    r.snap.Step,
	}
	r.mu.Unlock()
	m.emit(r, typ, payload)
}

// toolObserver turns dispatcher callbacks into tool events.
type toolObserver struct {
	m *Manager
	r *run
}

func (o toolObserver) ToolStarted(call domain.ToolCall) {
	o.m.emit(o.r, domain.EventTypeToolStarted, domain.ToolStartedPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Args,
	})
}

func (o toolObserver) ToolFinished(res domain.ToolResult) {
	o.m.emit(o.r, domain.EventTypeToolFinished, finishedPayload(res))
}

func finishedPayload(res domain.ToolResult) domain.ToolFinishedPayload {
	return domain.ToolFinishedPayload{
		ToolCallID: res.ToolCallID,
		ToolName:   res.ToolName,
		Status:     res.Status,
		Result:     res.Result,
		Error:      res.Error,
		DurationMs: res.Duration().Milliseconds(),
	}
}
