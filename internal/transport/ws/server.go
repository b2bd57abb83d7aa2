// Package ws provides a WebSocket control channel: clients start, resume
// and cancel executions and receive their events as they are recorded.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

// Engine is the execution control surface used by the WebSocket server.
type Engine interface {
	Start(ctx context.Context, agentID, threadID string, input domain.Input) (domain.Execution, error)
	Resume(ctx context.Context, executionID string, response domain.ResumeResponse) (domain.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Events(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)
}

// Options tunes connection handling.
type Options struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PollInterval   time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns the standard connection settings.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		MaxMessageSize: 64 << 10,
	}
}

const (
	callTimeout = 30 * time.Second
	pollBatch   = 100
)

// Server handles WebSocket connections.
type Server struct {
	engine   Engine
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(engine Engine, opts Options) *Server {
	return &Server{
		engine: engine,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// connection is one client. Subscriptions live until their execution
// emits a terminal event or the client goes away.
type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]struct{}
}

// HandleWebSocket upgrades the request and serves the connection.
// GET /v1/ws
func (s *Server) HandleWebSocket(c echo.Context) error {
	wsConn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("failed to upgrade WebSocket: %v", err)
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:     uuid.New().String(),
		conn:   wsConn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]struct{}),
	}
	wsConn.SetReadLimit(s.opts.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Server) readPump(conn *connection) {
	defer conn.cancel()

	_ = conn.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, message, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("WebSocket %s error: %v", conn.id, err)
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.conn.Close()
	}()

	for {
		select {
		case <-conn.ctx.Done():
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			_ = conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-conn.send:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warnf("failed to write to WebSocket %s: %v", conn.id, err)
				conn.cancel()
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.cancel()
				return
			}
		}
	}
}

// sendJSON queues msg, giving up when the client is gone.
func (conn *connection) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("failed to marshal WebSocket message: %v", err)
		return
	}
	select {
	case conn.send <- data:
	case <-conn.ctx.Done():
	}
}

func (s *Server) sendError(conn *connection, base BaseMessage, code, message string) {
	conn.sendJSON(ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: time.Now().UnixMilli(), RequestID: base.RequestID, ExecutionID: base.ExecutionID},
		Code:        code,
		Message:     message,
	})
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *connection, data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, base, ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case TypeStart:
		var msg StartMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.AgentID == "" || msg.Input == "" {
			s.sendError(conn, base, ErrorCodeInvalidMessage, "start requires agent_id and input")
			return
		}
		go s.handleStart(conn, msg)
	case TypeResume:
		var msg ResumeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ExecutionID == "" {
			s.sendError(conn, base, ErrorCodeInvalidMessage, "resume requires execution_id")
			return
		}
		go s.handleResume(conn, msg)
	case TypeCancel:
		if base.ExecutionID == "" {
			s.sendError(conn, base, ErrorCodeInvalidMessage, "cancel requires execution_id")
			return
		}
		go s.handleCancel(conn, base)
	case TypeSubscribe:
		var msg SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ExecutionID == "" {
			s.sendError(conn, base, ErrorCodeInvalidMessage, "subscribe requires execution_id")
			return
		}
		s.subscribe(conn, msg.ExecutionID, msg.AfterSeq)
	default:
		s.sendError(conn, base, ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

func (s *Server) handleStart(conn *connection, msg StartMessage) {
	ctx, cancel := context.WithTimeout(conn.ctx, callTimeout)
	defer cancel()

	exec, err := s.engine.Start(ctx, msg.AgentID, msg.ThreadID, domain.Input{Content: msg.Input, Context: msg.Context})
	if err != nil {
		s.sendError(conn, msg.BaseMessage, ErrorCodeEngineFail, err.Error())
		return
	}
	conn.sendJSON(StartedMessage{
		BaseMessage: BaseMessage{Type: TypeStarted, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID, ExecutionID: exec.ExecutionID},
		ThreadID:    exec.ThreadID,
		AgentID:     exec.AgentID,
	})
	s.subscribe(conn, exec.ExecutionID, 0)
}

func (s *Server) handleResume(conn *connection, msg ResumeMessage) {
	ctx, cancel := context.WithTimeout(conn.ctx, callTimeout)
	defer cancel()

	_, err := s.engine.Resume(ctx, msg.ExecutionID, domain.ResumeResponse{Approved: msg.Approved, Reason: msg.Reason, Data: msg.Data})
	if err != nil {
		s.sendError(conn, msg.BaseMessage, ErrorCodeEngineFail, err.Error())
	}
}

func (s *Server) handleCancel(conn *connection, msg BaseMessage) {
	ctx, cancel := context.WithTimeout(conn.ctx, callTimeout)
	defer cancel()

	if err := s.engine.Cancel(ctx, msg.ExecutionID); err != nil {
		s.sendError(conn, msg, ErrorCodeEngineFail, err.Error())
		return
	}
	conn.sendJSON(BaseMessage{Type: TypeCancelled, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID, ExecutionID: msg.ExecutionID})
}

// subscribe forwards events of executionID to conn. A second subscription
// to the same execution is ignored.
func (s *Server) subscribe(conn *connection, executionID string, afterSeq int64) {
	conn.mu.Lock()
	if _, ok := conn.subs[executionID]; ok {
		conn.mu.Unlock()
		return
	}
	conn.subs[executionID] = struct{}{}
	conn.mu.Unlock()

	go func() {
		defer func() {
			conn.mu.Lock()
			delete(conn.subs, executionID)
			conn.mu.Unlock()
		}()

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		lastSeq := afterSeq
		for {
			events, err := s.engine.Events(conn.ctx, executionID, lastSeq, nil, pollBatch)
			if err != nil && conn.ctx.Err() == nil {
				log.Errorf("failed to get events of %s: %v", executionID, err)
			}
			for _, ev := range events {
				conn.sendJSON(EventMessage{
					BaseMessage: BaseMessage{Type: TypeEvent, Ts: ev.Ts, ExecutionID: executionID},
					Event:       ev,
				})
				lastSeq = ev.Seq
				if ev.Type.IsTerminal() {
					return
				}
			}
			if len(events) == pollBatch {
				continue
			}
			select {
			case <-conn.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
