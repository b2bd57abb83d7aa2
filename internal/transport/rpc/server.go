// Package rpc exposes the execution control API over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"time"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

// ServiceName is the name methods are registered under, e.g. "Conductor.Start".
const ServiceName = "Conductor"

// callTimeout bounds non-blocking calls; RPC methods carry no context.
const callTimeout = 30 * time.Second

// Engine is the execution control surface served over RPC.
type Engine interface {
	Start(ctx context.Context, agentID, threadID string, input domain.Input) (domain.Execution, error)
	Resume(ctx context.Context, executionID string, response domain.ResumeResponse) (domain.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Result(ctx context.Context, executionID string) (domain.ExecutionResult, error)
	GetState(ctx context.Context, threadID string) (*domain.CheckpointSummary, error)
	WaitForResponse(ctx context.Context, executionID string, timeout time.Duration) (*domain.Interrupt, error)
}

// Server accepts JSON-RPC connections.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to engine.
func NewServer(engine Engine) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{engine: engine}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Listen binds addr. It is split from Serve so callers learn the bound
// address, e.g. with ":0".
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Warnf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	engine Engine
}

// StartArgs starts an execution.
type StartArgs = domain.StartRequest

// ExecutionArgs identifies an execution.
type ExecutionArgs struct {
	ExecutionID string `json:"execution_id"`
}

// ResumeArgs answers the open interrupt of an execution.
type ResumeArgs struct {
	ExecutionID string                `json:"execution_id"`
	Response    domain.ResumeResponse `json:"response"`
}

// ThreadArgs identifies a thread.
type ThreadArgs struct {
	ThreadID string `json:"thread_id"`
}

// WaitArgs waits for an interrupt response.
type WaitArgs struct {
	ExecutionID string `json:"execution_id"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// Start starts an execution and returns its identifiers.
func (h *Handler) Start(req *StartArgs, resp *domain.StartResponse) error {
	if req == nil {
		return errors.New("start request is required")
	}
	if req.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return errors.New("input is required")
	}

	ctx, cancel := callContext()
	defer cancel()
	exec, err := h.engine.Start(ctx, req.AgentID, req.ThreadID, domain.Input{Content: req.Input, Context: req.Context})
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = domain.StartResponse{ExecutionID: exec.ExecutionID, ThreadID: exec.ThreadID, AgentID: exec.AgentID}
	}
	return nil
}

// Resume answers the open interrupt of an execution.
func (h *Handler) Resume(req *ResumeArgs, resp *domain.Execution) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}

	ctx, cancel := callContext()
	defer cancel()
	exec, err := h.engine.Resume(ctx, req.ExecutionID, req.Response)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = exec
	}
	return nil
}

// Cancel cancels an execution.
func (h *Handler) Cancel(req *ExecutionArgs, resp *AckResponse) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}

	ctx, cancel := callContext()
	defer cancel()
	if err := h.engine.Cancel(ctx, req.ExecutionID); err != nil {
		return err
	}
	if resp != nil {
		resp.OK = true
	}
	return nil
}

// Result reports the current outcome of an execution.
func (h *Handler) Result(req *ExecutionArgs, resp *domain.ExecutionResult) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}

	ctx, cancel := callContext()
	defer cancel()
	res, err := h.engine.Result(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = res
	}
	return nil
}

// GetState summarizes the latest checkpoint of a thread.
func (h *Handler) GetState(req *ThreadArgs, resp *domain.CheckpointSummary) error {
	if req == nil || req.ThreadID == "" {
		return errors.New("thread_id is required")
	}

	ctx, cancel := callContext()
	defer cancel()
	summary, err := h.engine.GetState(ctx, req.ThreadID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *summary
	}
	return nil
}

// WaitForResponse blocks until the open interrupt is answered or the
// timeout passes.
func (h *Handler) WaitForResponse(req *WaitArgs, resp *domain.Interrupt) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	in, err := h.engine.WaitForResponse(context.Background(), req.ExecutionID, timeout)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *in
	}
	return nil
}
