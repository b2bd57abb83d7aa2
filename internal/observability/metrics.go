// Package observability provides Prometheus metrics and OpenTelemetry spans
// for the orchestrator.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the orchestrator's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// ExecutionsTotal counts terminal executions.
	// Labels: agent_id, state (completed|failed|timed_out)
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionDuration measures wall time from start to terminal state.
	// Labels: agent_id
	ExecutionDuration *prometheus.HistogramVec

	// ActiveExecutions tracks executions held in memory.
	ActiveExecutions prometheus.Gauge

	// ToolCallsTotal counts dispatched tool calls.
	// Labels: tool_name, status (succeeded|failed), code
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// DelegationsTotal counts delegations by target and outcome.
	// Labels: to_agent_id, outcome
	DelegationsTotal *prometheus.CounterVec

	// CheckpointWritesTotal counts checkpoint write attempts.
	// Labels: status (ok|retry|failed)
	CheckpointWritesTotal *prometheus.CounterVec

	// GraphCacheTotal counts plan lookups.
	// Labels: result (hit|miss|shared|error)
	GraphCacheTotal *prometheus.CounterVec

	// InterruptsTotal counts interrupt transitions.
	// Labels: status (raised|resolved|timed_out)
	InterruptsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_executions_total",
				Help: "Total number of executions that reached a terminal state",
			},
			[]string{"agent_id", "state"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_execution_duration_seconds",
				Help:    "Duration of executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"agent_id"},
		),
		ActiveExecutions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_executions",
				Help: "Number of executions currently held in memory",
			},
		),
		ToolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_calls_total",
				Help: "Total number of tool calls by tool, status and error code",
			},
			[]string{"tool_name", "status", "code"},
		),
		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		DelegationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_delegations_total",
				Help: "Total number of delegations by target agent and outcome",
			},
			[]string{"to_agent_id", "outcome"},
		),
		CheckpointWritesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_checkpoint_writes_total",
				Help: "Total number of checkpoint write attempts by status",
			},
			[]string{"status"},
		),
		GraphCacheTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_graph_cache_total",
				Help: "Total number of compiled plan lookups by result",
			},
			[]string{"result"},
		),
		InterruptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_interrupts_total",
				Help: "Total number of interrupt transitions by status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) ExecutionFinished(agentID, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(agentID, state).Inc()
	m.ExecutionDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

func (m *Metrics) ExecutionTracked(delta float64) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Add(delta)
}

func (m *Metrics) ToolCall(toolName, status, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(toolName, status, code).Inc()
	m.ToolCallDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

func (m *Metrics) Delegation(toAgentID, outcome string) {
	if m == nil {
		return
	}
	m.DelegationsTotal.WithLabelValues(toAgentID, outcome).Inc()
}

func (m *Metrics) CheckpointWrite(status string) {
	if m == nil {
		return
	}
	m.CheckpointWritesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) GraphCache(result string) {
	if m == nil {
		return
	}
	m.GraphCacheTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Interrupt(status string) {
	if m == nil {
		return
	}
	m.InterruptsTotal.WithLabelValues(status).Inc()
}
