// Package observability collects Prometheus metrics for the agent
// loop, tool dispatch, and the scheduler.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized metric set, registered once at startup.
type Metrics struct {
	// TurnCounter counts agent loop turns.
	// Labels: outcome (completed|loop_detected|timeout|max_turns|no_progress|cancelled|error)
	TurnCounter *prometheus.CounterVec

	// ToolCallCounter counts tool dispatches.
	// Labels: server, tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: server, tool
	ToolCallDuration *prometheus.HistogramVec

	// DuplicateCallCounter counts per-query dedup cache hits.
	DuplicateCallCounter prometheus.Counter

	// LoopTerminations counts queries cut short by loop detection.
	LoopTerminations prometheus.Counter

	// BackendTokens tracks token usage as reported by the chat backend.
	// Labels: model, type (input|output)
	BackendTokens *prometheus.CounterVec

	// SchedulerRuns counts schedule unit executions.
	// Labels: unit, status (success|error)
	SchedulerRuns *prometheus.CounterVec
}

// NewMetrics registers the metric set with reg (default registry when
// nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiops_agent_turns_total",
			Help: "Agent loop turns by query outcome.",
		}, []string{"outcome"}),
		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiops_tool_calls_total",
			Help: "Tool dispatches by server, tool, and status.",
		}, []string{"server", "tool", "status"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiops_tool_call_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"server", "tool"}),
		DuplicateCallCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiops_duplicate_tool_calls_total",
			Help: "Tool calls answered from the per-query dedup cache.",
		}),
		LoopTerminations: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiops_loop_terminations_total",
			Help: "Queries terminated by repeated-signature loop detection.",
		}),
		BackendTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiops_backend_tokens_total",
			Help: "Chat backend token usage.",
		}, []string{"model", "type"}),
		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiops_scheduler_runs_total",
			Help: "Schedule unit executions by status.",
		}, []string{"unit", "status"}),
	}
}

// Nop returns a metric set backed by a private registry, for tests and
// embedded use.
func Nop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
