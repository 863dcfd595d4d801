// Package observability provides Prometheus instrumentation for the
// agent runtime: LLM request latency/tokens, tool execution outcomes,
// and Routine Executor task/plan progress. Ground: the teacher's
// internal/observability package, generalized from channel/session
// metrics to the runtime's own LLM-call, tool-call, and task lifecycle.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters and histograms. All label sets are
// low-cardinality (status/tier/tool-name/kind), never agent or task IDs.
type Metrics struct {
	// LLMRequestCounter counts provider.Generate calls by outcome.
	// Labels: status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider.Generate latency in seconds.
	// Labels: status
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption by type.
	// Labels: type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool and outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// AgentRunCounter counts Agent.Run completions by outcome.
	// Labels: status (success|error)
	AgentRunCounter *prometheus.CounterVec

	// AgentRunIterations records how many loop iterations a run took.
	AgentRunIterations *prometheus.HistogramVec

	// RoutineTaskCounter counts routine task terminal transitions.
	// Labels: status (completed|failed|skipped|cancelled)
	RoutineTaskCounter *prometheus.CounterVec

	// RoutineTaskDuration measures a task's run time from start to
	// terminal status, in seconds. Labels: status
	RoutineTaskDuration *prometheus.HistogramVec

	// RoutinePlanCounter counts plan completions by terminal status.
	// Labels: status (completed|failed|cancelled)
	RoutinePlanCounter *prometheus.CounterVec

	// ExternalWaitCounter counts external-dependency wait outcomes.
	// Labels: type (webhook|poll|scheduled|manual), outcome (resolved|timeout)
	ExternalWaitCounter *prometheus.CounterVec
}

// New constructs and registers metrics with reg. Passing nil produces
// unregistered (but still usable) metrics, the pattern promauto.With
// documents for tests that want isolation from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM provider requests by outcome",
			},
			[]string{"status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total number of tokens used by type",
			},
			[]string{"type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and outcome",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),
		AgentRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_agent_runs_total",
				Help: "Total number of Agent.Run completions by outcome",
			},
			[]string{"status"},
		),
		AgentRunIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_agent_run_iterations",
				Help:    "Number of provider/tool loop iterations per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"status"},
		),
		RoutineTaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_routine_tasks_total",
				Help: "Total number of routine task terminal transitions by status",
			},
			[]string{"status"},
		),
		RoutineTaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_routine_task_duration_seconds",
				Help:    "Duration of a routine task from start to terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		RoutinePlanCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_routine_plans_total",
				Help: "Total number of routine plan completions by terminal status",
			},
			[]string{"status"},
		),
		ExternalWaitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_routine_external_waits_total",
				Help: "Total number of external-dependency waits by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}
}

// RecordLLMRequest records one provider.Generate call's outcome,
// latency, and token usage.
func (m *Metrics) RecordLLMRequest(status string, duration time.Duration, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(status).Inc()
	m.LLMRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool call's outcome and latency.
func (m *Metrics) RecordToolExecution(toolName, status string, duration time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordAgentRun records one Agent.Run's outcome and iteration count.
func (m *Metrics) RecordAgentRun(status string, iterations int) {
	m.AgentRunCounter.WithLabelValues(status).Inc()
	m.AgentRunIterations.WithLabelValues(status).Observe(float64(iterations))
}

// RecordRoutineTask records a task's terminal status and, if duration
// is positive, its run duration.
func (m *Metrics) RecordRoutineTask(status string, duration time.Duration) {
	m.RoutineTaskCounter.WithLabelValues(status).Inc()
	if duration > 0 {
		m.RoutineTaskDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// RecordRoutinePlan records a plan's terminal status.
func (m *Metrics) RecordRoutinePlan(status string) {
	m.RoutinePlanCounter.WithLabelValues(status).Inc()
}

// RecordExternalWait records an external-dependency wait's resolution.
func (m *Metrics) RecordExternalWait(waitType, outcome string) {
	m.ExternalWaitCounter.WithLabelValues(waitType, outcome).Inc()
}
