package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central Prometheus instrumentation for the runtime. One
// instance is created at startup and shared by all components.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls by provider, model, status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model, type.
	LLMTokensUsed *prometheus.CounterVec

	// RouterSelections counts routing decisions by task and chosen provider.
	RouterSelections *prometheus.CounterVec

	// RouterFallbacks counts fallbacks by from-provider and reason.
	RouterFallbacks *prometheus.CounterVec

	// CacheOps counts cache lookups by tier and result (hit|miss|error).
	CacheOps *prometheus.CounterVec

	// RateLimitDecisions counts admissions by route and decision.
	RateLimitDecisions *prometheus.CounterVec

	// SecurityBlocks counts security pipeline blocks by filter.
	SecurityBlocks *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool and outcome.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions gauges resident sessions by channel.
	ActiveSessions *prometheus.GaugeVec

	// SessionFlushes counts write-behind flushes by trigger
	// (threshold|idle|evict|shutdown).
	SessionFlushes *prometheus.CounterVec

	// ErrorCounter tracks errors by component and kind.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers all metrics on the given registerer. Passing nil uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_messages_total",
				Help: "Messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratum_llm_request_duration_seconds",
				Help:    "Duration of LLM provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_llm_requests_total",
				Help: "LLM provider calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		RouterSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_router_selections_total",
				Help: "Routing decisions by task classification and provider",
			},
			[]string{"task", "provider"},
		),
		RouterFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_router_fallbacks_total",
				Help: "Provider fallbacks by source provider and reason",
			},
			[]string{"provider", "reason"},
		),
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_cache_ops_total",
				Help: "Cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_ratelimit_decisions_total",
				Help: "Rate limit admissions by route and decision",
			},
			[]string{"route", "decision"},
		),
		SecurityBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_security_blocks_total",
				Help: "Security pipeline blocks by filter",
			},
			[]string{"filter"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_tool_executions_total",
				Help: "Tool invocations by tool name and outcome",
			},
			[]string{"tool_name", "outcome"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratum_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stratum_active_sessions",
				Help: "Resident sessions by channel",
			},
			[]string{"channel"},
		),
		SessionFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_session_flushes_total",
				Help: "Write-behind session flushes by trigger",
			},
			[]string{"trigger"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_errors_total",
				Help: "Errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}

// NewTestMetrics returns metrics bound to a private registry so tests do not
// collide on the default one.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) RecordToolExecution(tool, outcome string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}
