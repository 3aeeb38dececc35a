package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the service exports. Collectors
// are registered on the Registerer given to NewMetrics so tests can use a
// private registry.
type Metrics struct {
	GenerationCalls   *prometheus.CounterVec
	GenerationLatency *prometheus.HistogramVec
	GenerationTokens  *prometheus.CounterVec
	CallLogFailures   prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	FlowRuns          *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GenerationCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_generation_calls_total",
				Help: "Generation calls by provider, model and outcome",
			},
			[]string{"provider", "model", "status"},
		),
		GenerationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_generation_duration_milliseconds",
				Help:    "Generation call latency in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"provider", "model"},
		),
		GenerationTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_generation_tokens_total",
				Help: "Tokens reported by providers",
			},
			[]string{"provider", "direction"},
		),
		CallLogFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "copilot_call_log_write_failures_total",
				Help: "Call-log entries that could not be persisted",
			},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		FlowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_flow_runs_total",
				Help: "Orchestrator runs by use case and terminal state",
			},
			[]string{"use_case", "state"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "copilot_rate_limited_requests_total",
				Help: "Requests rejected by the per-tenant rate limiter",
			},
		),
	}

	reg.MustRegister(
		m.GenerationCalls,
		m.GenerationLatency,
		m.GenerationTokens,
		m.CallLogFailures,
		m.ToolCalls,
		m.FlowRuns,
		m.RateLimited,
	)
	return m
}

// NewNopMetrics returns collectors registered on a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
