// Package observability collects Prometheus metrics for the gateway:
// chat turns, provider streaming, tool execution, and the HTTP surface.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway registers. All helper methods
// are nil-safe so components can run without a registry (tests, tools).
type Metrics struct {
	// TurnCounter counts chat turns by terminal status.
	// Labels: status (completed|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds, including the
	// tool loop.
	TurnDuration prometheus.Histogram

	// ProviderRequestCounter counts provider streaming requests.
	// Labels: model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption reported in usage frames.
	// Labels: model, type (prompt|completion)
	ProviderTokensUsed *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error|malformed)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with the given registerer. Pass
// prometheus.DefaultRegisterer in the server, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Total chat turns by terminal status",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "Full chat turn latency including the tool loop",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_requests_total",
				Help: "Provider streaming requests by model and status",
			},
			[]string{"model", "status"},
		),
		ProviderTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_tokens_total",
				Help: "Tokens reported by provider usage frames",
			},
			[]string{"model", "type"},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_calls_total",
				Help: "Tool invocations by qualified name and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_call_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "HTTP API request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// TurnFinished records a completed turn and its duration.
func (m *Metrics) TurnFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

// ProviderRequest records one streaming request outcome.
func (m *Metrics) ProviderRequest(model, status string) {
	if m == nil {
		return
	}
	m.ProviderRequestCounter.WithLabelValues(model, status).Inc()
}

// TokensUsed records usage-frame token counts.
func (m *Metrics) TokensUsed(model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.ProviderTokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.ProviderTokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
}

// ToolCall records one tool invocation outcome and its duration.
func (m *Metrics) ToolCall(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// HTTPRequest records one handled request.
func (m *Metrics) HTTPRequest(method, path, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(elapsed.Seconds())
}
