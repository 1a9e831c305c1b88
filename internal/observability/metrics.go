package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus metrics.
//
// Each Metrics value owns its own registry, exposed via Handler, so server
// and tests never fight over duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts completed turns.
	// Labels: status (completed|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	TurnDuration prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (completed|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// PermissionDecisionCounter counts permission outcomes.
	// Labels: decision (allow|deny|ask_approved|ask_rejected|timeout)
	PermissionDecisionCounter *prometheus.CounterVec

	// BusEventCounter counts published bus envelopes by event type.
	// Labels: event
	BusEventCounter *prometheus.CounterVec

	// ProviderRetryCounter counts provider stream retries.
	// Labels: provider
	ProviderRetryCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption reported by providers.
	// Labels: provider, model, type (input|output)
	ProviderTokensUsed *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics set backed by a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kuuzuki_turns_total",
				Help: "Total number of turns by final status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kuuzuki_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kuuzuki_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kuuzuki_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		PermissionDecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kuuzuki_permission_decisions_total",
				Help: "Total number of permission decisions by outcome",
			},
			[]string{"decision"},
		),

		BusEventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kuuzuki_bus_events_total",
				Help: "Total number of bus envelopes published by event type",
			},
			[]string{"event"},
		),

		ProviderRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kuuzuki_provider_retries_total",
				Help: "Total number of provider stream retries",
			},
			[]string{"provider"},
		),

		ProviderTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kuuzuki_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kuuzuki_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// Handler serves this metric set in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
