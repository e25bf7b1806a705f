// Package monitoring exposes gateway metrics in Prometheus format.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's metric set on its own registry, so tests can hold
// multiple instances without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProviderCalls   *prometheus.CounterVec
	StreamsActive   prometheus.Gauge
	PendingLoops    prometheus.Gauge
}

// New creates and registers the metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecodex_requests_total",
			Help: "Requests by entry protocol and outcome status.",
		}, []string{"protocol", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routecodex_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"protocol"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecodex_provider_calls_total",
			Help: "Upstream calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecodex_streams_active",
			Help: "Client SSE streams currently open.",
		}),
		PendingLoops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecodex_pending_tool_loops",
			Help: "Tool-loop continuations awaiting submit_tool_outputs.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ProviderCalls, m.StreamsActive, m.PendingLoops)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
