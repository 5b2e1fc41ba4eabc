// Package metrics provides Prometheus metrics for the assistant service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Backend dispatch
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec
	BackendRetriesTotal    *prometheus.CounterVec
	TokensTotal            *prometheus.CounterVec

	// Conversation flow
	MessagesTotal     *prometheus.CounterVec
	RateLimitedTotal  prometheus.Counter
	FallbackTotal     prometheus.Counter
	BestEffortFailure *prometheus.CounterVec
}

// New creates the collectors on a private registry so several instances can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.BackendRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_backend_requests_total",
			Help: "Backend calls by backend and outcome (ok, retryable, terminal)",
		},
		[]string{"backend", "outcome"},
	)
	m.BackendRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_backend_request_duration_seconds",
			Help:    "Duration of a single backend attempt",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		},
		[]string{"backend"},
	)
	m.BackendRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_backend_retries_total",
			Help: "Retries scheduled after a retryable backend failure",
		},
		[]string{"backend"},
	)
	m.TokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_tokens_total",
			Help: "Tokens reported by backends, all accounting fields summed",
		},
		[]string{"backend"},
	)
	m.MessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_messages_total",
			Help: "Persisted messages by type",
		},
		[]string{"type"},
	)
	m.RateLimitedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "assistant_rate_limited_total",
		Help: "Requests rejected by the per-identity rate limiter",
	})
	m.FallbackTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "assistant_fallback_replies_total",
		Help: "Assistant replies replaced by the fallback text after a backend failure",
	})
	m.BestEffortFailure = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_best_effort_failures_total",
			Help: "Failures of steps that do not abort the request",
		},
		[]string{"step"},
	)

	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordBackendAttempt records one backend attempt.
func (m *Metrics) RecordBackendAttempt(backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(backend, outcome).Inc()
	m.BackendRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(backend string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordTokens adds reported tokens.
func (m *Metrics) RecordTokens(backend string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(backend).Add(float64(tokens))
}

// RecordMessage counts a persisted message.
func (m *Metrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordFallback counts a fallback reply.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbackTotal.Inc()
}

// RecordBestEffortFailure counts a failed non-critical step (stats, usage, audit, ...).
func (m *Metrics) RecordBestEffortFailure(step string) {
	if m == nil {
		return
	}
	m.BestEffortFailure.WithLabelValues(step).Inc()
}
