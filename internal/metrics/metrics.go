// Package metrics owns the Prometheus collectors of the gateway process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds a private registry and the collectors registered on it.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	rejections *prometheus.CounterVec
	rateLimit  *prometheus.CounterVec
	fallbacks  prometheus.Counter

	webhookOutcomes *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	staleEvents     prometheus.Gauge
	sessionsPurged  prometheus.Counter
}

// New creates the collectors under namespace and registers them, together
// with the process and Go runtime collectors, on a fresh registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"surface", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"surface", "method", "path"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rejections_total",
			Help:      "Requests short-circuited by a gateway stage, by error code.",
		}, []string{"surface", "code"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by route.",
		}, []string{"route", "allowed"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limit_fallbacks_total",
			Help:      "Shared limiter failures answered by the local limiter.",
		}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Duration of claimed event processing.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"provider", "status"}),
		staleEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "stale_events",
			Help:      "Events stuck in RECEIVED or PROCESSING beyond the stale threshold.",
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "purged_total",
			Help:      "Expired or revoked sessions deleted by housekeeping.",
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.rejections,
		m.rateLimit,
		m.fallbacks,
		m.webhookOutcomes,
		m.webhookDuration,
		m.staleEvents,
		m.sessionsPurged,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() {
	if m != nil {
		m.httpInFlight.Inc()
	}
}

func (m *Metrics) DecrementInFlight() {
	if m != nil {
		m.httpInFlight.Dec()
	}
}

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(surface, method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(surface, method, path, status).Inc()
	m.httpDuration.WithLabelValues(surface, method, path).Observe(duration.Seconds())
}

// RecordRejection counts a request rejected by a gateway stage.
func (m *Metrics) RecordRejection(surface, code string) {
	if m != nil {
		m.rejections.WithLabelValues(surface, code).Inc()
	}
}

// RecordRateLimit counts a limiter decision.
func (m *Metrics) RecordRateLimit(route string, allowed bool) {
	if m == nil {
		return
	}
	result := "false"
	if allowed {
		result = "true"
	}
	m.rateLimit.WithLabelValues(route, result).Inc()
}

// RecordLimiterFallback counts a shared limiter failure.
func (m *Metrics) RecordLimiterFallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

// RecordWebhook counts a webhook delivery outcome (processed, duplicate,
// ignored, rejected, failed).
func (m *Metrics) RecordWebhook(provider, outcome string) {
	if m != nil {
		m.webhookOutcomes.WithLabelValues(provider, outcome).Inc()
	}
}

// ObserveProcessing records how long a claimed event took to reach status.
func (m *Metrics) ObserveProcessing(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.webhookDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// SetStaleEvents publishes the number of stale events.
func (m *Metrics) SetStaleEvents(n int) {
	if m != nil {
		m.staleEvents.Set(float64(n))
	}
}

// AddSessionsPurged counts purged sessions.
func (m *Metrics) AddSessionsPurged(n int64) {
	if m != nil && n > 0 {
		m.sessionsPurged.Add(float64(n))
	}
}
