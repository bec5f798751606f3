package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records request client activity. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	dedupHits       *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	return &Metrics{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "devlink_requests_total",
				Help: "Total number of logical API requests by outcome",
			},
			[]string{"service", "method", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devlink_request_attempt_duration_seconds",
				Help:    "Duration of individual HTTP attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "devlink_request_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"service"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "devlink_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"service"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "devlink_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"service"},
		),
		dedupHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "devlink_dedup_hits_total",
				Help: "Total number of requests served by a shared in-flight call",
			},
			[]string{"service"},
		),
	}
}

func (m *Metrics) recordRequest(service, method string, err error) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, method, outcome(err)).Inc()
}

func (m *Metrics) recordAttempt(service, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) recordRetry(service string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) recordCache(service string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.WithLabelValues(service).Inc()
		return
	}
	m.cacheMisses.WithLabelValues(service).Inc()
}

func (m *Metrics) recordDedup(service string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(service).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsCanceled(err):
		return "canceled"
	case IsTimeout(err):
		return "timeout"
	}
	return "error"
}
