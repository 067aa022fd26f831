package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/your-org/pbac-service/internal/domain"
)

const namespace = "pbac"

// Metrics holds all Prometheus metrics for the decision service.
type Metrics struct {
	// Decision metrics
	DecisionsTotal           *prometheus.CounterVec
	EvaluationDuration       prometheus.Histogram
	EvaluationErrorsTotal    prometheus.Counter
	ConditionErrorsTotal     *prometheus.CounterVec
	ProviderBreakerOpenTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec

	// Audit metrics
	AuditRecordsTotal *prometheus.CounterVec
	AuditDroppedTotal prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on reg. A nil reg
// creates unregistered collectors, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of authorization decisions",
			},
			[]string{"decision", "matched"},
		),
		EvaluationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Policy evaluation duration in seconds",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		EvaluationErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluation_errors_total",
				Help:      "Evaluations that failed closed",
			},
		),
		ConditionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_errors_total",
				Help:      "Policies skipped because a condition failed to build or evaluate",
			},
			[]string{"type"},
		),
		ProviderBreakerOpenTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "breaker_open_total",
				Help:      "Times the policy store circuit breaker opened",
			},
		),

		CacheHitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy_cache",
				Name:      "hits_total",
				Help:      "Total number of policy cache hits",
			},
			[]string{"level"},
		),
		CacheMissesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy_cache",
				Name:      "misses_total",
				Help:      "Total number of policy cache misses",
			},
			[]string{"level"},
		),
		CacheSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "policy_cache",
				Name:      "size",
				Help:      "Current number of cached policy lists",
			},
			[]string{"level"},
		),

		AuditRecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "records_total",
				Help:      "Audit records exported, by exporter and result",
			},
			[]string{"exporter", "result"},
		),
		AuditDroppedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Audit records dropped because the buffer was full",
			},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordDecision records one evaluation outcome.
func (m *Metrics) RecordDecision(d domain.Decision, matched bool, elapsed time.Duration) {
	m.DecisionsTotal.WithLabelValues(string(d), strconv.FormatBool(matched)).Inc()
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

// RecordEvaluationError records a fail-closed evaluation.
func (m *Metrics) RecordEvaluationError() {
	m.EvaluationErrorsTotal.Inc()
}

// RecordConditionError records a policy skipped on a condition error,
// labelled by condition type.
func (m *Metrics) RecordConditionError(conditionType string) {
	m.ConditionErrorsTotal.WithLabelValues(conditionType).Inc()
}

// RecordBreakerOpen records the store breaker tripping.
func (m *Metrics) RecordBreakerOpen() {
	m.ProviderBreakerOpenTotal.Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(level string) {
	m.CacheHitsTotal.WithLabelValues(level).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(level string) {
	m.CacheMissesTotal.WithLabelValues(level).Inc()
}

// SetCacheSize updates the cache size gauge.
func (m *Metrics) SetCacheSize(level string, size float64) {
	m.CacheSize.WithLabelValues(level).Set(size)
}

// RecordAuditExport records an exporter result.
func (m *Metrics) RecordAuditExport(exporter string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuditRecordsTotal.WithLabelValues(exporter, result).Inc()
}

// RecordAuditDropped records a load-shed audit record.
func (m *Metrics) RecordAuditDropped() {
	m.AuditDroppedTotal.Inc()
}
