// Package metrics provides Prometheus metrics for the audit engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AuditsTotal          prometheus.Counter
	AuditsFailed         prometheus.Counter
	LineOutcomes         *prometheus.CounterVec
	AuditDuration        prometheus.Histogram
	RuleLookupFailures   prometheus.Counter
	DuplicateSubmissions prometheus.Counter
	KafkaEventsProduced  prometheus.Counter
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		AuditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audits_total",
			Help: "Total audit orders processed",
		}),
		AuditsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audits_failed_total",
			Help: "Total audit orders rejected or failed",
		}),
		LineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_line_outcomes_total",
			Help: "Prescription line outcomes by category",
		}, []string{"category"}),
		AuditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_duration_seconds",
			Help:    "End-to-end audit processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RuleLookupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rule_lookup_failures_total",
			Help: "Failed dose-rule lookups",
		}),
		DuplicateSubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_submissions_total",
			Help: "Audit submissions answered from the idempotency inbox",
		}),
		KafkaEventsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_events_produced_total",
			Help: "Total audit events produced to Kafka",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.AuditsTotal,
		m.AuditsFailed,
		m.LineOutcomes,
		m.AuditDuration,
		m.RuleLookupFailures,
		m.DuplicateSubmissions,
		m.KafkaEventsProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
