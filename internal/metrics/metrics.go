// Package metrics exposes Prometheus instrumentation for both node roles.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echolog"

// Registry holds all metrics for a node.
type Registry struct {
	// Write path (primary)
	WritesTotal       *prometheus.CounterVec
	QuorumWaitSeconds prometheus.Histogram
	HistoryEntries    prometheus.Gauge

	// Delivery (primary)
	DeliveryAttemptsTotal    *prometheus.CounterVec
	DeliveriesExhaustedTotal *prometheus.CounterVec
	CatchUpEntriesTotal      *prometheus.CounterVec

	// Health monitor (primary)
	BackupStatus *prometheus.GaugeVec
	BackupLag    *prometheus.GaugeVec

	// Apply gate (backup)
	AppliesTotal *prometheus.CounterVec
	LastApplied  prometheus.Gauge

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r.initWriteMetrics()
	r.initDeliveryMetrics()
	r.initHealthMetrics()
	r.initApplyMetrics()
	r.initHTTPMetrics()

	return r
}

func (r *Registry) initWriteMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total number of client writes by result",
		},
		[]string{"result"}, // success, quorum_not_met, invalid
	)

	r.QuorumWaitSeconds = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quorum_wait_seconds",
			Help:      "Time spent waiting for the write concern to be met",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	r.HistoryEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Number of entries in the primary history",
		},
	)
}

func (r *Registry) initDeliveryMetrics() {
	r.DeliveryAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Replication attempts per backup by outcome",
		},
		[]string{"backup", "outcome"}, // ack, error, out_of_order, invalid
	)

	r.DeliveriesExhaustedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_exhausted_total",
			Help:      "Deliveries that gave up after the maximum number of attempts",
		},
		[]string{"backup"},
	)

	r.CatchUpEntriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catch_up_entries_total",
			Help:      "Entries acknowledged during catch-up replay",
		},
		[]string{"backup"},
	)
}

func (r *Registry) initHealthMetrics() {
	r.BackupStatus = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_status",
			Help:      "1 for the current health status of each backup, 0 otherwise",
		},
		[]string{"backup", "status"},
	)

	r.BackupLag = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_lag_entries",
			Help:      "History entries not yet applied by each backup, as of the last probe",
		},
		[]string{"backup"},
	)
}

func (r *Registry) initApplyMetrics() {
	r.AppliesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_total",
			Help:      "Replicate requests handled by the apply gate by outcome",
		},
		[]string{"outcome"}, // applied, duplicate, out_of_order, invalid
	)

	r.LastApplied = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_applied_sequence",
			Help:      "Highest sequence applied by this backup (-1 when empty)",
		},
	)
	r.LastApplied.Set(-1)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *Registry) RecordWrite(result string, wait time.Duration) {
	if r == nil {
		return
	}
	r.WritesTotal.WithLabelValues(result).Inc()
	if wait > 0 {
		r.QuorumWaitSeconds.Observe(wait.Seconds())
	}
}

func (r *Registry) SetHistoryEntries(n int) {
	if r == nil {
		return
	}
	r.HistoryEntries.Set(float64(n))
}

func (r *Registry) RecordDeliveryAttempt(backup, outcome string) {
	if r == nil {
		return
	}
	r.DeliveryAttemptsTotal.WithLabelValues(backup, outcome).Inc()
}

func (r *Registry) RecordDeliveryExhausted(backup string) {
	if r == nil {
		return
	}
	r.DeliveriesExhaustedTotal.WithLabelValues(backup).Inc()
}

func (r *Registry) RecordCatchUpEntry(backup string) {
	if r == nil {
		return
	}
	r.CatchUpEntriesTotal.WithLabelValues(backup).Inc()
}

// SetBackupStatus sets the status gauge for backup, clearing the others.
func (r *Registry) SetBackupStatus(backup string, status string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		r.BackupStatus.WithLabelValues(backup, s).Set(0)
	}
	r.BackupStatus.WithLabelValues(backup, status).Set(1)
}

func (r *Registry) SetBackupLag(backup string, lag int64) {
	if r == nil {
		return
	}
	r.BackupLag.WithLabelValues(backup).Set(float64(lag))
}

func (r *Registry) RecordApply(outcome string, lastApplied int64) {
	if r == nil {
		return
	}
	r.AppliesTotal.WithLabelValues(outcome).Inc()
	r.LastApplied.Set(float64(lastApplied))
}

func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
