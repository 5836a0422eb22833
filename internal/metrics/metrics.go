// Package metrics provides Prometheus metrics for the AREA engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	TicksTotal         prometheus.Counter
	TickDuration       prometheus.Histogram
	ActiveRules        prometheus.Gauge
	RulesSkippedTotal  *prometheus.CounterVec
	PollsTotal         *prometheus.CounterVec
	PollDuration       *prometheus.HistogramVec
	EventsTotal        *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	AuthFailuresTotal  *prometheus.CounterVec
	StorageErrorsTotal *prometheus.CounterVec
	RetentionPruned    *prometheus.CounterVec
	DBSizeBytes        prometheus.Gauge
	APIRequestsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "area_ticks_total",
			Help: "Scheduler ticks started.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "area_tick_duration_seconds",
			Help:    "Wall time of a scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ActiveRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "area_active_rules",
			Help: "Active areas seen by the last tick.",
		}),
		RulesSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_rules_skipped_total",
			Help: "Rules skipped during a tick by reason.",
		}, []string{"reason"}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_polls_total",
			Help: "Trigger polls by service and result kind.",
		}, []string{"service", "result"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "area_poll_duration_seconds",
			Help:    "Trigger poll latency by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_events_total",
			Help: "Trigger events detected by service.",
		}, []string{"service"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_executions_total",
			Help: "Reaction executions by service and final status.",
		}, []string{"service", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "area_execution_duration_seconds",
			Help:    "Reaction latency by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_auth_failures_total",
			Help: "Credential failures by service and phase (poll, execute).",
		}, []string{"service", "phase"}),
		StorageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_storage_errors_total",
			Help: "Storage writes that failed after retries, by operation.",
		}, []string{"op"}),
		RetentionPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_retention_pruned_total",
			Help: "Rows removed by the retention job, by kind.",
		}, []string{"kind"}),
		DBSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "area_db_size_bytes",
			Help: "Size of the SQLite database file.",
		}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "area_api_requests_total",
			Help: "Management API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		registry: reg,
	}

	reg.MustRegister(
		m.TicksTotal, m.TickDuration, m.ActiveRules, m.RulesSkippedTotal,
		m.PollsTotal, m.PollDuration, m.EventsTotal,
		m.ExecutionsTotal, m.ExecutionDuration,
		m.AuthFailuresTotal, m.StorageErrorsTotal,
		m.RetentionPruned, m.DBSizeBytes, m.APIRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick records one finished tick.
func (m *Metrics) ObserveTick(seconds float64, activeRules int) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(seconds)
	m.ActiveRules.Set(float64(activeRules))
}

// RecordSkip counts a rule skipped for reason (in_flight, backoff, duplicate).
func (m *Metrics) RecordSkip(reason string) {
	m.RulesSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordPoll counts a poll and its latency. result is "ok" or an error kind.
func (m *Metrics) RecordPoll(service, result string, seconds float64, events int) {
	m.PollsTotal.WithLabelValues(service, result).Inc()
	m.PollDuration.WithLabelValues(service).Observe(seconds)
	if events > 0 {
		m.EventsTotal.WithLabelValues(service).Add(float64(events))
	}
}

// RecordExecution counts a finished reaction.
func (m *Metrics) RecordExecution(service, status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(service, status).Inc()
	m.ExecutionDuration.WithLabelValues(service).Observe(seconds)
}

// RecordAuthFailure counts a credential failure.
func (m *Metrics) RecordAuthFailure(service, phase string) {
	m.AuthFailuresTotal.WithLabelValues(service, phase).Inc()
}

// RecordStorageError counts a storage write that exhausted its retries.
func (m *Metrics) RecordStorageError(op string) {
	m.StorageErrorsTotal.WithLabelValues(op).Inc()
}

// RecordRetention counts pruned rows.
func (m *Metrics) RecordRetention(kind string, n int64) {
	if n > 0 {
		m.RetentionPruned.WithLabelValues(kind).Add(float64(n))
	}
}

// SetDBSize sets the database size gauge.
func (m *Metrics) SetDBSize(bytes int64) {
	m.DBSizeBytes.Set(float64(bytes))
}

// RecordAPIRequest counts a management API request.
func (m *Metrics) RecordAPIRequest(method, route, status string) {
	m.APIRequestsTotal.WithLabelValues(method, route, status).Inc()
}
