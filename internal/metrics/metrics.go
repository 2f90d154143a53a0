// Package metrics exposes prometheus collectors for the migration
// pipeline. A Metrics value owns its own registry so tests and parallel
// migrations never collide; a nil *Metrics is a valid no-op sink.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the pipeline collectors behind nil-safe observe
// methods.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests   *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	entities      *prometheus.CounterVec
	batches       *prometheus.CounterVec
	issues        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

// New creates a Metrics with a private registry and all collectors
// registered, including the standard Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmig_api_requests_total",
			Help: "API requests by service, method and response status.",
		}, []string{"service", "method", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tmig_api_request_duration_seconds",
			Help:    "API request latency by service and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmig_retries_total",
			Help: "Retry attempts by operation.",
		}, []string{"operation"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmig_entities_processed_total",
			Help: "Entities processed by phase, type and outcome.",
		}, []string{"phase", "entity_type", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmig_batches_total",
			Help: "Batches reaching a status, by entity type.",
		}, []string{"entity_type", "status"}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmig_validation_issues_total",
			Help: "Validation issues recorded, by level and scope.",
		}, []string{"level", "scope"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tmig_phase_duration_seconds",
			Help:    "Workflow phase wall time.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"phase"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests,
		m.apiDuration,
		m.retries,
		m.entities,
		m.batches,
		m.issues,
		m.phaseDuration,
	)
	return m
}

// Registry returns the underlying registry for serving /metrics.
// Returns nil on a nil receiver.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAPICall records one API request outcome. A status of 0 means
// the request never produced a response.
func (m *Metrics) ObserveAPICall(service, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

// ObserveRetry records one retry attempt for an operation.
func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// ObserveEntity records one processed entity outcome within a phase.
func (m *Metrics) ObserveEntity(phase, entityType, outcome string) {
	m.ObserveEntities(phase, entityType, outcome, 1)
}

// ObserveEntities records n processed entity outcomes within a phase.
func (m *Metrics) ObserveEntities(phase, entityType, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entities.WithLabelValues(phase, entityType, outcome).Add(float64(n))
}

// ObserveBatch records a batch reaching a status.
func (m *Metrics) ObserveBatch(entityType, status string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(entityType, status).Inc()
}

// ObserveIssue records a validation issue by level and scope.
func (m *Metrics) ObserveIssue(level, scope string) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(level, scope).Inc()
}

// ObservePhase records a completed phase duration.
func (m *Metrics) ObservePhase(phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}
