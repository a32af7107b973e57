// Package metrics provides Prometheus metrics instrumentation for the operator.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
//
//nolint:interfacebloat // All methods are needed for comprehensive metrics coverage
type Collector interface {
	// Reconcile metrics
	RecordReconcile(ctx context.Context, kind, result string, duration time.Duration)
	RecordReconcileError(ctx context.Context, kind, errorType string)

	// Backend (sidecar API and DNS) metrics
	RecordBackendCall(ctx context.Context, operation, status string, duration time.Duration)
	RecordBackendError(ctx context.Context, operation, errorType string)
	RecordOrphansDeleted(ctx context.Context, zone string, count int)
	RecordZoneTargets(ctx context.Context, zone string, count int)

	// Credential metrics
	RecordCredentialRotation(ctx context.Context, status string)

	// Cache and routing metrics
	RecordCacheEvent(ctx context.Context, kind, eventType string)
	RecordPropagatedRequests(ctx context.Context, sourceKind, targetKind string, count int)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	// Reconcile metrics
	reconcileDuration    *prometheus.HistogramVec
	reconcileTotal       *prometheus.CounterVec
	reconcileErrorsTotal *prometheus.CounterVec

	// Backend metrics
	backendDuration    *prometheus.HistogramVec
	backendCallsTotal  *prometheus.CounterVec
	backendErrorsTotal *prometheus.CounterVec
	orphansDeleted     *prometheus.CounterVec
	zoneTargets        *prometheus.GaugeVec

	// Credential metrics
	credentialRotations *prometheus.CounterVec

	// Cache and routing metrics
	cacheEvents        *prometheus.CounterVec
	propagatedRequests *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initReconcileMetrics()
	c.initBackendMetrics()
	c.initCredentialMetrics()
	c.initCacheMetrics()
	c.register(reg)

	return c
}

// RecordReconcile records one reconcile pass and its outcome.
func (c *prometheusCollector) RecordReconcile(_ context.Context, kind, result string, duration time.Duration) {
	c.reconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
	c.reconcileTotal.WithLabelValues(kind, result).Inc()
}

// RecordReconcileError records a reconcile error by type.
func (c *prometheusCollector) RecordReconcileError(_ context.Context, kind, errorType string) {
	c.reconcileErrorsTotal.WithLabelValues(kind, errorType).Inc()
}

// RecordBackendCall records a call to a BIND9 server.
func (c *prometheusCollector) RecordBackendCall(
	_ context.Context,
	operation, status string,
	duration time.Duration,
) {
	c.backendDuration.WithLabelValues(operation).Observe(duration.Seconds())
	c.backendCallsTotal.WithLabelValues(operation, status).Inc()
}

// RecordBackendError records a BIND9 server error.
func (c *prometheusCollector) RecordBackendError(_ context.Context, operation, errorType string) {
	c.backendErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordOrphansDeleted records records removed from a zone because nothing declares them.
func (c *prometheusCollector) RecordOrphansDeleted(_ context.Context, zone string, count int) {
	c.orphansDeleted.WithLabelValues(zone).Add(float64(count))
}

// RecordZoneTargets records the number of Instances a zone is configured on.
func (c *prometheusCollector) RecordZoneTargets(_ context.Context, zone string, count int) {
	c.zoneTargets.WithLabelValues(zone).Set(float64(count))
}

// RecordCredentialRotation records a credential rotation attempt.
func (c *prometheusCollector) RecordCredentialRotation(_ context.Context, status string) {
	c.credentialRotations.WithLabelValues(status).Inc()
}

// RecordCacheEvent records a change applied to the resource cache.
func (c *prometheusCollector) RecordCacheEvent(_ context.Context, kind, eventType string) {
	c.cacheEvents.WithLabelValues(kind, eventType).Inc()
}

// RecordPropagatedRequests records requests enqueued for dependents of a change.
func (c *prometheusCollector) RecordPropagatedRequests(_ context.Context, sourceKind, targetKind string, count int) {
	c.propagatedRequests.WithLabelValues(sourceKind, targetKind).Add(float64(count))
}

func (c *prometheusCollector) initReconcileMetrics() {
	c.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bind9_reconcile_duration_seconds",
			Help:    "Duration of reconcile passes by kind",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)
	c.reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_reconcile_total",
			Help: "Total reconcile passes by kind and result",
		},
		[]string{"kind", "result"},
	)
	c.reconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_reconcile_errors_total",
			Help: "Total reconcile errors by kind and type",
		},
		[]string{"kind", "error_type"},
	)
}

func (c *prometheusCollector) initBackendMetrics() {
	c.backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bind9_backend_call_duration_seconds",
			Help:    "Duration of calls to BIND9 servers",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)
	c.backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_backend_calls_total",
			Help: "Total calls to BIND9 servers",
		},
		[]string{"operation", "status"},
	)
	c.backendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_backend_errors_total",
			Help: "Total BIND9 server errors by type",
		},
		[]string{"operation", "error_type"},
	)
	c.orphansDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_orphan_records_deleted_total",
			Help: "Total records deleted from servers because no Record declares them",
		},
		[]string{"zone"},
	)
	c.zoneTargets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bind9_zone_targets",
			Help: "Number of Instances a zone is configured on",
		},
		[]string{"zone"},
	)
}

func (c *prometheusCollector) initCredentialMetrics() {
	c.credentialRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_credential_rotations_total",
			Help: "Total RNDC credential rotations by status",
		},
		[]string{"status"},
	)
}

func (c *prometheusCollector) initCacheMetrics() {
	c.cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_cache_events_total",
			Help: "Total resource cache changes by kind and event type",
		},
		[]string{"kind", "event"},
	)
	c.propagatedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind9_propagated_requests_total",
			Help: "Total reconcile requests enqueued for dependents of a change",
		},
		[]string{"source_kind", "target_kind"},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.reconcileDuration,
		c.reconcileTotal,
		c.reconcileErrorsTotal,
		c.backendDuration,
		c.backendCallsTotal,
		c.backendErrorsTotal,
		c.orphansDeleted,
		c.zoneTargets,
		c.credentialRotations,
		c.cacheEvents,
		c.propagatedRequests,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordReconcile is a no-op.
func (c *NoopCollector) RecordReconcile(_ context.Context, _, _ string, _ time.Duration) {}

// RecordReconcileError is a no-op.
func (c *NoopCollector) RecordReconcileError(_ context.Context, _, _ string) {}

// RecordBackendCall is a no-op.
func (c *NoopCollector) RecordBackendCall(_ context.Context, _, _ string, _ time.Duration) {}

// RecordBackendError is a no-op.
func (c *NoopCollector) RecordBackendError(_ context.Context, _, _ string) {}

// RecordOrphansDeleted is a no-op.
func (c *NoopCollector) RecordOrphansDeleted(_ context.Context, _ string, _ int) {}

// RecordZoneTargets is a no-op.
func (c *NoopCollector) RecordZoneTargets(_ context.Context, _ string, _ int) {}

// RecordCredentialRotation is a no-op.
func (c *NoopCollector) RecordCredentialRotation(_ context.Context, _ string) {}

// RecordCacheEvent is a no-op.
func (c *NoopCollector) RecordCacheEvent(_ context.Context, _, _ string) {}

// RecordPropagatedRequests is a no-op.
func (c *NoopCollector) RecordPropagatedRequests(_ context.Context, _, _ string, _ int) {}
