// Package metrics provides Prometheus metrics for the moduleplane backend
// (RED + activation lifecycle + resolver + WebSocket).
// Scrapeable at /metrics; runbooks and dashboards can rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "moduleplane"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// ActivationsTotal counts finished activations by terminal outcome.
	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Total number of module activations by outcome.",
		},
		[]string{"outcome", "strategy"},
	)

	// ActivationDurationSeconds is end-to-end activation latency by outcome.
	ActivationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Module activation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		},
		[]string{"outcome"},
	)

	// ActivationStepDurationSeconds is per-step latency.
	ActivationStepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_step_duration_seconds",
			Help:      "Activation step duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"step"},
	)

	// ActivationsInFlight is the number of activations currently holding a
	// concurrency slot (capacity planning against the global cap).
	ActivationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activations_in_flight",
			Help:      "Number of activations currently executing.",
		},
	)

	// RollbacksTotal counts rollbacks by trigger.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks by trigger.",
		},
		[]string{"trigger"},
	)

	// TrafficPercent is the live traffic share per module and tenant.
	TrafficPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "traffic_percent",
			Help:      "Percentage of traffic routed to the active version per module and tenant.",
		},
		[]string{"module_id", "tenant_id"},
	)

	// ResolutionDurationSeconds is dependency resolution latency.
	ResolutionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_duration_seconds",
			Help:      "Dependency resolution duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
	)

	// ResolutionCacheHitsTotal counts resolver cache hits.
	ResolutionCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_cache_hits_total",
			Help:      "Total number of dependency resolution cache hits.",
		},
	)

	// ResolutionCacheMissesTotal counts resolver cache misses.
	ResolutionCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_cache_misses_total",
			Help:      "Total number of dependency resolution cache misses.",
		},
	)

	// ResolutionConflictsTotal counts conflicts surfaced by the resolver,
	// split by whether a strategy auto-resolved them.
	ResolutionConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_conflicts_total",
			Help:      "Total number of dependency conflicts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// HealthProbesTotal counts probe runs by type and verdict.
	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of health probe runs by type and verdict.",
		},
		[]string{"type", "verdict"},
	)

	// NamespaceOperationsTotal counts namespace operations by kind and verdict.
	NamespaceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "namespace_operations_total",
			Help:      "Total number of namespace operations by operation and verdict.",
		},
		[]string{"operation", "verdict"},
	)

	// AuditDeliveriesTotal counts audit sink deliveries by outcome.
	AuditDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_deliveries_total",
			Help:      "Total number of audit sink deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// CatalogReloadsTotal counts manifest catalog loads and reloads by outcome.
	CatalogReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Total number of manifest catalog reloads by outcome.",
		},
		[]string{"outcome"},
	)

	// WebSocketConnectionsActive is current number of WebSocket clients (capacity planning).
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active WebSocket connections.",
		},
	)
)
