// Package metrics provides Prometheus metrics for h1relay observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "h1relay"

// Label constants for consistent labeling across metrics.
const (
	LabelRoute   = "route"   // target name of a connection pool
	LabelResult  = "result"  // granted, queued, created, ...
	LabelStatus  = "status"  // synthesized HTTP status
	LabelSide    = "side"    // accept, connect
	LabelWorker  = "worker"  // worker index
	LabelCommand = "command" // route, unroute
)

// Acquire outcomes.
const (
	ResultIdle      = "idle"
	ResultCreated   = "created"
	ResultQueued    = "queued"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

// Command outcomes.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Exchange outcomes.
const (
	ResultCompleted   = "completed"
	ResultAborted     = "aborted"
	ResultUnavailable = "unavailable"
)

// Health check cache outcomes.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Stream sides.
const (
	SideAccept  = "accept"
	SideConnect = "connect"
)

// Counters track cumulative values that only increase.
var (
	// PoolAcquiresTotal counts acquire attempts by outcome.
	PoolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquires_total",
			Help:      "Total connection acquire attempts by outcome",
		},
		[]string{LabelRoute, LabelResult},
	)

	// ConnectionsRetiredTotal counts connections removed from a pool.
	ConnectionsRetiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_retired_total",
			Help:      "Total upstream connections retired (non-persistent release)",
		},
		[]string{LabelRoute},
	)

	// UpstreamResetsTotal counts resets received on upstream connection throttles.
	UpstreamResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_resets_total",
			Help:      "Total resets received from upstream connections",
		},
		[]string{LabelRoute},
	)

	// SynthesizedResponsesTotal counts responses fabricated by the engine.
	SynthesizedResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesized_responses_total",
			Help:      "Total responses synthesized for upstream failures",
		},
		[]string{LabelStatus},
	)

	// HeaderLimitRejectionsTotal counts header blocks rejected for size or syntax.
	HeaderLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_rejections_total",
			Help:      "Total header blocks rejected with a stream reset",
		},
		[]string{LabelSide},
	)

	// CreditGrantedBytesTotal counts window credit received per side.
	CreditGrantedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_granted_bytes_total",
			Help:      "Total window credit granted, in bytes",
		},
		[]string{LabelSide},
	)

	// ExchangesTotal counts completed request/response exchanges.
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total request/response exchanges by result",
		},
		[]string{LabelResult},
	)

	// WorkerTasksTotal counts tasks executed by each worker loop.
	WorkerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Total tasks executed by a worker",
		},
		[]string{LabelWorker},
	)

	// CommandsTotal counts control commands by type and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total control commands processed",
		},
		[]string{LabelCommand, LabelResult},
	)

	// HealthCheckCacheTotal counts cached health check lookups.
	HealthCheckCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_cache_total",
			Help:      "Total cached health check lookups by hit or miss",
		},
		[]string{LabelResult},
	)

	// RouteReloadsTotal counts routes file reconciliations.
	RouteReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_reloads_total",
			Help:      "Total routes file reloads",
		},
		[]string{LabelResult},
	)
)

// Gauges track values that can go up or down.
var (
	// PoolConnections tracks live connections (idle and in use) per route.
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Live upstream connections per route",
		},
		[]string{LabelRoute},
	)

	// PoolIdleConnections tracks connections parked in the idle queue.
	PoolIdleConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_connections",
			Help:      "Idle upstream connections per route",
		},
		[]string{LabelRoute},
	)

	// PoolPendingAcquirers tracks queued acquirers waiting for a connection.
	PoolPendingAcquirers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_pending_acquirers",
			Help:      "Acquirers queued while the pool is saturated",
		},
		[]string{LabelRoute},
	)

	// PendingCorrelations tracks correlations awaiting a response.
	PendingCorrelations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_correlations",
			Help:      "Correlations awaiting an upstream response",
		},
		[]string{LabelWorker},
	)

	// WorkerQueueDepth tracks tasks waiting in a worker's queue.
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Tasks queued on a worker",
		},
		[]string{LabelWorker},
	)
)

// Histograms track distributions of values.
var (
	// AcquireWaitSeconds tracks the time an acquirer spent queued.
	AcquireWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_wait_seconds",
			Help:      "Time queued acquirers waited for a connection",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{LabelRoute},
	)

	// CommandDuration tracks control command round-trip latency.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Control command round-trip latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{LabelCommand},
	)
)
