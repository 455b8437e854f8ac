package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency, shared across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "jewgo",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CacheOperationsTotal counts cache probes by tier and outcome (hit/miss/error).
var CacheOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "jewgo",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Total cache operations by tier and outcome.",
	},
	[]string{"tier", "outcome"},
)

// CacheInvalidationsTotal counts tag-based and pattern-based invalidations.
var CacheInvalidationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "jewgo",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Total cache invalidation operations by kind.",
	},
	[]string{"kind"},
)

// DBQueryDuration tracks database query latency by statement classification.
var DBQueryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "jewgo",
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Database query duration in seconds by statement type.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"statement"},
)

// DBSlowQueriesTotal counts queries crossing the slow-query threshold.
var DBSlowQueriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "jewgo",
		Subsystem: "db",
		Name:      "slow_queries_total",
		Help:      "Total number of queries exceeding the slow-query threshold.",
	},
)

// DBPoolConnections reports the current pool saturation.
var DBPoolConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "jewgo",
		Subsystem: "db",
		Name:      "pool_connections",
		Help:      "Current database pool connection counts by state.",
	},
	[]string{"state"},
)

// AuthLoginAttemptsTotal counts authentication attempts by outcome.
var AuthLoginAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "jewgo",
		Subsystem: "auth",
		Name:      "login_attempts_total",
		Help:      "Total login attempts by outcome.",
	},
	[]string{"outcome"},
)

// AuthTokenRefreshReuseTotal counts detected refresh-token reuse events.
var AuthTokenRefreshReuseTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "jewgo",
		Subsystem: "auth",
		Name:      "refresh_reuse_detected_total",
		Help:      "Total refresh token reuse events detected (possible theft).",
	},
)

// AuthAccountLockoutsTotal counts accounts transitioning into a lockout.
var AuthAccountLockoutsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "jewgo",
		Subsystem: "auth",
		Name:      "account_lockouts_total",
		Help:      "Total number of accounts locked out due to repeated failed logins.",
	},
)

// All returns this service's domain-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CacheOperationsTotal,
		CacheInvalidationsTotal,
		DBQueryDuration,
		DBSlowQueriesTotal,
		DBPoolConnections,
		AuthLoginAttemptsTotal,
		AuthTokenRefreshReuseTotal,
		AuthAccountLockoutsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors passed
// as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
