package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Router-wide counters and histograms, partitioned by connector where the
// cardinality allows it.

var (
	// Attempts
	AttemptsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "attempts",
		Name:      "created_total",
		Help:      "Total payment attempts created",
	}, []string{"connector"})

	// Reconcile engine
	TransitionsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "reconcile",
		Name:      "transitions_applied_total",
		Help:      "Total accepted status transitions",
	}, []string{"connector", "to_status"})

	TransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "reconcile",
		Name:      "conflicts_total",
		Help:      "Total connector events discarded as invalid transitions",
	}, []string{"connector", "reason"})

	TransitionIdempotentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "reconcile",
		Name:      "idempotent_total",
		Help:      "Total connector events absorbed as idempotent no-ops",
	}, []string{"connector"})

	// Adapter calls
	AdapterCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "adapter",
		Name:      "calls_total",
		Help:      "Total adapter calls by operation and outcome",
	}, []string{"connector", "operation", "outcome"})

	AdapterCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "router",
		Subsystem: "adapter",
		Name:      "call_duration_seconds",
		Help:      "Adapter call duration including transport",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"connector", "operation"})

	// Polling coordinator
	PollerSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "poller",
		Name:      "syncs_total",
		Help:      "Total sync polls issued",
	}, []string{"connector"})

	PollerExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "poller",
		Name:      "exhausted_total",
		Help:      "Total poll runs that exhausted their attempt budget",
	}, []string{"connector"})

	PollerCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "poller",
		Name:      "cancelled_total",
		Help:      "Total poll runs cancelled before completion",
	}, []string{"connector"})

	PollerRunLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "router",
		Subsystem: "poller",
		Name:      "run_duration_seconds",
		Help:      "End-to-end poll run duration",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"connector"})

	// Webhooks
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Total webhook deliveries received",
	}, []string{"connector"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "webhook",
		Name:      "rejected_total",
		Help:      "Total webhook deliveries rejected (verification or parse failure)",
	}, []string{"connector", "reason"})

	WebhooksDuplicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "webhook",
		Name:      "duplicates_total",
		Help:      "Total webhook deliveries short-circuited by the dedupe cache",
	}, []string{"connector"})

	// Blocklist guard
	BlocklistChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "blocklist",
		Name:      "checks_total",
		Help:      "Total pre-flight blocklist checks",
	}, []string{"outcome"})

	BlocklistHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "blocklist",
		Name:      "hits_total",
		Help:      "Total attempts rejected by a blocklist match",
	}, []string{"fingerprint_kind"})

	GuardConfigCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "blocklist",
		Name:      "guard_cache_hits_total",
		Help:      "Total guard-config cache hits",
	})

	GuardConfigCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "blocklist",
		Name:      "guard_cache_misses_total",
		Help:      "Total guard-config cache misses",
	})

	// Circuit breaker / rate limiter
	BreakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "router",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per connector (0=closed, 1=open, 2=half-open)",
	}, []string{"connector"})

	BreakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Total adapter calls rejected by an open circuit",
	}, []string{"connector"})

	RateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "ratelimit",
		Name:      "waits_total",
		Help:      "Total times outbound calls waited for the rate limiter",
	}, []string{"connector"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "router",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "router",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "router",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	// Stuck-attempt sweeper
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "router",
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Total sweep runs by outcome (ok, error)",
	}, []string{"outcome"})

	SweepStuckAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "router",
		Subsystem: "sweep",
		Name:      "stuck_attempts",
		Help:      "Attempts still non-terminal after the latest sweep",
	})
)
