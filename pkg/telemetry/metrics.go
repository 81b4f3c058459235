package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the API gateway.",
	}, []string{"capability"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total submissions rejected by the rate limiter.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "empire",
		Subsystem: "scheduler",
		Name:      "ready_queue_depth",
		Help:      "Tasks currently ready for dispatch.",
	})

	SchedulerTasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "scheduler",
		Name:      "tasks_enqueued_total",
		Help:      "Total tasks accepted by the scheduler, labelled by base priority.",
	}, []string{"priority"})

	SchedulerTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "scheduler",
		Name:      "tasks_dispatched_total",
		Help:      "Total tasks handed to workers, labelled by capability.",
	}, []string{"capability"})

	SchedulerTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "scheduler",
		Name:      "tasks_completed_total",
		Help:      "Total terminal task outcomes, labelled by outcome.",
	}, []string{"outcome"})

	SchedulerInheritanceBoosts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "scheduler",
		Name:      "priority_inheritance_boosts_total",
		Help:      "Times a task's effective priority was raised by a dependent.",
	})

	SchedulerStaleRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "scheduler",
		Name:      "stale_requeues_total",
		Help:      "Orphaned dispatched/running tasks requeued by the recovery sweep.",
	})

	// ─── Circuit breaker ─────────────────────────────────────────────────────────

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "empire",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current circuit state (0=closed, 1=half-open, 2=open).",
	}, []string{"service"})

	CircuitStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "circuit_breaker",
		Name:      "state_changes_total",
		Help:      "Total circuit breaker state transitions.",
	}, []string{"service", "from_state", "to_state"})

	CircuitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "circuit_breaker",
		Name:      "rejections_total",
		Help:      "Calls rejected without reaching the downstream service.",
	}, []string{"service"})

	CircuitRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "circuit_breaker",
		Name:      "retries_total",
		Help:      "Retry attempts against downstream services.",
	}, []string{"service"})

	CircuitRetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "circuit_breaker",
		Name:      "retries_exhausted_total",
		Help:      "Calls that failed after every allowed retry.",
	}, []string{"service"})

	CircuitFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "circuit_breaker",
		Name:      "fallbacks_total",
		Help:      "Fallback paths invoked after exhausted retries.",
	}, []string{"service"})

	// ─── Worker health ───────────────────────────────────────────────────────────

	HealthWorkersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "empire",
		Subsystem: "worker_health",
		Name:      "workers",
		Help:      "Registered workers by health status.",
	}, []string{"status"})

	HealthHeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "worker_health",
		Name:      "heartbeats_total",
		Help:      "Heartbeats accepted by the registry.",
	})

	HealthStaleHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "worker_health",
		Name:      "stale_heartbeats_total",
		Help:      "Heartbeats rejected for arriving out of order.",
	})

	HealthEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "worker_health",
		Name:      "evictions_total",
		Help:      "In-flight task assignments evicted from unhealthy workers.",
	})

	// ─── Coordination bus ────────────────────────────────────────────────────────

	BusMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "bus",
		Name:      "messages_published_total",
		Help:      "Messages accepted by the bus, labelled by type.",
	}, []string{"type"})

	BusMessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "bus",
		Name:      "messages_expired_total",
		Help:      "Messages dropped because their TTL elapsed before delivery.",
	})

	BusRequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "bus",
		Name:      "request_timeouts_total",
		Help:      "Request/response exchanges that timed out.",
	})

	StreamChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "stream",
		Name:      "chunks_dropped_total",
		Help:      "Chunks discarded by drop-oldest backpressure.",
	})

	StreamSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "empire",
		Subsystem: "stream",
		Name:      "sessions_active",
		Help:      "Stream sessions currently open.",
	})

	// ─── Agent worker ────────────────────────────────────────────────────────────

	WorkerTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "empire",
		Subsystem: "worker",
		Name:      "tasks_executed_total",
		Help:      "Tasks executed, labelled by capability and outcome.",
	}, []string{"capability", "outcome"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "empire",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"capability"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "empire",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"capability"})
)
