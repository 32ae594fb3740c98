// Package observability defines the Prometheus metrics the consumer
// runtime exposes, in the same promauto-registered style as the teacher's
// control_plane/observability/metrics.go.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of messages currently sitting in the
	// queue backend, sampled by the worker loop.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_queue_depth",
		Help: "Current number of messages in the queue backend",
	})

	// ScheduleSize tracks the number of tasks currently deferred in the
	// in-memory Schedule.
	ScheduleSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_schedule_size",
		Help: "Current number of tasks pending in the schedule",
	})

	// TasksStarted counts started events, labeled by task type.
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_started_total",
		Help: "Total number of task executions started",
	}, []string{"type"})

	// TasksFinished counts successful completions, labeled by task type.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_finished_total",
		Help: "Total number of task executions that completed successfully",
	}, []string{"type"})

	// TasksErrored counts failed executions, labeled by task type.
	TasksErrored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_errored_total",
		Help: "Total number of task executions that raised an exception",
	}, []string{"type"})

	// TasksRetried counts retry re-enqueues, labeled by task type.
	TasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_retried_total",
		Help: "Total number of task retries scheduled",
	}, []string{"type"})

	// TasksRevoked counts activations suppressed by a revoke record.
	TasksRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_revoked_total",
		Help: "Total number of task activations suppressed by revocation",
	}, []string{"type"})

	// TaskExecutionSeconds tracks the wall-clock duration of user task
	// execution.
	TaskExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_task_execution_seconds",
		Help:    "Duration of a single task execution",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	}, []string{"type"})

	// SchedulerLoopDuration tracks one iteration of the Scheduler Loop.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_scheduler_loop_duration_seconds",
		Help:    "Duration of a single scheduler loop tick",
		Buckets: prometheus.DefBuckets,
	})

	// PeriodicLoopDuration tracks one minute-boundary evaluation of the
	// Periodic Loop.
	PeriodicLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_periodic_loop_duration_seconds",
		Help:    "Duration of a single periodic loop evaluation",
		Buckets: prometheus.DefBuckets,
	})

	// BackendLatency tracks queue/result-store backend round-trip
	// latency, labeled by backend name and operation.
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_backend_latency_seconds",
		Help:    "Round-trip latency of a backend operation",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"backend", "op"})

	// EventPublishFailures tracks best-effort event-emitter publish
	// failures (never allowed to affect task execution).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"status"})

	// DecodeFailures tracks messages discarded due to an unknown task
	// type or a codec error.
	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_decode_failures_total",
		Help: "Messages discarded because they failed to decode",
	}, []string{"reason"})
)
