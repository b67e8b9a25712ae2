package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marathon_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marathon_task_transitions_total",
			Help: "Total number of task state transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	TaskStateConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_task_state_conflicts_total",
			Help: "Total number of rejected (compare-and-set failed) task transitions",
		},
	)

	// Node registry metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marathon_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	NodesDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_nodes_dead_total",
			Help: "Total number of nodes that transitioned to Dead due to heartbeat timeout",
		},
	)

	NodesGCedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_nodes_gc_total",
			Help: "Total number of dead nodes garbage-collected after grace window",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marathon_scheduling_latency_seconds",
			Help:    "Time from task entering the queue to dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a node",
		},
	)

	TasksRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marathon_tasks_requeued_total",
			Help: "Total number of tasks requeued by reason",
		},
		[]string{"reason"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marathon_tasks_failed_total",
			Help: "Total number of tasks that reached Failed by reason",
		},
		[]string{"reason"},
	)

	HeadOfLineSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_head_of_line_skips_total",
			Help: "Total number of times the scheduler skipped a blocked queue head",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marathon_queue_depth",
			Help: "Current number of Queued tasks awaiting dispatch",
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_events_published_total",
			Help: "Total number of task events published",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_events_dropped_total",
			Help: "Total number of task events dropped by the slow-subscriber-drop policy",
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marathon_active_subscriptions",
			Help: "Current number of live event-bus subscriptions",
		},
	)

	// Metering metrics
	UsageRecordsFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marathon_usage_records_flushed_total",
			Help: "Total number of per-task usage records flushed to persistence",
		},
	)

	// Gateway / API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marathon_api_requests_total",
			Help: "Total number of HTTP API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marathon_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Worker transport metrics
	WorkerRPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marathon_worker_rpcs_total",
			Help: "Total number of worker-transport messages by message type and direction",
		},
		[]string{"msg_type", "direction"},
	)

	// Recovery metrics
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marathon_recovery_duration_seconds",
			Help:    "Time taken for the startup recovery loader to rehydrate state",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveredTasksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marathon_recovered_tasks_total",
			Help: "Number of non-terminal tasks rehydrated on the most recent startup",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TaskTransitionsTotal)
	prometheus.MustRegister(TaskStateConflictsTotal)

	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesDeadTotal)
	prometheus.MustRegister(NodesGCedTotal)

	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksRequeuedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(HeadOfLineSkipsTotal)
	prometheus.MustRegister(QueueDepth)

	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(ActiveSubscriptions)

	prometheus.MustRegister(UsageRecordsFlushedTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(WorkerRPCsTotal)

	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(RecoveredTasksTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
