package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksSubmitted counts tasks accepted by the submit endpoint.
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_tasks_submitted_total",
		Help: "Total number of tasks submitted",
	})

	// TasksCompleted counts tasks that reached the completed state.
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_tasks_completed_total",
		Help: "Total number of tasks completed successfully",
	})

	// TasksFailed counts terminal failures by error class.
	TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_failed_total",
		Help: "Total number of tasks that failed terminally",
	}, []string{"error_class"})

	// TasksCancelled counts client cancellations.
	TasksCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_tasks_cancelled_total",
		Help: "Total number of tasks cancelled",
	})

	// TaskDuration observes end-to-end task latency in seconds.
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_task_duration_seconds",
		Help:    "End-to-end task duration from submit to completion",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// NodesByStatus tracks the current fleet size per status.
	NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_nodes",
		Help: "Number of registered nodes by status",
	}, []string{"status"})

	// QueueDepth tracks the pending queue depth.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Number of tasks waiting in the pending queue",
	})

	// NetworkUtilization is the mean load score over active nodes.
	NetworkUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_network_utilization",
		Help: "Mean load score across active nodes",
	})

	// EventsDropped counts events lost at the bus publish side.
	EventsDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_events_dropped_total",
		Help: "Events dropped because the event bus was saturated",
	})
)

func init() {
	prometheus.MustRegister(
		TasksSubmitted,
		TasksCompleted,
		TasksFailed,
		TasksCancelled,
		TaskDuration,
		NodesByStatus,
		QueueDepth,
		NetworkUtilization,
		EventsDropped,
	)
}
