package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution. All metrics
// are namespaced "graphplan". A nil *Metrics is a no-op, so wiring is
// optional.
type Metrics struct {
	inflightTasks prometheus.Gauge
	queueDepth    prometheus.Gauge
	taskDuration  *prometheus.HistogramVec
	taskRetries   *prometheus.CounterVec
	tasksBlocked  prometheus.Counter
	workflows     *prometheus.CounterVec
}

// NewMetrics registers the workflow metrics with the given registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a private
// prometheus.NewRegistry() for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphplan",
			Name:      "inflight_tasks",
			Help:      "Number of tasks currently executing",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphplan",
			Name:      "queue_depth",
			Help:      "Pending tasks awaiting dispatch",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "graphplan",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration from dispatch to terminal status",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"task_type", "status"}),
		taskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphplan",
			Name:      "task_retries_total",
			Help:      "Cumulative task retry attempts",
		}, []string{"task_type"}),
		tasksBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "graphplan",
			Name:      "tasks_blocked_total",
			Help:      "Tasks blocked by upstream failure or cancellation",
		}),
		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphplan",
			Name:      "workflows_total",
			Help:      "Workflows finished, by terminal status",
		}, []string{"status"}),
	}
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.inflightTasks.Inc()
}

func (m *Metrics) taskFinished(taskType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightTasks.Dec()
	m.taskDuration.WithLabelValues(taskType, status).Observe(d.Seconds())
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) taskBlocked() {
	if m == nil {
		return
	}
	m.tasksBlocked.Inc()
}

func (m *Metrics) taskRetried(taskType string) {
	if m == nil {
		return
	}
	m.taskRetries.WithLabelValues(taskType).Inc()
}

func (m *Metrics) workflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}
