package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, registered on the default registerer and exposed
// through the /metrics endpoint.
var (
	executeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentd",
		Name:      "task_execute_duration_seconds",
		Help:      "Wall-clock duration of task executions by final status.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "task_status_transitions_total",
		Help:      "Task status transitions by entering status.",
	}, []string{"status"})

	orphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "orphans_recovered_total",
		Help:      "Running tasks failed by orphan recovery.",
	})

	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentd",
		Name:      "task_retries_total",
		Help:      "Automatic retries scheduled by the retry policy.",
	})
)
