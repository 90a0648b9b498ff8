package foreman

import (
	"github.com/prometheus/client_golang/prometheus"
)

// foremanMetrics holds the prometheus instruments. All updates happen on
// the event loop; prometheus types are safe for the concurrent scrapes.
type foremanMetrics struct {
	tasksSubmitted prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRequeued  prometheus.Counter
	tasksCancelled prometheus.Counter

	workerRestarts prometheus.Counter
	spawnFailures  prometheus.Counter

	queueDepth     prometheus.Gauge
	workersByState *prometheus.GaugeVec
}

// newForemanMetrics builds and registers the instruments. A nil registerer
// leaves them unregistered, which keeps tests and multi-instance setups
// free of duplicate-registration panics.
func newForemanMetrics(reg prometheus.Registerer) *foremanMetrics {
	m := &foremanMetrics{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "tasks_submitted_total",
			Help: "Tasks accepted into the pending queue.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "tasks_completed_total",
			Help: "Tasks resolved successfully.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "tasks_failed_total",
			Help: "Tasks resolved with an error.",
		}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "tasks_requeued_total",
			Help: "Tasks returned to the queue head after a worker death.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "tasks_cancelled_total",
			Help: "Tasks cancelled by the caller or by shutdown.",
		}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "worker_restarts_total",
			Help: "Replacement workers spawned after a death.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman", Name: "spawn_failures_total",
			Help: "Worker processes that failed to start.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foreman", Name: "queue_depth",
			Help: "Current pending-task queue length.",
		}),
		workersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "foreman", Name: "workers",
			Help: "Live workers by lifecycle state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.tasksSubmitted, m.tasksCompleted, m.tasksFailed,
			m.tasksRequeued, m.tasksCancelled,
			m.workerRestarts, m.spawnFailures,
			m.queueDepth, m.workersByState,
		)
	}

	return m
}

// observeWorkers refreshes the per-state worker gauge from the slot table.
func (m *foremanMetrics) observeWorkers(slots []*slot) {
	counts := make(map[string]int)
	for _, s := range slots {
		if s.worker != nil {
			counts[s.worker.state.String()]++
		}
		if s.incoming != nil {
			counts[s.incoming.state.String()]++
		}
	}
	m.workersByState.Reset()
	for state, n := range counts {
		m.workersByState.WithLabelValues(state).Set(float64(n))
	}
}
