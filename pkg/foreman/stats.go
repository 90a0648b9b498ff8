package foreman

import (
	"time"
)

// WorkerInfo is a point-in-time view of one managed worker.
type WorkerInfo struct {
	// ID is the worker's stable identity
	ID string

	// Slot is the pool slot the worker occupies
	Slot int

	// State is the lifecycle state name
	State string

	// BreakerState is the circuit breaker state name
	BreakerState string

	// HealthFailures is the consecutive failed-probe count
	HealthFailures int

	// LastHealthyAt is the time of the last healthy probe reply
	LastHealthyAt time.Time

	// RestartsInWindow is the slot lineage's restart count within the
	// rate-limit window
	RestartsInWindow int
}

// ForemanStats is a snapshot of pool health, taken on the event loop so it
// is internally consistent.
type ForemanStats struct {
	// PoolSize is the configured target capacity
	PoolSize int

	// IdleCount is the number of workers ready for a task
	IdleCount int

	// BusyCount is the number of workers with a task in flight
	BusyCount int

	// QueueDepth is the pending-task queue length
	QueueDepth int

	// QueueCapacity is the configured queue bound
	QueueCapacity int

	// BreakerStates maps worker id to breaker state name
	BreakerStates map[string]string

	// Workers lists every live worker
	Workers []WorkerInfo
}

// snapshotStats builds a ForemanStats. Loop-confined.
func (f *Foreman) snapshotStats() ForemanStats {
	st := ForemanStats{
		PoolSize:      f.targetSize,
		QueueDepth:    f.queue.len(),
		QueueCapacity: f.cfg.QueueDepth,
		BreakerStates: make(map[string]string),
	}

	collect := func(w *workerHandle, s *slot) {
		if w == nil || w.state.terminal() {
			return
		}
		switch w.state {
		case WorkerStateIdle:
			st.IdleCount++
		case WorkerStateBusy:
			st.BusyCount++
		}
		st.BreakerStates[w.id] = w.breaker.State().String()
		st.Workers = append(st.Workers, WorkerInfo{
			ID:               w.id,
			Slot:             s.index,
			State:            w.state.String(),
			BreakerState:     w.breaker.State().String(),
			HealthFailures:   w.healthFailures,
			LastHealthyAt:    w.health.LastSuccessAt,
			RestartsInWindow: s.restarts.WindowCount(),
		})
	}

	for _, s := range f.slots {
		collect(s.worker, s)
		collect(s.incoming, s)
	}

	return st
}
