package foreman

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jzx17/goforeman/pkg/types"
)

// probeAll sends a health probe to every probeable worker. Probes carry
// their own correlation ids, so a reply is matched to its probe even when
// task results interleave on the same channel. Loop-confined.
func (f *Foreman) probeAll() {
	if f.closing {
		return
	}
	now := f.clock.Now()
	for _, s := range f.slots {
		f.probeWorker(s.worker, now)
		f.probeWorker(s.incoming, now)
	}
}

func (f *Foreman) probeWorker(w *workerHandle, now time.Time) {
	if w == nil || !w.probeable() {
		return
	}
	if w.probeID != "" {
		// previous probe still outstanding; its timeout does the counting
		return
	}

	id := uuid.NewString()
	w.probeID = id
	w.health.LastCheckAt = now

	env := types.Envelope{Type: types.MessageHealthCheck, ID: id}
	if err := w.proc.Send(env); err != nil {
		// process is gone; the exit event takes over
		w.probeID = ""
		return
	}

	f.afterFunc(f.cfg.HealthTimeout, func() {
		if w.exited || w.probeID != id {
			return
		}
		w.probeID = ""
		f.onHealthFailure(w, types.ErrHealthCheckTimeout)
	})
}

func (f *Foreman) onHealthReply(w *workerHandle, env types.Envelope) {
	if env.ID != w.probeID {
		return // stale reply from an already-expired probe
	}
	w.probeID = ""

	hp, ok := env.Payload.(types.HealthPayload)
	if !ok {
		f.onHealthFailure(w, errors.New("malformed health payload"))
		return
	}
	if !hp.Healthy {
		f.onHealthFailure(w, errors.New("worker reported unhealthy"))
		return
	}

	firstSuccess := w.health.LastSuccessAt.IsZero()
	w.healthFailures = 0
	w.health.LastSuccessAt = f.clock.Now()
	w.health.Metrics = hp.Metrics
	w.breaker.RecordSuccess()

	if firstSuccess {
		// the replacement has proven itself; reset the lineage backoff curve
		w.slot.restarts.RecordStable()
	}

	if w.state == WorkerStateUnhealthy {
		if w.currentTask != nil {
			w.state = WorkerStateBusy
		} else {
			w.state = WorkerStateIdle
			f.dispatch()
		}
		f.metrics.observeWorkers(f.slots)
		f.logger.Info("worker recovered", zap.String("worker", w.id))
	}
}

// onHealthFailure counts a failed or missing probe reply; the failure
// threshold declares the worker dead and lets the exit path recover its
// task and evaluate the restart policy.
func (f *Foreman) onHealthFailure(w *workerHandle, cause error) {
	switch w.state {
	case WorkerStateDead, WorkerStateTerminated, WorkerStateDraining, WorkerStateStarting:
		return
	}

	w.healthFailures++
	w.breaker.RecordFailure()
	f.scheduleBreakerRetry(w)

	f.logger.Warn("health check failed",
		zap.String("worker", w.id),
		zap.Int("consecutive_failures", w.healthFailures),
		zap.Error(cause))

	if w.healthFailures >= f.cfg.HealthFailureLimit {
		f.logger.Error("worker declared dead after repeated health failures",
			zap.String("worker", w.id),
			zap.Int("failures", w.healthFailures))
		w.state = WorkerStateDead
		f.metrics.observeWorkers(f.slots)
		_ = w.proc.Kill()
		return
	}

	if w.state == WorkerStateIdle || w.state == WorkerStateBusy {
		w.state = WorkerStateUnhealthy
		f.metrics.observeWorkers(f.slots)
	}
}
