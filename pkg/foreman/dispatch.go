package foreman

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jzx17/goforeman/pkg/types"
)

// dispatch drains the queue onto eligible workers: the first worker in
// stable slot order that is idle with a non-open breaker. FIFO submission
// order is preserved. Loop-confined.
func (f *Foreman) dispatch() {
	for f.queue.len() > 0 {
		w := f.eligibleWorker()
		if w == nil {
			break
		}
		t := f.queue.popFront()
		f.assign(w, t)
	}
	f.metrics.queueDepth.Set(float64(f.queue.len()))
}

func (f *Foreman) eligibleWorker() *workerHandle {
	for _, s := range f.slots {
		if s.worker != nil && s.worker.dispatchable() {
			return s.worker
		}
		if s.incoming != nil && s.incoming.dispatchable() {
			return s.incoming
		}
	}
	return nil
}

func (f *Foreman) assign(w *workerHandle, t *task) {
	w.state = WorkerStateBusy
	w.currentTask = t

	env := types.Envelope{
		Type:    types.MessageTask,
		ID:      t.id,
		Payload: t.payload,
	}
	if err := w.proc.Send(env); err != nil {
		// Process vanished between events; its exit event recovers the task.
		f.logger.Warn("dispatch to exiting worker",
			zap.String("worker", w.id),
			zap.String("task", t.id),
			zap.Error(err))
		return
	}

	f.logger.Debug("task dispatched",
		zap.String("task", t.id),
		zap.String("worker", w.id),
		zap.Int("attempt", t.attempt))
}

// onTaskResult settles the in-flight task of a worker from its result
// envelope, feeds the breaker, and frees the worker for more work.
func (f *Foreman) onTaskResult(w *workerHandle, env types.Envelope) {
	t := w.currentTask
	if t == nil || t.id != env.ID {
		f.logger.Debug("ignoring stale result",
			zap.String("worker", w.id),
			zap.String("correlation", env.ID))
		return
	}
	w.currentTask = nil

	rp, ok := env.Payload.(types.ResultPayload)
	if !ok {
		rp = types.ResultPayload{OK: false, Err: "malformed result payload"}
	}

	if rp.OK {
		w.breaker.RecordSuccess()
	} else {
		w.breaker.RecordFailure()
		f.scheduleBreakerRetry(w)
	}

	if !t.cancelled {
		if rp.OK {
			f.metrics.tasksCompleted.Inc()
			f.resolveTask(t, types.TaskResult{
				Value:    rp.Value,
				Duration: f.clock.Since(t.submittedAt),
			})
		} else {
			// business-level failure: surfaced to the caller, the worker
			// stays available
			f.metrics.tasksFailed.Inc()
			f.resolveTask(t, types.TaskResult{
				Err:      types.NewTaskError(t.id, t.attempt, errors.New(rp.Err)),
				Duration: f.clock.Since(t.submittedAt),
			})
		}
	}

	switch w.state {
	case WorkerStateBusy:
		w.state = WorkerStateIdle
		f.dispatch()
	case WorkerStateDraining:
		f.sendShutdown(w)
	case WorkerStateUnhealthy:
		// not offered new work until a probe succeeds
	}
}

// resolveTask settles a task's future and drops it from tracking.
func (f *Foreman) resolveTask(t *task, res types.TaskResult) {
	delete(f.tasks, t.id)
	t.future.Resolve(res)
}

// scheduleBreakerRetry arranges a dispatch pass just after a tripped
// breaker's cooldown, since the open-to-half-open transition is lazy and
// nothing else would wake the queue.
func (f *Foreman) scheduleBreakerRetry(w *workerHandle) {
	until := w.breaker.OpenUntil()
	if until.IsZero() {
		return
	}
	d := until.Sub(f.clock.Now()) + time.Millisecond
	f.afterFunc(d, func() {
		if !f.closing {
			f.dispatch()
		}
	})
}
