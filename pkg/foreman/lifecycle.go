package foreman

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jzx17/goforeman/pkg/proc"
	"github.com/jzx17/goforeman/pkg/types"
)

// spawnIntoSlot launches a worker process for the slot. asIncoming marks a
// rolling-restart replacement that warms up beside the current occupant.
// Loop-confined.
func (f *Foreman) spawnIntoSlot(s *slot, asIncoming bool) {
	s.spawnPending = true
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		p, err := f.cfg.Spawner.Spawn(f.spawnCtx)
		f.post(func() {
			f.onSpawned(s, asIncoming, p, err)
		})
	}()
}

// spawnIntoSlotAfter schedules a respawn after the restart backoff delay.
// The delay is cancellable: shutdown and scale-down discard it instead of
// waiting out the backoff.
func (f *Foreman) spawnIntoSlotAfter(s *slot, d time.Duration) {
	s.spawnPending = true
	s.spawnDelayed = true
	f.afterFunc(d, func() {
		s.spawnDelayed = false
		if f.closing || s.retiring {
			s.spawnPending = false
			if s.retiring && s.live() == 0 {
				f.removeSlot(s)
			}
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			p, err := f.cfg.Spawner.Spawn(f.spawnCtx)
			f.post(func() {
				f.onSpawned(s, false, p, err)
			})
		}()
	})
}

func (f *Foreman) onSpawned(s *slot, asIncoming bool, p proc.Process, err error) {
	s.spawnPending = false

	if f.closing || (s.retiring && !asIncoming) {
		if p != nil {
			_ = p.Kill()
		}
		if s.retiring && s.live() == 0 {
			f.removeSlot(s)
		}
		return
	}

	if err != nil {
		f.metrics.spawnFailures.Inc()
		f.logger.Error("worker spawn failed",
			zap.Int("slot", s.index),
			zap.Error(types.NewSpawnError(err)))
		if asIncoming {
			f.abortRolling(s, types.NewSpawnError(err))
			return
		}
		f.respawnAfterDeath(s)
		return
	}

	f.workerSeq++
	w := newWorkerHandle(f.workerSeq, s, p, f.cfg.Breaker, f.clock.Now())
	if asIncoming {
		s.incoming = w
	} else {
		s.worker = w
	}
	f.metrics.observeWorkers(f.slots)
	f.logger.Info("worker spawned",
		zap.String("worker", w.id),
		zap.Int("slot", s.index),
		zap.Bool("replacement", asIncoming))

	f.startPump(w)

	f.afterFunc(f.cfg.StartTimeout, func() {
		if w.exited || w.state != WorkerStateStarting {
			return
		}
		f.logger.Warn("worker missed ready deadline",
			zap.String("worker", w.id),
			zap.Error(types.ErrStartTimeout))
		w.state = WorkerStateDead
		_ = w.proc.Kill()
	})
}

// startPump forwards the worker's messages and exit into the event loop.
// Per-worker ordering is preserved; the exit event always arrives last.
func (f *Foreman) startPump(w *workerHandle) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for env := range w.proc.Messages() {
			env := env
			f.post(func() {
				f.onWorkerMessage(w, env)
			})
		}
		<-w.proc.Done()
		err := w.proc.Err()
		f.post(func() {
			f.onWorkerExit(w, err)
		})
	}()
}

func (f *Foreman) onWorkerMessage(w *workerHandle, env types.Envelope) {
	if w.exited || w.state.terminal() {
		return
	}
	if err := env.Validate(); err != nil {
		f.logger.Warn("dropping malformed message",
			zap.String("worker", w.id), zap.Error(err))
		return
	}

	switch env.Type {
	case types.MessageReady:
		f.onWorkerReady(w)
	case types.MessageResult:
		f.onTaskResult(w, env)
	case types.MessageHealth:
		f.onHealthReply(w, env)
	case types.MessageShutdownAck:
		f.logger.Debug("shutdown acknowledged", zap.String("worker", w.id))
	default:
		f.logger.Warn("unexpected message from worker",
			zap.String("worker", w.id),
			zap.Stringer("type", env.Type))
	}
}

// onWorkerReady handles the ready signal. A worker drained while still
// STARTING is killed by initiateDrain, so a ready that races the kill finds
// the state already past STARTING and is dropped here.
func (f *Foreman) onWorkerReady(w *workerHandle) {
	if w.state != WorkerStateStarting {
		return
	}
	s := w.slot

	w.state = WorkerStateIdle
	f.metrics.observeWorkers(f.slots)
	f.logger.Info("worker ready",
		zap.String("worker", w.id),
		zap.Int("slot", s.index),
		zap.Duration("startup", f.clock.Since(w.startedAt)))

	if s.incoming == w {
		// Swap point of the rolling replacement: the old occupant starts
		// draining in the same event the replacement becomes dispatchable,
		// so observable capacity never exceeds the pool size.
		if s.worker != nil && !s.worker.state.terminal() {
			f.initiateDrain(s.worker)
		} else {
			s.worker = w
			s.incoming = nil
			f.rollingAdvance()
		}
	}

	f.dispatch()
}

// onWorkerExit runs after the process has fully exited and its message
// stream is drained. It recovers the in-flight task, detaches the handle,
// and decides on replacement.
func (f *Foreman) onWorkerExit(w *workerHandle, exitErr error) {
	if w.exited {
		return
	}
	w.exited = true
	s := w.slot

	if w.drainRequested {
		w.state = WorkerStateTerminated
		if exitErr != nil {
			f.logger.Warn("drained worker exited abnormally",
				zap.String("worker", w.id), zap.Error(exitErr))
		} else {
			f.logger.Info("worker terminated", zap.String("worker", w.id))
		}
	} else {
		w.state = WorkerStateDead
		cause := exitErr
		if cause == nil {
			cause = errors.New("unexpected clean exit")
		}
		f.logger.Error("worker died",
			zap.String("worker", w.id),
			zap.Int("slot", s.index),
			zap.Error(types.NewWorkerCrashError(w.id, cause)))
	}
	close(w.terminated)

	f.recoverTask(w, exitErr)

	wasIncoming := s.incoming == w
	if wasIncoming {
		s.incoming = nil
	} else if s.worker == w {
		s.worker = nil
	}

	// Promote a warmed-up replacement the moment the old occupant is gone.
	if !wasIncoming && s.incoming != nil {
		s.worker = s.incoming
		s.incoming = nil
	}

	f.metrics.observeWorkers(f.slots)

	if f.rolling != nil {
		f.onRollingExit(s, wasIncoming, exitErr)
	}

	if f.closing {
		return
	}
	if s.retiring {
		if s.live() == 0 && !s.spawnPending {
			f.removeSlot(s)
		}
		return
	}
	if s.worker != nil || s.incoming != nil || s.spawnPending {
		return
	}

	if w.state == WorkerStateTerminated {
		// deliberate drain: restore capacity without burning crash budget
		f.spawnIntoSlot(s, false)
		return
	}
	f.respawnAfterDeath(s)
}

// recoverTask requeues or fails the task a dead worker was holding. The
// requeue goes to the head of the queue, ahead of newer submissions.
func (f *Foreman) recoverTask(w *workerHandle, exitErr error) {
	t := w.currentTask
	if t == nil {
		return
	}
	w.currentTask = nil

	cause := exitErr
	if cause == nil {
		cause = errors.New("worker exited")
	}
	crash := types.NewWorkerCrashError(w.id, cause)

	if t.cancelled {
		return
	}
	if !f.closing && t.attempt < t.maxAttempts {
		t.attempt++
		f.queue.pushFront(t)
		f.metrics.tasksRequeued.Inc()
		f.metrics.queueDepth.Set(float64(f.queue.len()))
		f.logger.Warn("task requeued after worker death",
			zap.String("task", t.id),
			zap.String("worker", w.id),
			zap.Int("attempt", t.attempt))
		f.dispatch()
		return
	}
	f.metrics.tasksFailed.Inc()
	f.resolveTask(t, types.TaskResult{
		Err:      types.NewTaskError(t.id, t.attempt, crash),
		Duration: f.clock.Since(t.submittedAt),
	})
}

// respawnAfterDeath applies the restart policy for the slot: backoff-delayed
// respawn within the rate-limit window, escalation when the budget is spent.
func (f *Foreman) respawnAfterDeath(s *slot) {
	if s.restarts.Allow() {
		s.restarts.RecordRestart()
		f.metrics.workerRestarts.Inc()
		delay := s.restarts.NextDelay()
		f.logger.Info("scheduling replacement worker",
			zap.Int("slot", s.index),
			zap.Duration("delay", delay),
			zap.Int("restarts_in_window", s.restarts.WindowCount()))
		f.spawnIntoSlotAfter(s, delay)
		return
	}

	retry := s.restarts.RetryAfter()
	live := f.liveWorkers()
	f.logger.Error("restart budget exhausted, pool below target capacity",
		zap.Int("slot", s.index),
		zap.Int("live_workers", live),
		zap.Int("restarts_in_window", s.restarts.WindowCount()),
		zap.Duration("retry_in", retry))

	if live < f.cfg.MinPoolSize && f.cfg.OnBelowCapacity != nil {
		alert := CapacityAlert{
			Slot:             s.index,
			Live:             live,
			Min:              f.cfg.MinPoolSize,
			RestartsInWindow: s.restarts.WindowCount(),
		}
		// own goroutine: the callback may call back into the foreman
		go f.cfg.OnBelowCapacity(alert)
	}

	// re-evaluate once the window has rolled forward
	f.afterFunc(retry+50*time.Millisecond, func() {
		if f.closing || s.retiring || s.spawnPending || s.worker != nil || s.incoming != nil {
			return
		}
		f.respawnAfterDeath(s)
	})
}

// removeSlot discards a retired slot.
func (f *Foreman) removeSlot(s *slot) {
	for i, cur := range f.slots {
		if cur == s {
			f.slots = append(f.slots[:i], f.slots[i+1:]...)
			return
		}
	}
}
