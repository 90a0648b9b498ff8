package foreman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jzx17/goforeman/pkg/types"
)

// initiateDrain starts the graceful stop of one worker: no new tasks, wait
// for in-flight work up to DrainGrace, shutdown message, force-kill after
// KillGrace. Loop-confined; idempotent per worker.
func (f *Foreman) initiateDrain(w *workerHandle) {
	if w == nil || w.state.terminal() || w.drainRequested {
		return
	}
	w.drainRequested = true

	if w.state == WorkerStateStarting {
		// never confirmed ready; the shutdown handshake does not apply
		w.state = WorkerStateDraining
		_ = w.proc.Kill()
		return
	}

	hasTask := w.currentTask != nil
	w.state = WorkerStateDraining
	f.metrics.observeWorkers(f.slots)

	if !hasTask {
		f.sendShutdown(w)
		return
	}

	// in-flight task gets DrainGrace; resolution triggers the shutdown
	// message early via onTaskResult
	f.afterFunc(f.cfg.DrainGrace, func() {
		if w.exited || w.shutdownSent {
			return
		}
		f.logger.Warn("drain grace exceeded with task in flight",
			zap.String("worker", w.id))
		f.sendShutdown(w)
	})
}

// sendShutdown performs the shutdown handshake and arms the force-kill.
func (f *Foreman) sendShutdown(w *workerHandle) {
	if w.shutdownSent || w.exited {
		return
	}
	w.shutdownSent = true

	if err := w.proc.Send(types.Envelope{Type: types.MessageShutdown}); err != nil {
		return // already exiting
	}

	f.afterFunc(f.cfg.KillGrace, func() {
		if w.exited {
			return
		}
		f.logger.Warn("worker ignored shutdown, force-terminating",
			zap.String("worker", w.id),
			zap.Error(types.ErrShutdownTimeout))
		_ = w.proc.Kill()
	})
}

// Drain gracefully stops one worker by id and waits for it to terminate.
// Outside scale-down and shutdown, the freed slot is refilled with a fresh
// worker so capacity is restored.
func (f *Foreman) Drain(ctx context.Context, workerID string) error {
	if atomic.LoadInt32(&f.state) == 0 {
		return types.ErrForemanNotStarted
	}

	var (
		terminated <-chan struct{}
		findErr    error
	)
	err := f.do(func() {
		w := f.findWorker(workerID)
		if w == nil {
			findErr = fmt.Errorf("unknown worker %q", workerID)
			return
		}
		f.initiateDrain(w)
		terminated = w.terminated
	})
	if err != nil {
		return err
	}
	if findErr != nil {
		return findErr
	}

	select {
	case <-terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

func (f *Foreman) findWorker(id string) *workerHandle {
	for _, s := range f.slots {
		if s.worker != nil && s.worker.id == id && !s.worker.state.terminal() {
			return s.worker
		}
		if s.incoming != nil && s.incoming.id == id && !s.incoming.state.terminal() {
			return s.incoming
		}
	}
	return nil
}

// rollingState tracks an in-progress rolling replacement. Slots are
// replaced strictly one at a time so capacity never drops by more than one.
type rollingState struct {
	slotIdx int
	waiters []chan error
}

// RollingRestart replaces every worker one at a time with zero downtime:
// each replacement is spawned and confirmed ready before its predecessor
// starts draining, and the next slot is not touched until the predecessor
// has fully terminated. Concurrent calls join the in-progress rollout.
func (f *Foreman) RollingRestart(ctx context.Context) error {
	if atomic.LoadInt32(&f.state) != 1 {
		return types.ErrForemanNotStarted
	}

	waiter := make(chan error, 1)
	var startErr error
	err := f.do(func() {
		if f.closing {
			startErr = types.ErrForemanClosed
			return
		}
		if f.rolling != nil {
			f.rolling.waiters = append(f.rolling.waiters, waiter)
			return
		}
		f.rolling = &rollingState{waiters: []chan error{waiter}}
		f.logger.Info("rolling restart started", zap.Int("slots", len(f.slots)))
		f.rollingAdvance()
	})
	if err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	select {
	case rerr := <-waiter:
		return rerr
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return types.ErrForemanClosed
	}
}

// rollingAdvance moves the rollout to the next slot that still has a
// pre-existing worker, or finishes. Loop-confined.
func (f *Foreman) rollingAdvance() {
	r := f.rolling
	if r == nil {
		return
	}
	for r.slotIdx < len(f.slots) {
		s := f.slots[r.slotIdx]
		if s.retiring || s.worker == nil || s.worker.state.terminal() || s.worker.drainRequested {
			r.slotIdx++
			continue
		}
		if s.incoming == nil && !s.spawnPending {
			f.spawnIntoSlot(s, true)
		}
		return
	}
	f.logger.Info("rolling restart complete")
	f.finishRolling(nil)
}

// onRollingExit reacts to a worker exit during a rollout.
func (f *Foreman) onRollingExit(s *slot, wasIncoming bool, exitErr error) {
	r := f.rolling
	if r == nil || r.slotIdx >= len(f.slots) || f.slots[r.slotIdx] != s {
		return
	}
	if wasIncoming {
		cause := exitErr
		if cause == nil {
			cause = fmt.Errorf("replacement exited before taking over")
		}
		f.abortRolling(s, cause)
		return
	}
	// the old occupant is gone; its replacement was promoted by the exit
	// handler, move on
	r.slotIdx++
	f.rollingAdvance()
}

// abortRolling stops the rollout, leaving remaining slots on their current
// workers. Already-replaced slots keep their new workers.
func (f *Foreman) abortRolling(s *slot, cause error) {
	if f.rolling == nil {
		return
	}
	err := fmt.Errorf("rolling restart aborted at slot %d: %w", s.index, cause)
	f.logger.Error("rolling restart aborted", zap.Int("slot", s.index), zap.Error(cause))
	f.finishRolling(err)
}

func (f *Foreman) finishRolling(err error) {
	if f.rolling == nil {
		return
	}
	for _, ch := range f.rolling.waiters {
		ch <- err
	}
	f.rolling = nil
}

// beginShutdown rejects new work, fails the queue, and starts draining
// every worker. In-flight tasks are allowed to finish. Loop-confined.
func (f *Foreman) beginShutdown() {
	if f.closing {
		return
	}
	f.closing = true
	f.spawnCancel()
	f.finishRolling(types.ErrForemanClosed)

	for f.queue.len() > 0 {
		t := f.queue.popFront()
		f.metrics.tasksCancelled.Inc()
		f.resolveTask(t, types.TaskResult{Err: types.ErrForemanClosed})
	}
	f.metrics.queueDepth.Set(0)

	for _, s := range f.slots {
		// a respawn waiting out its backoff must not hold shutdown open
		if s.spawnDelayed {
			s.spawnDelayed = false
			s.spawnPending = false
		}
		f.initiateDrain(s.worker)
		f.initiateDrain(s.incoming)
	}
}

// killAll force-terminates every live worker.
func (f *Foreman) killAll() {
	for _, s := range f.slots {
		if s.worker != nil && !s.worker.exited {
			_ = s.worker.proc.Kill()
		}
		if s.incoming != nil && !s.incoming.exited {
			_ = s.incoming.proc.Kill()
		}
	}
}

// Shutdown gracefully stops the pool: queued tasks fail with
// ErrForemanClosed, in-flight tasks finish, workers drain in parallel.
// When ctx expires first, remaining workers are force-terminated and the
// degraded shutdown is reported with ErrShutdownTimeout.
func (f *Foreman) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.state, 1, 2) {
		if atomic.LoadInt32(&f.state) == 2 {
			return nil
		}
		return types.ErrForemanNotStarted
	}

	type waitEntry struct {
		id         string
		terminated <-chan struct{}
	}
	var waits []waitEntry

	if err := f.do(func() {
		f.beginShutdown()
		for _, s := range f.slots {
			if s.worker != nil && !s.worker.state.terminal() {
				waits = append(waits, waitEntry{s.worker.id, s.worker.terminated})
			}
			if s.incoming != nil && !s.incoming.state.terminal() {
				waits = append(waits, waitEntry{s.incoming.id, s.incoming.terminated})
			}
		}
	}); err != nil {
		// loop already gone
		f.wg.Wait()
		return nil
	}

	var (
		mu       sync.Mutex
		drainErr error
	)
	g := new(errgroup.Group)
	for _, entry := range waits {
		entry := entry
		g.Go(func() error {
			select {
			case <-entry.terminated:
				return nil
			case <-ctx.Done():
				mu.Lock()
				drainErr = multierr.Append(drainErr,
					fmt.Errorf("worker %s: %w", entry.id, types.ErrShutdownTimeout))
				mu.Unlock()
				return ctx.Err()
			}
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		f.logger.Warn("graceful drain incomplete, force-terminating stragglers",
			zap.Error(drainErr))
		f.post(f.killAll)
	}

	<-f.done
	f.wg.Wait()
	f.logger.Info("foreman stopped", zap.Bool("degraded", drainErr != nil))
	return drainErr
}
