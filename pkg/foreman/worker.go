package foreman

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jzx17/goforeman/pkg/breaker"
	"github.com/jzx17/goforeman/pkg/proc"
	"github.com/jzx17/goforeman/pkg/restart"
	"github.com/jzx17/goforeman/pkg/types"
)

// WorkerState defines the lifecycle state of a managed worker
type WorkerState int

const (
	// WorkerStateStarting means the process is spawned but has not
	// signalled ready
	WorkerStateStarting WorkerState = iota
	// WorkerStateIdle means the worker can receive a task
	WorkerStateIdle
	// WorkerStateBusy means a task is dispatched and unresolved
	WorkerStateBusy
	// WorkerStateUnhealthy means a probe failed; in-flight work may
	// finish but no new tasks are offered
	WorkerStateUnhealthy
	// WorkerStateDead means the process exited abnormally or exhausted
	// its health failure budget; terminal for this identity
	WorkerStateDead
	// WorkerStateDraining means shutdown was requested; the worker
	// refuses new tasks and finishes in-flight work
	WorkerStateDraining
	// WorkerStateTerminated means the process exited cleanly
	WorkerStateTerminated
)

// String returns the string representation of WorkerState
func (ws WorkerState) String() string {
	switch ws {
	case WorkerStateStarting:
		return "starting"
	case WorkerStateIdle:
		return "idle"
	case WorkerStateBusy:
		return "busy"
	case WorkerStateUnhealthy:
		return "unhealthy"
	case WorkerStateDead:
		return "dead"
	case WorkerStateDraining:
		return "draining"
	case WorkerStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// terminal reports whether the state is final for this worker identity.
func (ws WorkerState) terminal() bool {
	return ws == WorkerStateDead || ws == WorkerStateTerminated
}

// workerHandle wraps one worker: identity, process handle, state and
// health counters. All fields except terminated are loop-confined.
type workerHandle struct {
	id   string
	slot *slot
	proc proc.Process

	state   WorkerState
	breaker *breaker.Breaker

	currentTask    *task
	healthFailures int
	health         types.HealthRecord
	probeID        string

	startedAt time.Time

	drainRequested bool
	shutdownSent   bool
	exited         bool

	// terminated is closed by the loop once the process has fully
	// exited; Drain and Shutdown callers wait on it.
	terminated chan struct{}
}

func newWorkerHandle(seq int64, s *slot, p proc.Process, brCfg breaker.Config, now time.Time) *workerHandle {
	return &workerHandle{
		id:         fmt.Sprintf("worker-%d-%s", seq, uuid.NewString()[:8]),
		slot:       s,
		proc:       p,
		state:      WorkerStateStarting,
		breaker:    breaker.New(brCfg),
		startedAt:  now,
		terminated: make(chan struct{}),
	}
}

// dispatchable reports whether the dispatcher may offer this worker a task.
func (w *workerHandle) dispatchable() bool {
	return w.state == WorkerStateIdle && w.breaker.Allow()
}

// probeable reports whether the health monitor should probe this worker.
func (w *workerHandle) probeable() bool {
	switch w.state {
	case WorkerStateIdle, WorkerStateBusy, WorkerStateUnhealthy:
		return true
	default:
		return false
	}
}

// slot is one unit of pool capacity. Worker identities come and go; the
// slot persists and carries the restart history of the lineage, so rapid
// crash cycles are rate-limited across replacements.
type slot struct {
	index    int
	worker   *workerHandle
	incoming *workerHandle // replacement being warmed up during rolling restart
	restarts *restart.Policy

	retiring     bool // scale-down: discard the slot once its worker terminates
	spawnPending bool
	spawnDelayed bool // spawnPending is a backoff timer, not an in-flight spawn
}

// live reports how many non-terminal workers the slot holds.
func (s *slot) live() int {
	n := 0
	if s.worker != nil && !s.worker.state.terminal() {
		n++
	}
	if s.incoming != nil && !s.incoming.state.terminal() {
		n++
	}
	return n
}
