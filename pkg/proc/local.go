package proc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/jzx17/goforeman/pkg/types"
)

// Handler executes one task payload and returns its result.
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// HealthFunc answers a health probe. Blocking past the foreman's probe
// timeout is counted as a health failure, which makes a slow or wedged
// responder indistinguishable from a missing one.
type HealthFunc func(ctx context.Context) types.HealthPayload

// LocalSpawner spawns goroutine-backed workers running a Handler.
type LocalSpawner struct {
	handler    Handler
	health     HealthFunc
	readyDelay time.Duration
	clock      types.Clock
}

// LocalOption configures a LocalSpawner
type LocalOption func(*LocalSpawner)

// WithReadyDelay delays the ready signal after spawn
func WithReadyDelay(d time.Duration) LocalOption {
	return func(s *LocalSpawner) {
		s.readyDelay = d
	}
}

// WithHealthFunc replaces the default health responder
func WithHealthFunc(f HealthFunc) LocalOption {
	return func(s *LocalSpawner) {
		s.health = f
	}
}

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) LocalOption {
	return func(s *LocalSpawner) {
		s.clock = clock
	}
}

// NewLocalSpawner creates a spawner for in-memory workers
func NewLocalSpawner(handler Handler, opts ...LocalOption) *LocalSpawner {
	s := &LocalSpawner{
		handler: handler,
		health:  SelfHealth,
		clock:   types.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts a new local worker. The context bounds the spawn itself
// only; once the process is handed over, its lifetime is governed by the
// shutdown handshake and Kill, never by ctx.
func (s *LocalSpawner) Spawn(ctx context.Context) (Process, error) {
	if s.handler == nil {
		return nil, types.NewSpawnError(fmt.Errorf("local spawner has no handler"))
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewSpawnError(err)
	}

	p := &localProcess{
		handler:    s.handler,
		health:     s.health,
		readyDelay: s.readyDelay,
		clock:      s.clock,
		in:         make(chan types.Envelope, 16),
		out:        make(chan types.Envelope, 16),
		done:       make(chan struct{}),
		killed:     make(chan struct{}),
	}
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	go p.run()
	return p, nil
}

// SelfHealth is the default health responder: healthy, with CPU and
// resident-set readings for the hosting process.
func SelfHealth(ctx context.Context) types.HealthPayload {
	metrics := make(map[string]float64)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			metrics["cpu_percent"] = cpu
		}
		if mi, err := p.MemoryInfo(); err == nil {
			metrics["rss_bytes"] = float64(mi.RSS)
		}
	}
	return types.HealthPayload{Healthy: true, Metrics: metrics}
}

// localProcess implements Process with a goroutine per worker. A task in
// flight runs on its own goroutine so health probes are answered while
// busy; a handler panic terminates the whole worker abnormally, matching
// the crash semantics of an OS worker process.
type localProcess struct {
	handler    Handler
	health     HealthFunc
	readyDelay time.Duration
	clock      types.Clock

	in     chan types.Envelope
	out    chan types.Envelope
	done   chan struct{}
	killed chan struct{}

	// runCtx is cancelled on Kill; it is handed to the handler and health
	// responder so in-flight work observes a force-termination.
	runCtx    context.Context
	runCancel context.CancelFunc

	killOnce sync.Once
	err      error
}

type taskOutcome struct {
	id       string
	value    interface{}
	err      error
	panicked bool
}

// Send implements Process
func (p *localProcess) Send(env types.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return types.ErrProcessExited
	default:
	}
	select {
	case p.in <- env:
		return nil
	case <-p.done:
		return types.ErrProcessExited
	}
}

// Messages implements Process
func (p *localProcess) Messages() <-chan types.Envelope {
	return p.out
}

// Done implements Process
func (p *localProcess) Done() <-chan struct{} {
	return p.done
}

// Err implements Process
func (p *localProcess) Err() error {
	return p.err
}

// Kill implements Process
func (p *localProcess) Kill() error {
	p.killOnce.Do(func() {
		p.runCancel()
		close(p.killed)
	})
	return nil
}

// Pid implements Process. Local workers live in the hosting process.
func (p *localProcess) Pid() int {
	return os.Getpid()
}

func (p *localProcess) run() {
	var exitErr error
	defer func() {
		p.err = exitErr
		close(p.out)
		close(p.done)
	}()

	if p.readyDelay > 0 {
		select {
		case <-p.clock.After(p.readyDelay):
		case <-p.killed:
			exitErr = ErrKilled
			return
		}
	}

	if !p.emit(types.Envelope{Type: types.MessageReady}) {
		exitErr = ErrKilled
		return
	}

	var (
		outcomes chan taskOutcome // nil while idle
		draining bool
	)

	for {
		select {
		case <-p.killed:
			exitErr = ErrKilled
			return

		case out := <-outcomes:
			if out.panicked {
				exitErr = out.err
				return
			}
			res := types.ResultPayload{OK: out.err == nil, Value: out.value}
			if out.err != nil {
				res.Err = out.err.Error()
			}
			if !p.emit(types.Envelope{Type: types.MessageResult, ID: out.id, Payload: res}) {
				exitErr = ErrKilled
				return
			}
			outcomes = nil
			if draining {
				p.emit(types.Envelope{Type: types.MessageShutdownAck})
				return
			}

		case env := <-p.in:
			switch env.Type {
			case types.MessageTask:
				if draining || outcomes != nil {
					res := types.ResultPayload{OK: false, Err: "worker cannot accept task"}
					p.emit(types.Envelope{Type: types.MessageResult, ID: env.ID, Payload: res})
					continue
				}
				outcomes = make(chan taskOutcome, 1)
				go p.execute(p.runCtx, env, outcomes)

			case types.MessageHealthCheck:
				hp := p.health(p.runCtx)
				if !p.emit(types.Envelope{Type: types.MessageHealth, ID: env.ID, Payload: hp}) {
					exitErr = ErrKilled
					return
				}

			case types.MessageShutdown:
				draining = true
				if outcomes == nil {
					p.emit(types.Envelope{Type: types.MessageShutdownAck})
					return
				}
			}
		}
	}
}

func (p *localProcess) execute(ctx context.Context, env types.Envelope, outcomes chan<- taskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcomes <- taskOutcome{
				id:       env.ID,
				err:      fmt.Errorf("worker panic: %v", r),
				panicked: true,
			}
		}
	}()

	value, err := p.handler(ctx, env.Payload)
	outcomes <- taskOutcome{id: env.ID, value: value, err: err}
}

// emit delivers an envelope to the foreman, giving up on kill so a departed
// supervisor cannot wedge the worker.
func (p *localProcess) emit(env types.Envelope) bool {
	select {
	case p.out <- env:
		return true
	case <-p.killed:
		return false
	}
}
