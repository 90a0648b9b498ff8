package foreman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jzx17/goforeman/pkg/breaker"
	"github.com/jzx17/goforeman/pkg/proc"
	"github.com/jzx17/goforeman/pkg/restart"
	"github.com/jzx17/goforeman/pkg/types"
)

// CapacityAlert is delivered when the restart budget is exhausted while the
// pool is below its configured minimum. The foreman keeps running; this is
// the operator-visible escalation.
type CapacityAlert struct {
	// Slot is the capacity slot that could not be refilled
	Slot int

	// Live is the current number of non-terminal workers
	Live int

	// Min is the configured minimum pool size
	Min int

	// RestartsInWindow is the slot's restart count in the window
	RestartsInWindow int
}

// Config contains foreman configuration
type Config struct {
	// PoolSize is the target number of workers
	PoolSize int

	// MinPoolSize is the capacity floor below which degradation is
	// escalated via OnBelowCapacity
	MinPoolSize int

	// Spawner launches worker processes (required)
	Spawner proc.Spawner

	// QueueDepth bounds the pending-task queue; submissions beyond it
	// are rejected with ErrQueueFull
	QueueDepth int

	// MaxAttempts is the dispatch attempt budget per task, counting the
	// first attempt
	MaxAttempts int

	// StartTimeout bounds the spawn-to-ready interval
	StartTimeout time.Duration

	// HealthInterval is the probe period
	HealthInterval time.Duration

	// HealthTimeout bounds each probe reply
	HealthTimeout time.Duration

	// HealthFailureLimit is the consecutive probe failure count that
	// declares a worker dead
	HealthFailureLimit int

	// Breaker configures the per-worker circuit breakers
	Breaker breaker.Config

	// Restart configures the per-slot restart policies
	Restart restart.Config

	// DrainGrace bounds the wait for an in-flight task during drain
	DrainGrace time.Duration

	// KillGrace bounds the wait for process exit after a shutdown
	// message before force-terminating
	KillGrace time.Duration

	// SubmitRate throttles submissions when positive; SubmitBurst is
	// the limiter burst (defaults to 1 when a rate is set)
	SubmitRate  rate.Limit
	SubmitBurst int

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for structured logging (optional, defaults to a nop logger)
	Logger *zap.Logger

	// Registerer receives the foreman's prometheus collectors (optional)
	Registerer prometheus.Registerer

	// OnBelowCapacity is invoked (on its own goroutine) when restart
	// budget exhaustion leaves the pool below MinPoolSize
	OnBelowCapacity func(CapacityAlert)
}

// DefaultConfig returns default foreman configuration
func DefaultConfig() *Config {
	return &Config{
		PoolSize:           4,
		MinPoolSize:        1,
		QueueDepth:         256,
		MaxAttempts:        3,
		StartTimeout:       10 * time.Second,
		HealthInterval:     10 * time.Second,
		HealthTimeout:      3 * time.Second,
		HealthFailureLimit: 3,
		DrainGrace:         30 * time.Second,
		KillGrace:          10 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Spawner == nil {
		return fmt.Errorf("spawner is required")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.MinPoolSize < 0 || c.MinPoolSize > c.PoolSize {
		return fmt.Errorf("min pool size %d must be within [0, %d]", c.MinPoolSize, c.PoolSize)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// Ticket identifies an accepted submission: the task id for Cancel and the
// future that resolves with the outcome.
type Ticket struct {
	TaskID string
	Future *types.Future
}

// Foreman supervises a pool of worker processes.
type Foreman struct {
	cfg     *Config
	clock   types.Clock
	logger  *zap.Logger
	metrics *foremanMetrics
	limiter *rate.Limiter

	// state: 0 created, 1 running, 2 closed
	state int32

	ops  chan func()
	done chan struct{}

	spawnCtx    context.Context
	spawnCancel context.CancelFunc

	wg sync.WaitGroup

	// Everything below is loop-confined.
	slots         []*slot
	nextSlotIndex int
	workerSeq     int64
	targetSize    int
	queue         *taskQueue
	tasks         map[string]*task
	rolling       *rollingState
	closing       bool
}

// New creates a Foreman
func New(cfg *Config) (*Foreman, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	def := DefaultConfig()
	if cfg.PoolSize == 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.MinPoolSize == 0 {
		cfg.MinPoolSize = def.MinPoolSize
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.HealthFailureLimit <= 0 {
		cfg.HealthFailureLimit = def.HealthFailureLimit
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = def.DrainGrace
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Breaker.Clock == nil {
		cfg.Breaker.Clock = cfg.Clock
	}
	if cfg.Restart.Clock == nil {
		cfg.Restart.Clock = cfg.Clock
	}

	f := &Foreman{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    newForemanMetrics(cfg.Registerer),
		ops:        make(chan func(), 128),
		done:       make(chan struct{}),
		queue:      newTaskQueue(),
		tasks:      make(map[string]*task),
		targetSize: cfg.PoolSize,
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(cfg.SubmitRate, burst)
	}
	return f, nil
}

// Start spawns the initial worker set and runs the event loop. Cancelling
// ctx force-terminates the pool; prefer Shutdown for a graceful stop.
func (f *Foreman) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&f.state, 0, 1) {
		if atomic.LoadInt32(&f.state) == 1 {
			return fmt.Errorf("foreman is already running")
		}
		return types.ErrForemanClosed
	}

	f.spawnCtx, f.spawnCancel = context.WithCancel(context.Background())

	for i := 0; i < f.cfg.PoolSize; i++ {
		s := f.newSlot()
		f.slots = append(f.slots, s)
		f.spawnIntoSlot(s, false)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(ctx)
	}()

	f.logger.Info("foreman started",
		zap.Int("pool_size", f.cfg.PoolSize),
		zap.Int("queue_depth", f.cfg.QueueDepth))
	return nil
}

func (f *Foreman) newSlot() *slot {
	s := &slot{
		index:    f.nextSlotIndex,
		restarts: restart.New(f.cfg.Restart),
	}
	f.nextSlotIndex++
	return s
}

// run is the event loop: the single serialization point for the worker
// set, queue and breaker state.
func (f *Foreman) run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.cfg.HealthInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case fn := <-f.ops:
			fn()
		case <-ticker.C():
			f.probeAll()
		case <-ctxDone:
			ctxDone = nil
			f.logger.Warn("context cancelled, force-terminating pool", zap.Error(ctx.Err()))
			f.beginShutdown()
			f.killAll()
		}

		if f.closing && f.liveWorkers() == 0 && !f.anySpawnPending() {
			f.finalize()
			close(f.done)
			return
		}
	}
}

func (f *Foreman) liveWorkers() int {
	n := 0
	for _, s := range f.slots {
		n += s.live()
	}
	return n
}

func (f *Foreman) anySpawnPending() bool {
	for _, s := range f.slots {
		if s.spawnPending {
			return true
		}
	}
	return false
}

// finalize resolves anything still tracked once the loop is about to exit.
func (f *Foreman) finalize() {
	for _, t := range f.tasks {
		t.future.Resolve(types.TaskResult{Err: types.ErrForemanClosed})
	}
	f.tasks = make(map[string]*task)
}

// post hands fn to the event loop, dropping it if the loop has exited.
func (f *Foreman) post(fn func()) {
	select {
	case f.ops <- fn:
	case <-f.done:
	}
}

// do runs fn on the event loop and waits for it.
func (f *Foreman) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case f.ops <- func() {
		fn()
		close(ran)
	}:
	case <-f.done:
		return types.ErrForemanClosed
	}
	select {
	case <-ran:
		return nil
	case <-f.done:
		select {
		case <-ran:
			return nil
		default:
			return types.ErrForemanClosed
		}
	}
}

// afterFunc posts fn to the loop after d, unless the foreman exits first.
func (f *Foreman) afterFunc(d time.Duration, fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		t := f.clock.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C():
			f.post(fn)
		case <-f.done:
		}
	}()
}

// IsRunning checks if the foreman is running
func (f *Foreman) IsRunning() bool {
	return atomic.LoadInt32(&f.state) == 1
}

// Submit enqueues a task and returns a ticket whose future resolves exactly
// once. Backpressure surfaces synchronously: ErrQueueFull when the queue is
// at capacity, ErrRateLimited when a submit rate is configured and exceeded.
// If ctx carries a deadline and the task is still queued when it expires,
// the future resolves with ErrWorkerUnavailable.
func (f *Foreman) Submit(ctx context.Context, payload interface{}) (*Ticket, error) {
	switch atomic.LoadInt32(&f.state) {
	case 0:
		return nil, types.ErrForemanNotStarted
	case 2:
		return nil, types.ErrForemanClosed
	}
	if f.limiter != nil && !f.limiter.Allow() {
		return nil, types.ErrRateLimited
	}

	t := &task{
		id:          uuid.NewString(),
		payload:     payload,
		future:      types.NewFuture(),
		attempt:     1,
		maxAttempts: f.cfg.MaxAttempts,
	}

	var submitErr error
	err := f.do(func() {
		if f.closing {
			submitErr = types.ErrForemanClosed
			return
		}
		if f.queue.len() >= f.cfg.QueueDepth {
			submitErr = types.ErrQueueFull
			return
		}
		t.submittedAt = f.clock.Now()
		f.tasks[t.id] = t
		f.queue.pushBack(t)
		f.metrics.tasksSubmitted.Inc()
		f.metrics.queueDepth.Set(float64(f.queue.len()))
		f.dispatch()
	})
	if err != nil {
		return nil, err
	}
	if submitErr != nil {
		return nil, submitErr
	}

	if ctx.Done() != nil {
		f.watchDeadline(ctx, t)
	}

	return &Ticket{TaskID: t.id, Future: t.future}, nil
}

// watchDeadline expires a task that is still queued when its submission
// context ends: ErrWorkerUnavailable on deadline, ErrCancelled otherwise.
func (f *Foreman) watchDeadline(ctx context.Context, t *task) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		select {
		case <-t.future.Done():
		case <-f.done:
		case <-ctx.Done():
			cause := types.ErrCancelled
			if ctx.Err() == context.DeadlineExceeded {
				cause = types.ErrWorkerUnavailable
			}
			f.post(func() {
				f.expireQueued(t, cause)
			})
		}
	}()
}

// expireQueued resolves a task only if it is still in the pending queue.
func (f *Foreman) expireQueued(t *task, cause error) {
	if _, ok := f.tasks[t.id]; !ok {
		return
	}
	if !f.queue.remove(t.id) {
		// already assigned; let it ride
		return
	}
	f.metrics.queueDepth.Set(float64(f.queue.len()))
	f.metrics.tasksFailed.Inc()
	f.resolveTask(t, types.TaskResult{
		Err:      cause,
		Duration: f.clock.Since(t.submittedAt),
	})
}

// Cancel cancels a task. A queued task is removed and resolved with
// ErrCancelled; an assigned task is resolved immediately and its late
// result is ignored. The worker's in-progress computation is not stopped.
// Returns false when the task is unknown or already resolved.
func (f *Foreman) Cancel(taskID string) bool {
	var ok bool
	err := f.do(func() {
		t, exists := f.tasks[taskID]
		if !exists {
			return
		}
		t.cancelled = true
		if f.queue.remove(taskID) {
			f.metrics.queueDepth.Set(float64(f.queue.len()))
		}
		f.metrics.tasksCancelled.Inc()
		f.resolveTask(t, types.TaskResult{
			Err:      types.ErrCancelled,
			Duration: f.clock.Since(t.submittedAt),
		})
		ok = true
	})
	return err == nil && ok
}

// Scale changes the target pool size. Growth adds slots and spawns into
// them; shrinkage drains workers from the highest slots and discards the
// slots once their workers terminate.
func (f *Foreman) Scale(ctx context.Context, target int) error {
	if atomic.LoadInt32(&f.state) != 1 {
		return types.ErrForemanNotStarted
	}
	if target < 1 {
		return fmt.Errorf("target size must be positive, got %d", target)
	}
	if target < f.cfg.MinPoolSize {
		return fmt.Errorf("target size %d is below min pool size %d", target, f.cfg.MinPoolSize)
	}

	var scaleErr error
	err := f.do(func() {
		if f.closing {
			scaleErr = types.ErrForemanClosed
			return
		}
		if f.rolling != nil {
			scaleErr = fmt.Errorf("cannot scale during rolling restart")
			return
		}

		current := 0
		for _, s := range f.slots {
			if !s.retiring {
				current++
			}
		}

		switch {
		case target > current:
			for i := current; i < target; i++ {
				s := f.newSlot()
				f.slots = append(f.slots, s)
				f.spawnIntoSlot(s, false)
			}
		case target < current:
			// retire from the end, newest capacity first
			toRemove := current - target
			for i := len(f.slots) - 1; i >= 0 && toRemove > 0; i-- {
				s := f.slots[i]
				if s.retiring {
					continue
				}
				s.retiring = true
				toRemove--
				if s.spawnDelayed {
					s.spawnDelayed = false
					s.spawnPending = false
				}
				if s.live() == 0 && !s.spawnPending {
					f.removeSlot(s)
					continue
				}
				f.initiateDrain(s.worker)
				f.initiateDrain(s.incoming)
			}
		}
		f.targetSize = target
		f.logger.Info("pool scaled", zap.Int("target", target))
	})
	if err != nil {
		return err
	}
	return scaleErr
}

// Stats returns a consistent snapshot of pool state.
func (f *Foreman) Stats() ForemanStats {
	var st ForemanStats
	if err := f.do(func() {
		st = f.snapshotStats()
	}); err != nil {
		return ForemanStats{}
	}
	return st
}
