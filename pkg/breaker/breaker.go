// Package breaker implements the per-worker circuit breaker that gates task
// dispatch to a chronically failing worker while allowing probed recovery.
package breaker

import (
	"time"

	"github.com/jzx17/goforeman/pkg/types"
)

// State defines the state of a Breaker
type State int

const (
	// StateClosed allows dispatch; failures are counted
	StateClosed State = iota
	// StateOpen blocks dispatch until the cooldown elapses
	StateOpen
	// StateHalfOpen allows trial dispatch after the cooldown
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains breaker configuration
type Config struct {
	// FailureThreshold is the consecutive failure count that trips the
	// breaker from closed to open
	FailureThreshold int

	// Cooldown is the initial open interval
	Cooldown time.Duration

	// MaxCooldown caps cooldown growth
	MaxCooldown time.Duration

	// CooldownGrowth is the multiplier applied when a half-open trial
	// fails and the breaker re-opens. 1.0 keeps the cooldown fixed.
	CooldownGrowth float64

	// HalfOpenSuccesses is the number of consecutive successes in
	// half-open required to close the breaker
	HalfOpenSuccesses int

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock
}

// DefaultConfig returns default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          10 * time.Second,
		MaxCooldown:       2 * time.Minute,
		CooldownGrowth:    2.0,
		HalfOpenSuccesses: 1,
	}
}

// Breaker is a per-worker circuit breaker.
//
// It is not safe for concurrent use: the foreman confines all breaker
// mutations to its event loop, which is the single serialization point for
// dispatch decisions.
type Breaker struct {
	cfg   Config
	clock types.Clock

	state             State
	failures          int
	halfOpenSuccesses int
	cooldown          time.Duration
	lastFailureAt     time.Time
	openUntil         time.Time
}

// New creates a Breaker in the closed state
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.CooldownGrowth < 1.0 {
		cfg.CooldownGrowth = def.CooldownGrowth
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}

	return &Breaker{
		cfg:      cfg,
		clock:    cfg.Clock,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// Allow reports whether a task may be dispatched through this breaker.
// The open-to-half-open transition is lazy: it happens here, on the first
// dispatch attempt at or after openUntil.
func (b *Breaker) Allow() bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !b.clock.Now().Before(b.openUntil) {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful task or probe into the breaker.
func (b *Breaker) RecordSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.state = StateClosed
			b.failures = 0
			b.cooldown = b.cfg.Cooldown
		}
	case StateOpen:
		// success from work in flight before the trip; the cooldown stands
	}
}

// RecordFailure feeds a failed task, crash or health failure into the breaker.
func (b *Breaker) RecordFailure() {
	b.lastFailureAt = b.clock.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// any failure during the trial re-opens with a longer cooldown
		b.cooldown = time.Duration(float64(b.cooldown) * b.cfg.CooldownGrowth)
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.trip()
	case StateOpen:
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = b.clock.Now().Add(b.cooldown)
	b.halfOpenSuccesses = 0
}

// State returns the current state, applying the lazy open-to-half-open
// transition so observers never see a stale open past its cooldown.
func (b *Breaker) State() State {
	if b.state == StateOpen && !b.clock.Now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// OpenUntil returns the end of the current cooldown; zero unless open.
func (b *Breaker) OpenUntil() time.Time {
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openUntil
}

// LastFailureAt returns the time of the most recent recorded failure.
func (b *Breaker) LastFailureAt() time.Time {
	return b.lastFailureAt
}

// Failures returns the consecutive failure count while closed.
func (b *Breaker) Failures() int {
	return b.failures
}
