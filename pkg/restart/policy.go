// Package restart implements the respawn decision for dead workers: a
// sliding-window rate limit on restarts plus a bounded exponential delay
// between death and respawn to avoid restart storms.
package restart

import (
	"math"
	"time"

	"github.com/jzx17/goforeman/pkg/types"
)

// Config contains restart policy configuration
type Config struct {
	// Window is the trailing interval over which restarts are counted
	Window time.Duration

	// MaxRestarts is the maximum number of restarts permitted within
	// the window; further deaths suppress respawn until the window
	// rolls forward
	MaxRestarts int

	// BackoffBase is the delay before the first respawn. Setting
	// BackoffBase == BackoffMax yields a fixed delay.
	BackoffBase time.Duration

	// BackoffMax caps the exponential respawn delay
	BackoffMax time.Duration

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock
}

// DefaultConfig returns default restart policy configuration
func DefaultConfig() Config {
	return Config{
		Window:      time.Hour,
		MaxRestarts: 5,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
	}
}

// Policy tracks the restart history of one worker lineage (a pool slot and
// the succession of worker identities occupying it).
//
// Not safe for concurrent use; the foreman serializes access.
type Policy struct {
	cfg   Config
	clock types.Clock

	timestamps []time.Time
	attempts   int // consecutive respawns since the last stable worker
}

// New creates a restart Policy
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}

	return &Policy{cfg: cfg, clock: cfg.Clock}
}

// Allow reports whether another respawn fits inside the rate-limit window.
func (p *Policy) Allow() bool {
	return p.prune() < p.cfg.MaxRestarts
}

// RecordRestart appends the current instant to the restart history and
// bumps the consecutive-attempt counter driving the backoff curve.
func (p *Policy) RecordRestart() {
	p.prune()
	p.timestamps = append(p.timestamps, p.clock.Now())
	p.attempts++
}

// RecordStable resets the backoff curve once a replacement has proven
// itself (reached ready). The window history is kept: rapid crash cycles
// still exhaust the budget even if each replacement briefly comes up.
func (p *Policy) RecordStable() {
	p.attempts = 0
}

// NextDelay returns the delay to insert before the next respawn.
func (p *Policy) NextDelay() time.Duration {
	if p.attempts == 0 {
		return p.cfg.BackoffBase
	}

	delay := time.Duration(float64(p.cfg.BackoffBase) * math.Pow(2, float64(p.attempts)))
	if delay > p.cfg.BackoffMax || delay <= 0 {
		return p.cfg.BackoffMax
	}
	return delay
}

// RetryAfter returns how long until the window frees a restart slot;
// zero when a restart is already permitted.
func (p *Policy) RetryAfter() time.Duration {
	if p.prune() < p.cfg.MaxRestarts {
		return 0
	}
	d := p.timestamps[0].Add(p.cfg.Window).Sub(p.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// WindowCount returns the number of restarts in the trailing window.
func (p *Policy) WindowCount() int {
	return p.prune()
}

// prune drops timestamps older than the window and returns the remaining count.
func (p *Policy) prune() int {
	cutoff := p.clock.Now().Add(-p.cfg.Window)
	i := 0
	for i < len(p.timestamps) && p.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		p.timestamps = append(p.timestamps[:0], p.timestamps[i:]...)
	}
	return len(p.timestamps)
}
