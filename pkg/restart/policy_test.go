package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/goforeman/internal/testutils"
)

func newTestPolicy(t *testing.T, cfg Config) (*Policy, *testutils.ClockWrapper) {
	t.Helper()
	clock := testutils.NewClockWrapper(testutils.NewMockClock(t))
	cfg.Clock = clock
	return New(cfg), clock
}

func TestPolicyAllowsUpToMaxInWindow(t *testing.T) {
	p, _ := newTestPolicy(t, Config{Window: time.Minute, MaxRestarts: 3})

	for i := 0; i < 3; i++ {
		require.True(t, p.Allow(), "restart %d should be allowed", i)
		p.RecordRestart()
	}
	assert.False(t, p.Allow())
	assert.Equal(t, 3, p.WindowCount())
}

func TestPolicyWindowRollsForward(t *testing.T) {
	p, clock := newTestPolicy(t, Config{Window: time.Minute, MaxRestarts: 2})

	p.RecordRestart()
	clock.Advance(30 * time.Second)
	p.RecordRestart()
	require.False(t, p.Allow())

	// first restart leaves the window
	clock.Advance(31 * time.Second)
	assert.True(t, p.Allow())
	assert.Equal(t, 1, p.WindowCount())
}

func TestPolicyRetryAfter(t *testing.T) {
	p, clock := newTestPolicy(t, Config{Window: time.Minute, MaxRestarts: 1})

	assert.Equal(t, time.Duration(0), p.RetryAfter())

	p.RecordRestart()
	assert.Equal(t, time.Minute, p.RetryAfter())

	clock.Advance(40 * time.Second)
	assert.Equal(t, 20*time.Second, p.RetryAfter())

	clock.Advance(21 * time.Second)
	assert.Equal(t, time.Duration(0), p.RetryAfter())
}

func TestPolicyBackoffCurve(t *testing.T) {
	p, _ := newTestPolicy(t, Config{
		Window:      time.Hour,
		MaxRestarts: 100,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	})

	assert.Equal(t, 100*time.Millisecond, p.NextDelay())

	tests := []struct {
		want time.Duration
	}{
		{200 * time.Millisecond},
		{400 * time.Millisecond},
		{800 * time.Millisecond},
		{time.Second}, // capped
		{time.Second},
	}
	for i, tt := range tests {
		p.RecordRestart()
		assert.Equal(t, tt.want, p.NextDelay(), "after %d restarts", i+1)
	}
}

func TestPolicyRecordStableResetsBackoffNotWindow(t *testing.T) {
	p, _ := newTestPolicy(t, Config{
		Window:      time.Hour,
		MaxRestarts: 3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	})

	p.RecordRestart()
	p.RecordRestart()
	require.Equal(t, 400*time.Millisecond, p.NextDelay())

	p.RecordStable()
	assert.Equal(t, 100*time.Millisecond, p.NextDelay())

	// the rate-limit window still remembers both restarts
	assert.Equal(t, 2, p.WindowCount())
	p.RecordRestart()
	assert.False(t, p.Allow())
}

func TestPolicyDefaults(t *testing.T) {
	p := New(Config{})

	assert.Equal(t, time.Hour, p.cfg.Window)
	assert.Equal(t, 5, p.cfg.MaxRestarts)
	assert.Equal(t, 500*time.Millisecond, p.cfg.BackoffBase)
	assert.Equal(t, 30*time.Second, p.cfg.BackoffMax)
}

func TestPolicyFixedDelayWhenBaseEqualsMax(t *testing.T) {
	p, _ := newTestPolicy(t, Config{
		Window:      time.Hour,
		MaxRestarts: 100,
		BackoffBase: time.Second,
		BackoffMax:  time.Second,
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Second, p.NextDelay())
		p.RecordRestart()
	}
}
