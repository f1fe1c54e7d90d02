package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := New()
	now, clock := testClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	b.now = clock
	cfg := Config{FailureThreshold: 3, ResetTimeout: 2 * time.Second}
	host := "air.example"

	assert.Equal(t, Proceed, b.CheckAndEnter(host, cfg))
	assert.False(t, b.ReportFailure(host, cfg))
	assert.False(t, b.ReportFailure(host, cfg))
	assert.True(t, b.ReportFailure(host, cfg), "third failure opens the breaker")

	assert.Equal(t, Open, b.StateOf(host))
	assert.Equal(t, Reject, b.CheckAndEnter(host, cfg))

	// After the reset timeout a single probe is admitted; concurrent callers
	// are still rejected while the probe is in flight.
	*now = now.Add(2 * time.Second)
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))
	assert.Equal(t, Reject, b.CheckAndEnter(host, cfg))

	b.ReportSuccess(host, cfg)
	assert.Equal(t, Closed, b.StateOf(host))
	assert.Equal(t, Proceed, b.CheckAndEnter(host, cfg))
}

func TestProbeFailureDoublesReset(t *testing.T) {
	t.Parallel()

	b := New()
	now, clock := testClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	b.now = clock
	cfg := Config{FailureThreshold: 3, ResetTimeout: 2 * time.Second}
	host := "air.example"

	for i := 0; i < 3; i++ {
		b.ReportFailure(host, cfg)
	}
	*now = now.Add(2 * time.Second)
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))
	assert.True(t, b.ReportFailure(host, cfg), "probe failure re-opens")

	// Reset doubled to 4s: still rejected after 2s, probing after 4s.
	*now = now.Add(2 * time.Second)
	assert.Equal(t, Reject, b.CheckAndEnter(host, cfg))
	*now = now.Add(2 * time.Second)
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))
}

func TestResetTimeoutCapped(t *testing.T) {
	t.Parallel()

	b := New()
	now, clock := testClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	b.now = clock
	cfg := Config{FailureThreshold: 1, ResetTimeout: 3000 * time.Second}
	host := "air.example"

	b.ReportFailure(host, cfg)
	*now = now.Add(3000 * time.Second)
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))
	b.ReportFailure(host, cfg) // would double to 6000s, capped at 3600s

	*now = now.Add(3600 * time.Second)
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))
}

func TestReleaseProbeReturnsToken(t *testing.T) {
	t.Parallel()

	b := New()
	now, clock := testClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	b.now = clock
	cfg := Config{FailureThreshold: 1, ResetTimeout: 2 * time.Second}
	host := "air.example"

	b.ReportFailure(host, cfg)
	*now = now.Add(2 * time.Second)
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))
	assert.Equal(t, Reject, b.CheckAndEnter(host, cfg))

	// The holder went away without an outcome; the token goes back and the
	// next caller probes instead of being rejected forever.
	b.ReleaseProbe(host)
	assert.Equal(t, HalfOpen, b.StateOf(host))
	assert.Equal(t, Probe, b.CheckAndEnter(host, cfg))

	b.ReportSuccess(host, cfg)
	assert.Equal(t, Closed, b.StateOf(host))

	b.ReleaseProbe("unknown.example") // no-op
	b.ReleaseProbe(host)              // closed: nothing to release
	assert.Equal(t, Closed, b.StateOf(host))
}

func TestClosedSuccessDecrementsFailures(t *testing.T) {
	t.Parallel()

	b := New()
	cfg := Config{FailureThreshold: 3}
	host := "air.example"

	b.ReportFailure(host, cfg)
	b.ReportFailure(host, cfg)
	b.ReportSuccess(host, cfg) // counter back to 1
	assert.False(t, b.ReportFailure(host, cfg), "still below threshold")
	assert.Equal(t, Closed, b.StateOf(host))
}

func TestFailureWindowExpires(t *testing.T) {
	t.Parallel()

	b := New()
	now, clock := testClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	b.now = clock
	cfg := Config{FailureThreshold: 3, FailureWindow: 60 * time.Second}
	host := "air.example"

	b.ReportFailure(host, cfg)
	b.ReportFailure(host, cfg)
	*now = now.Add(2 * time.Minute) // window expired, streak resets
	assert.False(t, b.ReportFailure(host, cfg))
	assert.False(t, b.ReportFailure(host, cfg))
	assert.True(t, b.ReportFailure(host, cfg))
}
