// Package breaker implements the per-host circuit breaker gating requests to
// failing sites. One Breaker covers the whole process; state is kept per
// host behind a short-lived lock.
package breaker

import (
	"sync"
	"time"
)

// State is the per-host breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Decision tells the caller what to do with the next request.
type Decision int

const (
	// Proceed: breaker is closed, make the request.
	Proceed Decision = iota
	// Reject: breaker is open, do not touch the network.
	Reject
	// Probe: breaker is half-open and this caller holds the single probe
	// token. The caller must report the outcome.
	Probe
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Reject:
		return "reject"
	case Probe:
		return "probe"
	}
	return "unknown"
}

// Config is one host's breaker spec from site config.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	FailureWindow    time.Duration // window the failure count lives in
	ResetTimeout     time.Duration // open -> half-open delay
}

const (
	defaultThreshold = 5
	defaultWindow    = 60 * time.Second
	defaultReset     = 300 * time.Second
	maxReset         = 3600 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = defaultWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultReset
	}
	return c
}

// Breaker tracks breaker state for every host in the process.
type Breaker struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	now   func() time.Time
}

type hostState struct {
	mu sync.Mutex

	cfg          Config
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	resetTimeout time.Duration
	probeHeld    bool
}

// New creates an empty breaker.
func New() *Breaker {
	return &Breaker{hosts: make(map[string]*hostState), now: time.Now}
}

func (b *Breaker) host(host string, cfg Config) *hostState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hs, ok := b.hosts[host]; ok {
		return hs
	}
	c := cfg.withDefaults()
	hs := &hostState{cfg: c, resetTimeout: c.ResetTimeout}
	b.hosts[host] = hs
	return hs
}

// CheckAndEnter decides whether a request to the host may go out. A Probe
// decision grants the exclusive half-open probe token; the caller must follow
// up with ReportSuccess or ReportFailure.
func (b *Breaker) CheckAndEnter(host string, cfg Config) Decision {
	hs := b.host(host, cfg)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	now := b.now()
	switch hs.state {
	case Closed:
		return Proceed
	case Open:
		if now.Sub(hs.openedAt) >= hs.resetTimeout {
			hs.state = HalfOpen
			hs.probeHeld = true
			return Probe
		}
		return Reject
	case HalfOpen:
		if hs.probeHeld {
			return Reject
		}
		hs.probeHeld = true
		return Probe
	}
	return Reject
}

// ReportSuccess records a successful request.
func (b *Breaker) ReportSuccess(host string, cfg Config) {
	hs := b.host(host, cfg)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	switch hs.state {
	case HalfOpen:
		// Probe succeeded: close and restore the configured reset timeout.
		hs.state = Closed
		hs.failures = 0
		hs.probeHeld = false
		hs.resetTimeout = hs.cfg.ResetTimeout
	case Closed:
		if hs.failures > 0 {
			hs.failures--
		}
	}
}

// ReportFailure records a failed request. Returns true when this failure
// opened (or re-opened) the breaker, so callers can widen cooldowns once.
func (b *Breaker) ReportFailure(host string, cfg Config) (opened bool) {
	hs := b.host(host, cfg)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	now := b.now()
	switch hs.state {
	case HalfOpen:
		// Probe failed: back to open with a doubled reset timeout.
		hs.state = Open
		hs.openedAt = now
		hs.probeHeld = false
		hs.resetTimeout *= 2
		if hs.resetTimeout > maxReset {
			hs.resetTimeout = maxReset
		}
		return true
	case Closed:
		if hs.failures == 0 || now.Sub(hs.firstFailure) > hs.cfg.FailureWindow {
			hs.failures = 0
			hs.firstFailure = now
		}
		hs.failures++
		if hs.failures >= hs.cfg.FailureThreshold {
			hs.state = Open
			hs.openedAt = now
			return true
		}
	}
	return false
}

// ReleaseProbe returns an unused half-open probe token without recording an
// outcome. A probe holder that is cancelled before its request resolves must
// release, or the host would stay half-open rejecting every caller.
func (b *Breaker) ReleaseProbe(host string) {
	b.mu.Lock()
	hs, ok := b.hosts[host]
	b.mu.Unlock()
	if !ok {
		return
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.state == HalfOpen {
		hs.probeHeld = false
	}
}

// StateOf reports the current state of the host, Closed for unknown hosts.
func (b *Breaker) StateOf(host string) State {
	b.mu.Lock()
	hs, ok := b.hosts[host]
	b.mu.Unlock()
	if !ok {
		return Closed
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.state
}
