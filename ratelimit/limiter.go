// Package ratelimit provides the per-host token bucket gating every outbound
// request. Callers blocked on the same host are released in arrival order,
// and the refill rate adapts downward while a host is failing.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is one host's rate-limit spec from site config.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Cooldown          time.Duration
}

const (
	// Floor for the adaptive slowdown so a flapping host never freezes entirely.
	minAdaptiveRPS = 0.1
	slowdownWindow = 60 * time.Second

	failuresToSlow     = 3
	successesToRecover = 10
)

// Limiter owns one token bucket per host. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostBucket
	now   func() time.Time
}

type hostBucket struct {
	cfg    Config
	bucket *rate.Limiter
	queue  chan struct{} // capacity 1: serialises acquisition per host in FIFO order

	mu            sync.Mutex
	cooldownUntil time.Time
	slowedUntil   time.Time
	slowed        bool
	failStreak    int
	okStreak      int
}

// New creates an empty limiter. Host buckets are created on first use with
// the config supplied by the caller.
func New() *Limiter {
	return &Limiter{hosts: make(map[string]*hostBucket), now: time.Now}
}

func (l *Limiter) host(host string, cfg Config) *hostBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hb, ok := l.hosts[host]; ok {
		return hb
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	hb := &hostBucket{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		queue:  make(chan struct{}, 1),
	}
	l.hosts[host] = hb
	return hb
}

// Acquire blocks until a token is available for the host, the cooldown has
// elapsed, or ctx is cancelled. Waiters on the same host are admitted in the
// order they arrived.
func (l *Limiter) Acquire(ctx context.Context, host string, cfg Config) error {
	hb := l.host(host, cfg)

	// Channel receive order is the arrival order of the waiters, which gives
	// the per-host FIFO guarantee.
	select {
	case hb.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-hb.queue }()

	if until := hb.cooldownDeadline(l.now()); !until.IsZero() {
		timer := time.NewTimer(until.Sub(l.now()))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	hb.maybeRestore(l.now())
	return hb.bucket.Wait(ctx)
}

// ReportSuccess records a successful request against the host.
func (l *Limiter) ReportSuccess(host string, cfg Config) {
	hb := l.host(host, cfg)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.failStreak = 0
	hb.okStreak++
	if hb.slowed && hb.okStreak >= successesToRecover {
		hb.restoreLocked()
	}
}

// ReportFailure records a failed request. Three consecutive failures halve
// the refill rate for a minute.
func (l *Limiter) ReportFailure(host string, cfg Config) {
	hb := l.host(host, cfg)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.okStreak = 0
	hb.failStreak++
	if hb.failStreak >= failuresToSlow {
		slowed := hb.cfg.RequestsPerSecond / 2
		if slowed < minAdaptiveRPS {
			slowed = minAdaptiveRPS
		}
		hb.bucket.SetLimit(rate.Limit(slowed))
		hb.slowed = true
		hb.slowedUntil = l.now().Add(slowdownWindow)
	}
}

// ExtendCooldown pushes the host's cooldown deadline out by the configured
// cooldown. The breaker calls this when it opens.
func (l *Limiter) ExtendCooldown(host string, cfg Config) {
	hb := l.host(host, cfg)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	until := l.now().Add(hb.cfg.Cooldown)
	if until.After(hb.cooldownUntil) {
		hb.cooldownUntil = until
	}
}

func (hb *hostBucket) cooldownDeadline(now time.Time) time.Time {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if now.Before(hb.cooldownUntil) {
		return hb.cooldownUntil
	}
	return time.Time{}
}

func (hb *hostBucket) maybeRestore(now time.Time) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.slowed && now.After(hb.slowedUntil) {
		hb.restoreLocked()
	}
}

func (hb *hostBucket) restoreLocked() {
	hb.bucket.SetLimit(rate.Limit(hb.cfg.RequestsPerSecond))
	hb.slowed = false
	hb.failStreak = 0
}
