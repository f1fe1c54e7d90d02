// Package retry classifies request outcomes and drives the bounded retry
// loop every adapter call runs under. Policies are explicit values handed in
// at the call site.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/parvazhub/parvaz-crawler/errs"
)

// Policy bounds one retryable operation.
type Policy struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int
	// BaseDelay is the first backoff; each subsequent backoff doubles it.
	BaseDelay time.Duration
	// RateLimitCooldown is how long to wait before the single retry granted
	// to a rate-limited outcome.
	RateLimitCooldown time.Duration
}

// DefaultPolicy is what site adapters get when their config leaves the
// retry section empty.
var DefaultPolicy = Policy{
	MaxAttempts:       3,
	BaseDelay:         500 * time.Millisecond,
	RateLimitCooldown: 5 * time.Second,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.RateLimitCooldown <= 0 {
		p.RateLimitCooldown = DefaultPolicy.RateLimitCooldown
	}
	return p
}

// Classify maps an arbitrary error to the crawl error taxonomy. Errors that
// already carry a CrawlError kind keep it.
func Classify(err error) errs.Kind {
	if err == nil {
		return ""
	}
	var ce *errs.CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return errs.KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.KindTimeout
		}
		return errs.KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errs.KindNetwork
	}
	return errs.KindInternal
}

// ClassifyStatus maps an HTTP status code to the taxonomy. 2xx maps to the
// empty kind.
func ClassifyStatus(code int) errs.Kind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusTooManyRequests:
		return errs.KindRateLimit
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return errs.KindNetwork
	case code == http.StatusBadRequest, code == http.StatusUnauthorized,
		code == http.StatusForbidden, code == http.StatusNotFound:
		return errs.KindProtocol
	case code >= 500:
		return errs.KindNetwork
	default:
		return errs.KindProtocol
	}
}

// retryable kinds get the exponential backoff path; rate-limited gets one
// extra attempt after the cooldown; everything else surfaces immediately.
func retryDisposition(kind errs.Kind) (backoff, once bool) {
	switch kind {
	case errs.KindNetwork, errs.KindTimeout:
		return true, false
	case errs.KindRateLimit:
		return false, true
	default:
		return false, false
	}
}

// Attempt describes one retry for progress reporting.
type Attempt struct {
	Number int
	Kind   errs.Kind
	Err    error
	Delay  time.Duration
}

// Do runs op under the policy. onRetry, if non-nil, is invoked before every
// sleep so callers can emit progress events. The operation receives the
// attempt number starting at 1; it is expected to re-check rate limits and
// breaker state itself on every attempt.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, onRetry func(Attempt)) error {
	p = p.withDefaults()

	var lastErr error
	rateLimitedRetried := false
	delay := p.BaseDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindCancelled, "", err)
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		kind := Classify(lastErr)
		if kind == errs.KindCancelled {
			return lastErr
		}

		backoff, once := retryDisposition(kind)
		var wait time.Duration
		switch {
		case backoff && attempt < p.MaxAttempts:
			wait = jitter(delay)
			delay *= 2
		case once && !rateLimitedRetried:
			rateLimitedRetried = true
			wait = p.RateLimitCooldown
		default:
			return lastErr
		}

		if onRetry != nil {
			onRetry(Attempt{Number: attempt, Kind: kind, Err: lastErr, Delay: wait})
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Wrap(errs.KindCancelled, "", ctx.Err())
		case <-timer.C:
		}
	}
}

// jitter spreads a delay by +/-25% so synchronized retries across workers
// do not land together.
func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}
