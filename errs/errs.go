// Package errs defines the error taxonomy shared by the crawl core.
// Every failure that crosses a component boundary is wrapped in a CrawlError
// so callers can branch on Kind instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of a crawl failure.
type Kind string

const (
	KindConfig      Kind = "config"
	KindNetwork     Kind = "network"
	KindProtocol    Kind = "protocol"
	KindParse       Kind = "parse"
	KindValidation  Kind = "validation"
	KindRateLimit   Kind = "rate_limit"
	KindBreakerOpen Kind = "breaker_open"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// CrawlError carries the context the scheduler and event bus need to report
// a failure without re-parsing it.
type CrawlError struct {
	SiteID    string
	Host      string
	Attempt   int
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *CrawlError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.SiteID != "" {
		return fmt.Sprintf("%s: %s: %s", e.SiteID, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// New creates a CrawlError with the given kind and message.
func New(kind Kind, siteID, message string) *CrawlError {
	return &CrawlError{SiteID: siteID, Kind: kind, Message: message, Retryable: defaultRetryable(kind)}
}

// Wrap wraps err in a CrawlError, preserving it for errors.Is/As.
func Wrap(kind Kind, siteID string, err error) *CrawlError {
	if err == nil {
		return nil
	}
	return &CrawlError{SiteID: siteID, Kind: kind, Err: err, Retryable: defaultRetryable(kind)}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

// WithHost returns a copy of the error annotated with the host.
func (e *CrawlError) WithHost(host string) *CrawlError {
	c := *e
	c.Host = host
	return &c
}

// WithAttempt returns a copy of the error annotated with the attempt number.
func (e *CrawlError) WithAttempt(n int) *CrawlError {
	c := *e
	c.Attempt = n
	return &c
}

// KindOf returns the Kind of err if it is (or wraps) a CrawlError,
// KindInternal otherwise.
func KindOf(err error) Kind {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a CrawlError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CrawlError
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsRetryable reports whether err may be retried. Non-CrawlErrors are not.
func IsRetryable(err error) bool {
	var ce *CrawlError
	return errors.As(err, &ce) && ce.Retryable
}
