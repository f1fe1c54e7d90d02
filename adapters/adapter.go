// Package adapters holds the per-site crawl adapters. Every adapter shares
// one base that owns the token gate, response classification, and parsing;
// the five kinds differ only in how they assemble the site request.
package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parvazhub/parvaz-crawler/breaker"
	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/normalize"
	"github.com/parvazhub/parvaz-crawler/parse"
	"github.com/parvazhub/parvaz-crawler/pkg/logger"
	"github.com/parvazhub/parvaz-crawler/ratelimit"
	"github.com/parvazhub/parvaz-crawler/retry"
	"github.com/parvazhub/parvaz-crawler/session"
)

// Responses larger than this are truncated; no airline result page comes
// close.
const maxBodyBytes = 10 << 20

// RawPage is one fetched response bundle.
type RawPage struct {
	Query     flight.SearchQuery
	Body      []byte
	Status    int
	Phase     parse.Phase
	Bytes     int64
	FetchedAt time.Time
}

// Adapter is the site-facing contract the orchestrator drives.
type Adapter interface {
	Search(ctx context.Context, q flight.SearchQuery) ([]RawPage, error)
	ParseList(pages []RawPage) ([]flight.Flight, parse.Diagnostics)
	Close() error
}

// Env bundles the shared machinery every adapter borrows.
type Env struct {
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Logger   *logger.Logger
}

type base struct {
	site     *config.SiteConfig
	env      Env
	strategy parse.Strategy
}

func (b *base) Close() error { return nil }

// SiteID returns the adapter's site id.
func (b *base) SiteID() string { return b.site.SiteID }

// ParseList runs the site's parse strategy over every fetched page and
// merges the results, later extraction winning on duplicate identities.
func (b *base) ParseList(pages []RawPage) ([]flight.Flight, parse.Diagnostics) {
	var all []flight.Flight
	var merged parse.Diagnostics
	for _, p := range pages {
		pc := parse.Context{
			Phase:         p.Phase,
			Origin:        p.Query.Origin,
			Destination:   p.Query.Destination,
			DepartureDate: p.Query.DepartureDate,
			CabinClass:    p.Query.CabinClass,
		}
		flights, d := b.strategy.ParseList(p.Body, pc)
		all = append(all, flights...)
		merged.Rows += d.Rows
		merged.ZeroPrice += d.ZeroPrice
		merged.Dropped = append(merged.Dropped, d.Dropped...)
		merged.Warnings = append(merged.Warnings, d.Warnings...)
	}
	all = flight.Dedup(all)
	merged.Parsed = len(all)
	return all, merged
}

// fetch performs one gated request: token acquisition, the request itself,
// status and anti-bot classification, and limiter outcome reporting.
func (b *base) fetch(ctx context.Context, q flight.SearchQuery, do func(ctx context.Context) (*http.Response, error)) (RawPage, error) {
	host := b.site.Host()
	rlCfg := b.site.RateLimitConfig()

	if err := b.env.Limiter.Acquire(ctx, host, rlCfg); err != nil {
		return RawPage{}, errs.Wrap(errs.KindCancelled, b.site.SiteID, err).WithHost(host)
	}

	resp, err := do(ctx)
	if err != nil {
		b.env.Limiter.ReportFailure(host, rlCfg)
		return RawPage{}, errs.Wrap(retry.Classify(err), b.site.SiteID, err).WithHost(host)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		b.env.Limiter.ReportFailure(host, rlCfg)
		return RawPage{}, errs.Wrap(errs.KindNetwork, b.site.SiteID, err).WithHost(host)
	}

	page := RawPage{
		Query:     q,
		Body:      body,
		Status:    resp.StatusCode,
		Phase:     parse.PhaseSearchResults,
		Bytes:     int64(len(body)),
		FetchedAt: time.Now().UTC(),
	}

	if kind := retry.ClassifyStatus(resp.StatusCode); kind != "" {
		b.env.Limiter.ReportFailure(host, rlCfg)
		page.Phase = parse.PhaseErrorPage
		return page, errs.New(kind, b.site.SiteID, fmt.Sprintf("status %d from %s", resp.StatusCode, host)).WithHost(host)
	}
	if kind, marker, blocked := parse.DetectBlock(body); blocked {
		b.env.Limiter.ReportFailure(host, rlCfg)
		page.Phase = parse.PhaseErrorPage
		return page, errs.New(kind, b.site.SiteID, "blocked: "+marker).WithHost(host)
	}

	b.env.Limiter.ReportSuccess(host, rlCfg)
	return page, nil
}

// formatDate renders a departure date the way the site expects it: Jalali
// for Persian-calendar sites, ISO otherwise.
func (b *base) formatDate(t time.Time) string {
	if b.site.Persian != nil && b.site.Persian.JalaliCalendar {
		jd := normalize.FromGregorian(t)
		return fmt.Sprintf("%04d/%02d/%02d", jd.Year, jd.Month, jd.Day)
	}
	return t.Format("2006-01-02")
}
