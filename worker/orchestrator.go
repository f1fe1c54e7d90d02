// Package worker runs crawls: the Orchestrator fans a search query out over
// site adapters with bounded concurrency, and the Manager consumes queued
// crawl jobs so crawls can run across processes.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parvazhub/parvaz-crawler/adapters"
	"github.com/parvazhub/parvaz-crawler/breaker"
	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/events"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/iata"
	"github.com/parvazhub/parvaz-crawler/pkg/logger"
	"github.com/parvazhub/parvaz-crawler/ratelimit"
	"github.com/parvazhub/parvaz-crawler/retry"
	"github.com/parvazhub/parvaz-crawler/session"
)

// CrawlStatus is the terminal status of one crawl job.
type CrawlStatus string

const (
	StatusComplete  CrawlStatus = "complete"
	StatusPartial   CrawlStatus = "partial"
	StatusFailed    CrawlStatus = "failed"
	StatusCancelled CrawlStatus = "cancelled"
)

// SiteStatus is the per-site outcome within a crawl.
type SiteStatus string

const (
	SiteOK      SiteStatus = "ok"
	SiteFail    SiteStatus = "failed"
	SiteSkipped SiteStatus = "skipped"
)

// SiteResult is one site's contribution to a crawl.
type SiteResult struct {
	SiteID   string        `json:"site_id"`
	Status   SiteStatus    `json:"status"`
	Flights  int           `json:"flights"`
	Rejected int           `json:"rejected"`
	Dropped  int           `json:"dropped"`
	Latency  time.Duration `json:"latency"`
	Kind     errs.Kind     `json:"kind,omitempty"`
	Message  string        `json:"message,omitempty"`

	records []flight.Flight
}

// CrawlResult is the fanned-in outcome of one crawl job.
type CrawlResult struct {
	JobID      string          `json:"job_id"`
	Status     CrawlStatus     `json:"status"`
	Flights    []flight.Flight `json:"flights"`
	Sites      []SiteResult    `json:"sites"`
	Warnings   []string        `json:"warnings,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Totals folds the per-site outcomes into event totals.
func (r *CrawlResult) Totals() events.Totals {
	t := events.Totals{Flights: len(r.Flights)}
	for _, s := range r.Sites {
		switch s.Status {
		case SiteOK:
			t.SitesOK++
		case SiteFail:
			t.SitesFailed++
		case SiteSkipped:
			t.SitesSkipped++
		}
	}
	return t
}

// Orchestrator owns the shared crawl machinery and runs crawl jobs.
type Orchestrator struct {
	cfg      config.CrawlerConfig
	registry *config.SiteRegistry
	factory  *adapters.Factory
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	sessions *session.Manager
	pub      events.Publisher
	log      *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	hostGates map[string]chan struct{}
}

// NewOrchestrator wires an orchestrator. A nil publisher discards events.
func NewOrchestrator(
	cfg config.CrawlerConfig,
	registry *config.SiteRegistry,
	sessions *session.Manager,
	pub events.Publisher,
	log *logger.Logger,
) *Orchestrator {
	if pub == nil {
		pub = events.Discard{}
	}
	limiter := ratelimit.New()
	brk := breaker.New()
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		limiter:   limiter,
		breaker:   brk,
		sessions:  sessions,
		pub:       pub,
		log:       log,
		now:       time.Now,
		hostGates: map[string]chan struct{}{},
	}
	o.factory = adapters.NewFactory(adapters.Env{
		Sessions: sessions,
		Limiter:  limiter,
		Breaker:  brk,
		Logger:   log,
	})
	return o
}

// Factory exposes the adapter factory so startup wiring can register custom
// kinds before sealing it.
func (o *Orchestrator) Factory() *adapters.Factory { return o.factory }

// Crawl validates the query, fans it out over the resolved site set, and
// fans the validated records back in. It always returns a result; the error
// return is reserved for an invalid query.
func (o *Orchestrator) Crawl(ctx context.Context, q flight.SearchQuery, siteIDs []string) (*CrawlResult, error) {
	now := o.now()
	if err := q.Validate(now); err != nil {
		return nil, err
	}

	// Multi-city splits into one-way legs; each leg expands over its date
	// range. Aggregation is the union of every sub-query.
	var queries []flight.SearchQuery
	for _, leg := range q.ExpandLegs() {
		queries = append(queries, leg.ExpandDateRange(now)...)
	}

	sites, warnings := o.resolveSites(siteIDs)
	result := &CrawlResult{
		JobID:     uuid.New().String(),
		Warnings:  warnings,
		StartedAt: now.UTC(),
	}
	log := o.log.WithField("job_id", result.JobID)
	for _, w := range warnings {
		log.Warn(w)
	}
	if len(sites) == 0 {
		result.Status = StatusFailed
		result.FinishedAt = o.now().UTC()
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PerCrawlTimeout)
	defer cancel()

	o.publish(ctx, events.JobStarted(result.JobID, len(sites)))
	log.Info("crawl started", "sites", len(sites), "queries", len(queries))

	maxWorkers := o.cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	sem := make(chan struct{}, maxWorkers)
	results := make(chan SiteResult, len(sites))
	var wg sync.WaitGroup

	for _, sc := range sites {
		wg.Add(1)
		go func(sc *config.SiteConfig) {
			defer wg.Done()
			results <- o.runSite(ctx, result.JobID, sc, queries, sem)
		}(sc)
	}

	// Wait for the workers; on cancellation give them the shutdown window,
	// then abandon them and force their sessions closed.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(o.cfg.ShutdownWindow):
			log.Warn("shutdown window expired, abandoning workers")
			o.sessions.Shutdown()
		}
	}

	for {
		select {
		case sr := <-results:
			result.Sites = append(result.Sites, sr)
			result.Flights = append(result.Flights, sr.records...)
			continue
		default:
		}
		break
	}

	result.Flights = flight.Dedup(result.Flights)
	flight.SortCanonical(result.Flights)
	result.Status = o.terminalStatus(ctx, result)
	result.FinishedAt = o.now().UTC()

	o.publish(context.WithoutCancel(ctx), events.JobCompleted(result.JobID, string(result.Status), result.Totals()))
	log.Info("crawl finished", "status", result.Status, "flights", len(result.Flights))
	return result, nil
}

func (o *Orchestrator) terminalStatus(ctx context.Context, r *CrawlResult) CrawlStatus {
	if ctx.Err() != nil {
		return StatusCancelled
	}
	var ok, bad int
	for _, s := range r.Sites {
		switch s.Status {
		case SiteOK:
			ok++
		case SiteFail:
			bad++
		}
	}
	switch {
	case bad == 0 && ok > 0:
		return StatusComplete
	case ok > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// resolveSites maps requested site ids to enabled configs. Unknown and
// disabled sites become warnings, never failures. An empty request means
// every enabled site.
func (o *Orchestrator) resolveSites(siteIDs []string) ([]*config.SiteConfig, []string) {
	if len(siteIDs) == 0 {
		return o.registry.Enabled(), nil
	}
	var sites []*config.SiteConfig
	var warnings []string
	for _, id := range siteIDs {
		sc, ok := o.registry.Get(id)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown site %q", id))
			continue
		}
		if !sc.IsEnabled() {
			warnings = append(warnings, fmt.Sprintf("site %q is disabled", id))
			continue
		}
		sites = append(sites, sc)
	}
	return sites, warnings
}

// hostGate serialises workers per host; the rate limiter already serialises
// requests, this keeps whole workers from interleaving on one host.
func (o *Orchestrator) hostGate(host string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.hostGates[host]
	if !ok {
		g = make(chan struct{}, 1)
		o.hostGates[host] = g
	}
	return g
}

// runSite is one site worker: breaker gate, adapter construction, the
// retry-wrapped search per sub-query, validation, and outcome reporting.
func (o *Orchestrator) runSite(ctx context.Context, jobID string, sc *config.SiteConfig, queries []flight.SearchQuery, sem chan struct{}) SiteResult {
	res := SiteResult{SiteID: sc.SiteID}
	start := time.Now()

	if ctx.Err() != nil {
		return o.skipped(res, "crawl cancelled before start")
	}
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return o.skipped(res, "crawl cancelled before start")
	}
	gate := o.hostGate(sc.Host())
	select {
	case gate <- struct{}{}:
		defer func() { <-gate }()
	case <-ctx.Done():
		return o.skipped(res, "crawl cancelled before start")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PerSiteTimeout)
	defer cancel()

	host := sc.Host()
	bCfg := sc.BreakerConfig()
	log := o.log.WithFields(map[string]interface{}{"job_id": jobID, "site_id": sc.SiteID})

	o.publish(ctx, events.SiteStarted(jobID, sc.SiteID))

	decision := o.breaker.CheckAndEnter(host, bCfg)
	if decision == breaker.Reject {
		log.Warn("breaker open, skipping site")
		o.publish(ctx, events.SiteFailed(jobID, sc.SiteID, errs.KindBreakerOpen, "breaker open"))
		res.Status = SiteSkipped
		res.Kind = errs.KindBreakerOpen
		res.Message = "breaker open"
		return res
	}

	adapter, err := o.factory.New(sc)
	if err != nil {
		log.Error(err, "adapter construction failed")
		return o.failed(ctx, res, jobID, host, bCfg, sc, err, start)
	}
	defer adapter.Close()

	validator := o.validatorFor(sc)
	policy := sc.RetryPolicy()

	var bytesTotal int64
	for _, q := range queries {
		var pages []adapters.RawPage
		err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
			reqCtx := ctx
			if o.cfg.PerRequestTimeout > 0 {
				var cancel context.CancelFunc
				reqCtx, cancel = context.WithTimeout(ctx, o.cfg.PerRequestTimeout)
				defer cancel()
			}
			p, err := adapter.Search(reqCtx, q)
			if err != nil {
				return err
			}
			pages = p
			return nil
		}, func(a retry.Attempt) {
			o.publish(ctx, events.SiteProgress(jobID, sc.SiteID, a.Number, string(a.Kind)))
		})
		if err != nil {
			if errs.IsKind(err, errs.KindCancelled) {
				// Cancellation is not a site failure and never feeds the
				// breaker. A held probe token goes back so the host can
				// probe again after the crawl is gone.
				if decision == breaker.Probe {
					o.breaker.ReleaseProbe(host)
				}
				res.Status = SiteFail
				res.Kind = errs.KindCancelled
				res.Message = "cancelled"
				res.Flights = len(res.records)
				res.Latency = time.Since(start)
				return res
			}
			log.Error(err, "site crawl failed")
			return o.failed(ctx, res, jobID, host, bCfg, sc, err, start)
		}

		flights, diag := adapter.ParseList(pages)
		res.Dropped += len(diag.Dropped) + diag.ZeroPrice
		for _, p := range pages {
			bytesTotal += p.Bytes
		}
		validated := 0
		for i := range flights {
			if rej := validator.Validate(&flights[i]); rej != nil {
				res.Rejected++
				continue
			}
			res.records = append(res.records, flights[i])
			validated++
		}
		if validated > 0 {
			o.publish(ctx, events.FlightsFound(jobID, sc.SiteID, validated))
		}
	}

	o.breaker.ReportSuccess(host, bCfg)
	res.Status = SiteOK
	res.Flights = len(res.records)
	res.Latency = time.Since(start)
	o.publish(ctx, events.SiteCompleted(jobID, sc.SiteID, res.Flights, res.Latency, bytesTotal))
	log.Info("site crawl complete", "flights", res.Flights, "rejected", res.Rejected)
	return res
}

func (o *Orchestrator) skipped(res SiteResult, msg string) SiteResult {
	res.Status = SiteSkipped
	res.Kind = errs.KindCancelled
	res.Message = msg
	return res
}

func (o *Orchestrator) failed(ctx context.Context, res SiteResult, jobID, host string, bCfg breaker.Config, sc *config.SiteConfig, err error, start time.Time) SiteResult {
	if opened := o.breaker.ReportFailure(host, bCfg); opened {
		o.limiter.ExtendCooldown(host, sc.RateLimitConfig())
		o.log.Warn("breaker opened", "host", host, "site_id", sc.SiteID)
	}
	kind := errs.KindOf(err)
	o.publish(ctx, events.SiteFailed(jobID, sc.SiteID, kind, err.Error()))
	res.Status = SiteFail
	res.Kind = kind
	res.Message = err.Error()
	res.Latency = time.Since(start)
	return res
}

func (o *Orchestrator) validatorFor(sc *config.SiteConfig) *flight.Validator {
	return flight.NewValidator(flight.ValidatorOptions{
		PriceMin:        sc.Validation.PriceMin,
		PriceMax:        sc.Validation.PriceMax,
		CurrencyAliases: sc.Validation.CurrencyAliases,
		CheckAirport:    iata.Known,
		Now:             o.now,
	})
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.pub.Publish(ctx, e); err != nil && o.log != nil {
		o.log.Debug("event publish failed", "type", string(e.Type), "error", err)
	}
}
