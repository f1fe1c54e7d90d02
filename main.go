// Command parvaz-crawler runs flight crawls against Iranian and regional
// booking sites, either one-off from the command line or as a queue-driven
// worker fleet.
//
// Usage:
//
//	parvaz-crawler crawl --origin THR --destination MHD --date 2026-09-10
//	parvaz-crawler validate-configs [--dir configs/sites]
//	parvaz-crawler probe [--site mahan_air]
//	parvaz-crawler worker
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parvazhub/parvaz-crawler/breaker"
	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/events"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/pkg/buildinfo"
	"github.com/parvazhub/parvaz-crawler/pkg/cache"
	"github.com/parvazhub/parvaz-crawler/pkg/health"
	"github.com/parvazhub/parvaz-crawler/pkg/logger"
	"github.com/parvazhub/parvaz-crawler/queue"
	"github.com/parvazhub/parvaz-crawler/ratelimit"
	"github.com/parvazhub/parvaz-crawler/session"
	"github.com/parvazhub/parvaz-crawler/store"
	"github.com/parvazhub/parvaz-crawler/worker"
)

// Exit codes reported to the shell.
const (
	exitOK        = 0
	exitConfig    = 2
	exitPartial   = 3
	exitAllFailed = 4
	exitCancelled = 130
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	log := logger.New(logger.Config{
		Level:  cfg.LoggingConfig.Level,
		Format: cfg.LoggingConfig.Format,
	})

	var code int
	switch os.Args[1] {
	case "crawl":
		code = runCrawl(cfg, log, os.Args[2:])
	case "validate-configs":
		code = runValidateConfigs(cfg, os.Args[2:])
	case "probe":
		code = runProbe(cfg, log, os.Args[2:])
	case "worker":
		code = runWorker(cfg, log)
	case "version":
		fmt.Printf("parvaz-crawler %s (%s, %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		code = exitConfig
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprint(os.Stderr, `parvaz-crawler - multi-site flight data crawler

Commands:
  crawl             run one crawl and print the result
  validate-configs  load and validate every site config
  probe             check backing services, or one site with --site
  worker            consume crawl jobs from the queue
  version           print build information
`)
}

func runCrawl(cfg *config.Config, log *logger.Logger, args []string) int {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	origin := fs.String("origin", "", "origin IATA code")
	destination := fs.String("destination", "", "destination IATA code")
	date := fs.String("date", "", "departure date (YYYY-MM-DD)")
	returnDate := fs.String("return", "", "return date for round trips (YYYY-MM-DD)")
	sites := fs.String("sites", "", "comma-separated site ids (default: all enabled)")
	dateRange := fs.Int("date-range", 0, "also crawl +/- N days around the date")
	adults := fs.Int("adults", 1, "number of adult passengers")
	cabin := fs.String("cabin", "economy", "cabin class")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	_ = fs.Parse(args)

	dep, err := time.Parse("2006-01-02", *date)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --date: %v\n", err)
		return exitConfig
	}
	q := flight.SearchQuery{
		Origin:        strings.ToUpper(*origin),
		Destination:   strings.ToUpper(*destination),
		DepartureDate: dep,
		DateRangeDays: *dateRange,
		Adults:        *adults,
		CabinClass:    *cabin,
		TripType:      flight.OneWay,
	}
	if *returnDate != "" {
		ret, err := time.Parse("2006-01-02", *returnDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --return: %v\n", err)
			return exitConfig
		}
		q.ReturnDate = ret
		q.TripType = flight.RoundTrip
	}

	registry, err := config.LoadSites(cfg.SitesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load site configs: %v\n", err)
		return exitConfig
	}

	sessions := session.NewManager(cfg.SessionConfig)
	defer sessions.Shutdown()
	orch := worker.NewOrchestrator(cfg.CrawlerConfig, registry, sessions, nil, log)
	orch.Factory().Seal()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var siteIDs []string
	if *sites != "" {
		siteIDs = strings.Split(*sites, ",")
	}
	result, err := orch.Crawl(ctx, q, siteIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawl failed: %v\n", err)
		return exitConfig
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printResult(result)
	}

	switch result.Status {
	case worker.StatusComplete:
		return exitOK
	case worker.StatusPartial:
		return exitPartial
	case worker.StatusCancelled:
		return exitCancelled
	default:
		return exitAllFailed
	}
}

func printResult(r *worker.CrawlResult) {
	fmt.Printf("job %s: %s, %d flights from %d sites in %s\n",
		r.JobID, r.Status, len(r.Flights), len(r.Sites),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, s := range r.Sites {
		line := fmt.Sprintf("  %-24s %-8s %3d flights  %s",
			s.SiteID, s.Status, s.Flights, s.Latency.Round(time.Millisecond))
		if s.Message != "" {
			line += "  (" + s.Message + ")"
		}
		fmt.Println(line)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, f := range r.Flights {
		fmt.Printf("  %s %s %s->%s %s  %d %s  [%s]\n",
			f.AirlineCode, f.FlightNumber, f.Origin, f.Destination,
			f.DepartureTime.Format("2006-01-02 15:04"), f.Price, f.Currency, f.SiteID)
	}
}

func runValidateConfigs(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("validate-configs", flag.ExitOnError)
	dir := fs.String("dir", cfg.SitesDir, "site config directory")
	_ = fs.Parse(args)

	registry, err := config.LoadSites(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid site configs: %v\n", err)
		return exitConfig
	}

	all := registry.All()
	for _, sc := range all {
		state := "enabled"
		if !sc.IsEnabled() {
			state = "disabled"
		}
		fmt.Printf("  %-24s %-28s %-10s %s\n", sc.SiteID, sc.Host(), sc.CrawlerType, state)
	}
	fmt.Printf("%d site configs valid (%d enabled)\n", len(all), len(registry.Enabled()))
	return exitOK
}

func runProbe(cfg *config.Config, log *logger.Logger, args []string) int {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	site := fs.String("site", "", "probe one site end to end")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *site != "" {
		return probeSite(ctx, cfg, log, *site)
	}
	return probeServices(ctx, cfg)
}

// probeSite exercises the full per-request path against one site: rate
// limiter token, breaker decision, then a trivial GET.
func probeSite(ctx context.Context, cfg *config.Config, log *logger.Logger, siteID string) int {
	registry, err := config.LoadSites(cfg.SitesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load site configs: %v\n", err)
		return exitConfig
	}
	sc, ok := registry.Get(siteID)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown site %q\n", siteID)
		return exitConfig
	}

	limiter := ratelimit.New()
	brk := breaker.New()
	sessions := session.NewManager(cfg.SessionConfig)
	defer sessions.Shutdown()

	start := time.Now()
	if err := limiter.Acquire(ctx, sc.Host(), sc.RateLimitConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "rate limiter: %v\n", err)
		return exitAllFailed
	}
	tokenAt := time.Now()

	decision := brk.CheckAndEnter(sc.Host(), sc.BreakerConfig())
	fmt.Printf("site %s (%s)\n", sc.SiteID, sc.Host())
	fmt.Printf("  rate limiter token: %s\n", tokenAt.Sub(start).Round(time.Microsecond))
	fmt.Printf("  breaker decision:   %v\n", decision)
	if decision == breaker.Reject {
		return exitAllFailed
	}

	var status int
	var fetched time.Duration
	err = sessions.WithHTTP(ctx, sc, func(s *session.HTTPSession) error {
		reqStart := time.Now()
		resp, err := s.Get(ctx, sc.SearchURL, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
		fetched = time.Since(reqStart)
		return nil
	})
	if err != nil {
		brk.ReportFailure(sc.Host(), sc.BreakerConfig())
		fmt.Fprintf(os.Stderr, "  request failed: %v\n", err)
		return exitAllFailed
	}
	brk.ReportSuccess(sc.Host(), sc.BreakerConfig())
	limiter.ReportSuccess(sc.Host(), sc.RateLimitConfig())

	fmt.Printf("  request:            HTTP %d in %s\n", status, fetched.Round(time.Millisecond))
	if status >= http.StatusBadRequest {
		return exitAllFailed
	}
	return exitOK
}

// probeServices reports on every backing service the worker needs.
func probeServices(ctx context.Context, cfg *config.Config) int {
	checker := health.NewHealthChecker(buildinfo.Version)

	registry, err := config.LoadSites(cfg.SitesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load site configs: %v\n", err)
		return exitConfig
	}
	checker.AddChecker(&health.SitesChecker{Registry: registry, Name: "sites"})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisConfig.Host, cfg.RedisConfig.Port),
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	defer redisClient.Close()
	checker.AddChecker(&health.RedisChecker{Client: redisClient, Name: "redis"})
	checker.AddChecker(&health.QueueChecker{
		Queue: queue.NewRedisQueueWithClient(redisClient, cfg.RedisConfig),
		Name:  "queue",
	})

	if pg, err := store.NewPostgres(ctx, cfg.PostgresConfig); err == nil {
		defer pg.Close()
		checker.AddChecker(&health.PostgresChecker{DB: pg, Name: "postgres"})
	} else {
		fmt.Fprintf(os.Stderr, "postgres unreachable: %v\n", err)
	}

	report := checker.CheckHealth(ctx)
	for name, check := range report.Checks {
		fmt.Printf("  %-10s %-5s %s\n", name, check.Status, check.Message)
	}
	if report.Status != health.StatusUp {
		return exitAllFailed
	}
	return exitOK
}

func runWorker(cfg *config.Config, log *logger.Logger) int {
	registry, err := config.LoadSites(cfg.SitesDir)
	if err != nil {
		log.Error(err, "failed to load site configs")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.PostgresConfig)
	if err != nil {
		log.Error(err, "failed to connect to PostgreSQL")
		return exitConfig
	}
	defer pg.Close()
	if cfg.InitSchema {
		if err := pg.InitSchema(ctx); err != nil {
			log.Error(err, "failed to initialize schema")
			return exitConfig
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisConfig.Host, cfg.RedisConfig.Port),
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error(err, "failed to connect to Redis")
		return exitConfig
	}

	q := queue.NewRedisQueueWithClient(redisClient, cfg.RedisConfig)
	pub := events.NewRedisPublisherWithClient(redisClient, cfg.RedisConfig.EventStream)

	sessions := session.NewManager(cfg.SessionConfig)
	defer sessions.Shutdown()
	orch := worker.NewOrchestrator(cfg.CrawlerConfig, registry, sessions, pub, log)
	orch.Factory().Seal()

	cacheMgr := cache.NewManager(cache.NewRedisCache(redisClient, "crawler"))

	manager := worker.NewManager(cfg.WorkerConfig, worker.ManagerDeps{
		Queue:       q,
		Orch:        orch,
		Flights:     pg,
		Cache:       cacheMgr,
		Schedules:   pg,
		RedisClient: redisClient,
	}, log)

	log.Info("worker starting",
		"version", buildinfo.Version,
		"environment", cfg.Environment,
		"sites", len(registry.Enabled()),
		"concurrency", cfg.WorkerConfig.Concurrency)
	manager.Start()

	<-ctx.Done()
	log.Info("shutdown signal received")
	manager.Stop()
	return exitOK
}
