// Package health runs connectivity probes against the crawler's backing
// services and folds them into one report.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/queue"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Check represents a single health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// Report represents the overall health of the process
type Report struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Pinger is anything with a Ping, which covers the pgx pool wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresChecker checks PostgreSQL connectivity
type PostgresChecker struct {
	DB   Pinger
	Name string
}

func (c *PostgresChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{
		Name:      c.Name,
		Timestamp: start,
		Details:   make(map[string]string),
	}

	err := c.DB.Ping(ctx)
	duration := time.Since(start)
	check.Duration = duration

	if err != nil {
		check.Status = StatusDown
		check.Message = fmt.Sprintf("Database connection failed: %v", err)
		check.Details["error"] = err.Error()
	} else {
		check.Status = StatusUp
		check.Message = "Database connection successful"
		check.Details["response_time"] = duration.String()
	}

	return check
}

// RedisChecker checks Redis connectivity
type RedisChecker struct {
	Client *redis.Client
	Name   string
}

func (c *RedisChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{
		Name:      c.Name,
		Timestamp: start,
		Details:   make(map[string]string),
	}

	pong, err := c.Client.Ping(ctx).Result()
	duration := time.Since(start)
	check.Duration = duration

	if err != nil {
		check.Status = StatusDown
		check.Message = fmt.Sprintf("Redis connection failed: %v", err)
		check.Details["error"] = err.Error()
	} else {
		check.Status = StatusUp
		check.Message = "Redis connection successful"
		check.Details["response_time"] = duration.String()
		check.Details["ping_response"] = pong
	}

	return check
}

// QueueChecker checks crawl queue connectivity and backlog
type QueueChecker struct {
	Queue queue.Queue
	Name  string
}

func (c *QueueChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{
		Name:      c.Name,
		Timestamp: start,
		Details:   make(map[string]string),
	}

	stats, err := c.Queue.GetQueueStats(ctx, queue.QueueCrawl)
	duration := time.Since(start)
	check.Duration = duration

	if err != nil {
		check.Status = StatusDown
		check.Message = fmt.Sprintf("Queue connectivity check failed: %v", err)
		check.Details["error"] = err.Error()
	} else {
		check.Status = StatusUp
		check.Message = "Queue is operational"
		check.Details["response_time"] = duration.String()
		if pending, ok := stats[queue.StatusPending]; ok {
			check.Details["pending_jobs"] = fmt.Sprintf("%d", pending)
		}
		if processing, ok := stats[queue.StatusProcessing]; ok {
			check.Details["processing_jobs"] = fmt.Sprintf("%d", processing)
		}
	}

	return check
}

// SitesChecker verifies the site registry loaded and has crawlable targets
type SitesChecker struct {
	Registry *config.SiteRegistry
	Name     string
}

func (c *SitesChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{
		Name:      c.Name,
		Timestamp: start,
		Details:   make(map[string]string),
	}
	check.Duration = time.Since(start)

	total := len(c.Registry.All())
	enabled := len(c.Registry.Enabled())
	check.Details["sites_total"] = fmt.Sprintf("%d", total)
	check.Details["sites_enabled"] = fmt.Sprintf("%d", enabled)

	if enabled == 0 {
		check.Status = StatusDown
		check.Message = "No enabled sites in registry"
	} else {
		check.Status = StatusUp
		check.Message = fmt.Sprintf("%d of %d sites enabled", enabled, total)
	}

	return check
}

// HealthChecker orchestrates multiple health checks
type HealthChecker struct {
	checkers  []Checker
	version   string
	startTime time.Time
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checkers:  make([]Checker, 0),
		version:   version,
		startTime: time.Now(),
	}
}

// AddChecker adds a health checker
func (h *HealthChecker) AddChecker(checker Checker) {
	h.checkers = append(h.checkers, checker)
}

// CheckHealth performs all health checks
func (h *HealthChecker) CheckHealth(ctx context.Context) Report {
	checks := make(map[string]Check)
	overallStatus := StatusUp

	for _, checker := range h.checkers {
		check := checker.Check(ctx)
		checks[check.Name] = check

		if check.Status == StatusDown {
			overallStatus = StatusDown
		}
	}

	return Report{
		Status:    overallStatus,
		Version:   h.version,
		Timestamp: time.Now(),
		Checks:    checks,
		Uptime:    time.Since(h.startTime),
	}
}

// CheckReadiness performs readiness checks: only the stores a worker cannot
// run without.
func (h *HealthChecker) CheckReadiness(ctx context.Context) Report {
	readinessCheckers := make([]Checker, 0)
	for _, checker := range h.checkers {
		switch checker.(type) {
		case *PostgresChecker, *RedisChecker:
			readinessCheckers = append(readinessCheckers, checker)
		}
	}

	checks := make(map[string]Check)
	overallStatus := StatusUp

	for _, checker := range readinessCheckers {
		check := checker.Check(ctx)
		checks[check.Name] = check

		if check.Status == StatusDown {
			overallStatus = StatusDown
		}
	}

	return Report{
		Status:    overallStatus,
		Version:   h.version,
		Timestamp: time.Now(),
		Checks:    checks,
		Uptime:    time.Since(h.startTime),
	}
}

// CheckLiveness performs liveness checks (basic application health)
func (h *HealthChecker) CheckLiveness(ctx context.Context) Report {
	return Report{
		Status:    StatusUp,
		Version:   h.version,
		Timestamp: time.Now(),
		Checks: map[string]Check{
			"application": {
				Name:      "application",
				Status:    StatusUp,
				Message:   "Application is running",
				Timestamp: time.Now(),
				Duration:  0,
			},
		},
		Uptime: time.Since(h.startTime),
	}
}
