// Package config loads runtime configuration from the environment and site
// configuration documents from JSON files.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the crawler process.
type Config struct {
	Environment    string
	SitesDir       string
	LoggingConfig  LoggingConfig
	RedisConfig    RedisConfig
	PostgresConfig PostgresConfig
	CrawlerConfig  CrawlerConfig
	WorkerConfig   WorkerConfig
	SessionConfig  SessionConfig
	WorkerEnabled  bool
	InitSchema     bool
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
}

// RedisConfig holds Redis connection configuration shared by the queue,
// event publisher, cache, and leader election.
type RedisConfig struct {
	Host                   string
	Port                   string
	Password               string
	DB                     int
	QueueGroup             string
	QueueStreamPrefix      string
	QueueBlockTimeout      time.Duration
	QueueVisibilityTimeout time.Duration
	EventStream            string
	EventBufferDepth       int
}

// PostgresConfig holds PostgreSQL connection configuration for the flight store.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// CrawlerConfig bounds a single crawl.
type CrawlerConfig struct {
	MaxWorkers        int
	PerRequestTimeout time.Duration
	PerSiteTimeout    time.Duration
	PerCrawlTimeout   time.Duration
	ShutdownWindow    time.Duration
}

// WorkerConfig holds the queue-consumer pool configuration.
type WorkerConfig struct {
	Concurrency        int
	JobTimeout         time.Duration
	ShutdownTimeout    time.Duration
	SchedulerLockTTL   time.Duration
	SchedulerLockRenew time.Duration
	SchedulerLockKey   string
	HeartbeatInterval  time.Duration
}

// SessionConfig bounds the HTTP and browser session pools.
type SessionConfig struct {
	UserAgent         string
	KeepAlive         time.Duration
	MaxConns          int
	MaxConnsPerHost   int
	BrowserContexts   int
	BrowserPageBudget int
	MemoryWatermarkMB int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	queueBlockTimeout, _ := time.ParseDuration(getEnv("REDIS_QUEUE_BLOCK_TIMEOUT", "5s"))
	queueVisibilityTimeout, _ := time.ParseDuration(getEnv("REDIS_QUEUE_VISIBILITY_TIMEOUT", "2m"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	eventBufferDepth, _ := strconv.Atoi(getEnv("EVENT_BUFFER_DEPTH", "256"))

	maxWorkers, _ := strconv.Atoi(getEnv("CRAWL_MAX_WORKERS", "16"))
	perRequestTimeout, _ := time.ParseDuration(getEnv("CRAWL_REQUEST_TIMEOUT", "30s"))
	perSiteTimeout, _ := time.ParseDuration(getEnv("CRAWL_SITE_TIMEOUT", "120s"))
	perCrawlTimeout, _ := time.ParseDuration(getEnv("CRAWL_TIMEOUT", "300s"))
	shutdownWindow, _ := time.ParseDuration(getEnv("CRAWL_SHUTDOWN_WINDOW", "5s"))

	concurrency, _ := strconv.Atoi(getEnv("WORKER_CONCURRENCY", "4"))
	jobTimeout, _ := time.ParseDuration(getEnv("WORKER_JOB_TIMEOUT", "10m"))
	shutdownTimeout, _ := time.ParseDuration(getEnv("WORKER_SHUTDOWN_TIMEOUT", "30s"))
	schedulerLockTTL, _ := time.ParseDuration(getEnv("SCHEDULER_LOCK_TTL", "30s"))
	schedulerLockRenew, _ := time.ParseDuration(getEnv("SCHEDULER_LOCK_RENEW", "10s"))
	heartbeatInterval, _ := time.ParseDuration(getEnv("WORKER_HEARTBEAT_INTERVAL", "15s"))

	keepAlive, _ := time.ParseDuration(getEnv("SESSION_KEEP_ALIVE", "60s"))
	maxConns, _ := strconv.Atoi(getEnv("SESSION_MAX_CONNS", "50"))
	maxConnsPerHost, _ := strconv.Atoi(getEnv("SESSION_MAX_CONNS_PER_HOST", "20"))
	browserContexts, _ := strconv.Atoi(getEnv("BROWSER_CONTEXTS", "4"))
	browserPageBudget, _ := strconv.Atoi(getEnv("BROWSER_PAGE_BUDGET", "8"))
	memoryWatermarkMB, _ := strconv.Atoi(getEnv("MEMORY_WATERMARK_MB", "2048"))

	workerEnabled, _ := strconv.ParseBool(getEnv("WORKER_ENABLED", "true"))
	initSchema, _ := strconv.ParseBool(getEnv("INIT_SCHEMA", "true"))

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		SitesDir:    getEnv("SITES_DIR", "configs/sites"),
		LoggingConfig: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RedisConfig: RedisConfig{
			Host:                   getEnv("REDIS_HOST", "redis"),
			Port:                   getEnv("REDIS_PORT", "6379"),
			Password:               getEnv("REDIS_PASSWORD", ""),
			DB:                     redisDB,
			QueueGroup:             getEnv("REDIS_QUEUE_GROUP", "crawl_workers"),
			QueueStreamPrefix:      getEnv("REDIS_QUEUE_STREAM_PREFIX", "crawl"),
			QueueBlockTimeout:      queueBlockTimeout,
			QueueVisibilityTimeout: queueVisibilityTimeout,
			EventStream:            getEnv("REDIS_EVENT_STREAM", "crawl:events"),
			EventBufferDepth:       eventBufferDepth,
		},
		PostgresConfig: PostgresConfig{
			Host:     getEnv("DB_HOST", "postgres"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "crawler"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "flights"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		CrawlerConfig: CrawlerConfig{
			MaxWorkers:        maxWorkers,
			PerRequestTimeout: perRequestTimeout,
			PerSiteTimeout:    perSiteTimeout,
			PerCrawlTimeout:   perCrawlTimeout,
			ShutdownWindow:    shutdownWindow,
		},
		WorkerConfig: WorkerConfig{
			Concurrency:        concurrency,
			JobTimeout:         jobTimeout,
			ShutdownTimeout:    shutdownTimeout,
			SchedulerLockTTL:   schedulerLockTTL,
			SchedulerLockRenew: schedulerLockRenew,
			SchedulerLockKey:   getEnv("SCHEDULER_LOCK_KEY", "scheduler:leader"),
			HeartbeatInterval:  heartbeatInterval,
		},
		SessionConfig: SessionConfig{
			UserAgent:         getEnv("CRAWL_USER_AGENT", "parvaz-crawler/1.0"),
			KeepAlive:         keepAlive,
			MaxConns:          maxConns,
			MaxConnsPerHost:   maxConnsPerHost,
			BrowserContexts:   browserContexts,
			BrowserPageBudget: browserPageBudget,
			MemoryWatermarkMB: memoryWatermarkMB,
		},
		WorkerEnabled: workerEnabled,
		InitSchema:    initSchema,
	}, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}
