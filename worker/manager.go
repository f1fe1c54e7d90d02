package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/pkg/buildinfo"
	"github.com/parvazhub/parvaz-crawler/pkg/cache"
	"github.com/parvazhub/parvaz-crawler/pkg/logger"
	"github.com/parvazhub/parvaz-crawler/pkg/worker_registry"
	"github.com/parvazhub/parvaz-crawler/queue"
	"github.com/parvazhub/parvaz-crawler/store"
)

// cancelPollInterval is how often a busy worker re-checks the job's cancel
// flag while a crawl is running.
const cancelPollInterval = 2 * time.Second

// Manager runs a pool of queue consumers. Each consumer dequeues crawl jobs,
// runs them through the orchestrator, persists the validated flights, and
// acks or nacks the job. One manager per process; leadership election decides
// which process also runs the scheduler.
type Manager struct {
	cfg      config.WorkerConfig
	queue    queue.Queue
	orch     *Orchestrator
	flights  store.FlightStore
	cache    *cache.Manager
	registry *worker_registry.Registry
	elector  *LeaderElector
	sched    *Scheduler
	log      *logger.Logger

	workerID      string
	startedAt     time.Time
	processed     atomic.Int64
	flightsStored atomic.Int64
	currentJobs   sync.Map

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// ManagerDeps carries the optional collaborators. Flights, Cache, Schedules,
// and RedisClient may each be nil; the manager degrades to crawl-and-ack.
type ManagerDeps struct {
	Queue       queue.Queue
	Orch        *Orchestrator
	Flights     store.FlightStore
	Cache       *cache.Manager
	Schedules   store.ScheduleStore
	RedisClient *redis.Client
}

// NewManager wires a manager. The scheduler and leader elector are created
// only when both a schedule store and a Redis client are available.
func NewManager(cfg config.WorkerConfig, deps ManagerDeps, log *logger.Logger) *Manager {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	m := &Manager{
		cfg:      cfg,
		queue:    deps.Queue,
		orch:     deps.Orch,
		flights:  deps.Flights,
		cache:    deps.Cache,
		log:      log.WithField("worker_id", workerID),
		workerID: workerID,
		stopChan: make(chan struct{}),
	}

	if deps.RedisClient != nil {
		m.registry = worker_registry.New(deps.RedisClient, "crawl")
	}
	if deps.Schedules != nil && deps.RedisClient != nil {
		m.sched = NewScheduler(deps.Queue, deps.Schedules, log)
		m.elector = NewLeaderElector(
			deps.RedisClient,
			cfg.SchedulerLockKey,
			cfg.SchedulerLockTTL,
			cfg.SchedulerLockRenew,
			log,
			m.onBecomeLeader,
			m.onLoseLeader,
		)
	}
	return m
}

// WorkerID returns this manager's registry identity.
func (m *Manager) WorkerID() string { return m.workerID }

// Start launches the consumer pool, the heartbeat loop, and when configured
// the leader election.
func (m *Manager) Start() {
	m.startedAt = time.Now().UTC()
	m.log.Info("starting worker pool", "concurrency", m.cfg.Concurrency)

	for i := 0; i < m.cfg.Concurrency; i++ {
		m.wg.Add(1)
		go m.runWorker(i)
	}

	if m.registry != nil && m.cfg.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop()
	}

	if m.elector != nil {
		m.elector.Start()
	}
}

// Stop drains the pool. Workers finish their current job within the shutdown
// timeout; the scheduler and election stop first so no new scheduled jobs
// land while draining.
func (m *Manager) Stop() {
	m.log.Info("stopping worker pool")

	if m.elector != nil {
		m.elector.Stop()
	}
	if m.sched != nil {
		m.sched.Stop()
	}

	close(m.stopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("all workers stopped")
	case <-time.After(m.cfg.ShutdownTimeout):
		m.log.Warn("worker shutdown timed out", "timeout", m.cfg.ShutdownTimeout.String())
	}

	if m.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.registry.Deregister(ctx, m.workerID); err != nil {
			m.log.Warn("failed to deregister worker", "error", err)
		}
	}
}

func (m *Manager) onBecomeLeader() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.sched.Start(ctx); err != nil {
		m.log.Error(err, "failed to start scheduler on leadership")
	}
}

func (m *Manager) onLoseLeader() {
	m.sched.Stop()
}

func (m *Manager) runWorker(id int) {
	defer m.wg.Done()
	log := m.log.WithField("consumer", id)
	log.Debug("consumer started")

	for {
		select {
		case <-m.stopChan:
			log.Debug("consumer stopping")
			return
		default:
			if err := m.processOne(id); err != nil {
				log.Error(err, "queue processing error")
			}
			// Dequeue already blocks briefly; this keeps an erroring
			// consumer from spinning.
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// processOne pulls and runs at most one job.
func (m *Manager) processOne(consumerID int) error {
	ctx := context.Background()

	job, err := m.queue.Dequeue(ctx, queue.QueueCrawl)
	if err != nil {
		return fmt.Errorf("failed to dequeue job: %w", err)
	}
	if job == nil {
		return nil
	}

	log := m.log.WithFields(map[string]interface{}{
		"job_id": job.ID, "consumer": consumerID, "attempt": job.Attempts,
	})

	if canceled, err := m.queue.IsJobCanceled(ctx, job.ID); err == nil && canceled {
		log.Info("job canceled before start, acking")
		return m.queue.Ack(ctx, queue.QueueCrawl, job.ID)
	}

	m.currentJobs.Store(consumerID, job.ID)
	defer m.currentJobs.Delete(consumerID)

	log.Info("processing crawl job",
		"origin", job.Payload.Query.Origin,
		"destination", job.Payload.Query.Destination)

	err = m.runJob(ctx, job)
	if err != nil {
		if permanentJobError(err) {
			// Retrying a bad payload wastes the attempt budget on the same
			// validation failure.
			log.Warn("dropping job with invalid payload", "error", err)
			return m.queue.Ack(ctx, queue.QueueCrawl, job.ID)
		}
		log.Error(err, "crawl job failed")
		if nackErr := m.queue.Nack(ctx, queue.QueueCrawl, job.ID); nackErr != nil {
			return fmt.Errorf("failed to nack job %s: %w", job.ID, nackErr)
		}
		return nil
	}

	if err := m.queue.Ack(ctx, queue.QueueCrawl, job.ID); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	m.processed.Add(1)
	log.Info("completed crawl job")
	return nil
}

// runJob executes one crawl under the job timeout, watching the cancel flag,
// then persists and caches the merged results.
func (m *Manager) runJob(ctx context.Context, job *queue.Job) error {
	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go m.watchCancellation(jobCtx, cancel, job.ID, watchDone)

	result, err := m.orch.Crawl(jobCtx, job.Payload.Query, job.Payload.SiteIDs)
	if err != nil {
		return err
	}

	switch result.Status {
	case StatusCancelled:
		// Cancellation is terminal, not retryable.
		m.log.Info("crawl cancelled", "job_id", job.ID)
		return nil
	case StatusFailed:
		return errs.New(errs.KindInternal, "", fmt.Sprintf("all sites failed for job %s", job.ID))
	}

	return m.persistResults(job, result)
}

// watchCancellation polls the cancel flag and cancels the crawl context when
// it appears. The flag lives outside the job record so it survives requeues.
func (m *Manager) watchCancellation(ctx context.Context, cancel context.CancelFunc, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			canceled, err := m.queue.IsJobCanceled(ctx, jobID)
			if err == nil && canceled {
				m.log.Info("cancel flag set, stopping crawl", "job_id", jobID)
				cancel()
				return
			}
		}
	}
}

// persistResults stores the merged flights and refreshes the route cache.
// Runs on a fresh context so a crawl that used its whole budget can still
// persist what it found.
func (m *Manager) persistResults(job *queue.Job, result *CrawlResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if m.flights != nil && len(result.Flights) > 0 {
		written, err := m.flights.UpsertBatch(ctx, result.Flights)
		if err != nil {
			return fmt.Errorf("failed to persist crawl results: %w", err)
		}
		m.flightsStored.Add(int64(written))
		m.log.Info("persisted crawl results",
			"job_id", job.ID, "flights", len(result.Flights), "written", written)
	}

	if m.cache != nil && len(result.Flights) > 0 {
		q := job.Payload.Query
		key := cache.SearchResultsKey(
			q.Origin, q.Destination,
			q.DepartureDate.Format("2006-01-02"), q.CabinClass,
		)
		if err := m.cache.SetJSON(ctx, key, result.Flights, cache.SearchTTL); err != nil {
			// Cache is best effort; the store already has the data.
			m.log.Warn("failed to cache crawl results", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// permanentJobError reports whether retrying the job can never succeed.
func permanentJobError(err error) bool {
	return errs.IsKind(err, errs.KindValidation) || errs.IsKind(err, errs.KindConfig)
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	hostname, _ := os.Hostname()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	publish := func(status string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		hb := worker_registry.Heartbeat{
			ID:             m.workerID,
			Hostname:       hostname,
			Status:         status,
			CurrentJob:     m.currentJobList(),
			ProcessedJobs:  int(m.processed.Load()),
			FlightsStored:  int(m.flightsStored.Load()),
			Concurrency:    m.cfg.Concurrency,
			SchedulerOwner: m.elector != nil && m.elector.IsLeader(),
			StartedAt:      m.startedAt,
			Version:        buildinfo.Version,
		}
		if err := m.registry.Publish(ctx, hb, m.cfg.HeartbeatInterval*3); err != nil {
			m.log.Warn("failed to publish heartbeat", "error", err)
		}
	}

	publish("active")
	for {
		select {
		case <-m.stopChan:
			publish("stopping")
			return
		case <-ticker.C:
			publish("active")
		}
	}
}

// currentJobList joins the job IDs the consumers are working on right now.
func (m *Manager) currentJobList() string {
	var ids []string
	m.currentJobs.Range(func(_, v any) bool {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
		return true
	})
	return strings.Join(ids, ",")
}
