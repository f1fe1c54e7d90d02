package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/pkg/logger"
	"github.com/parvazhub/parvaz-crawler/queue"
	"github.com/parvazhub/parvaz-crawler/store"
)

// Scheduler turns the crawl_schedules rows into recurring queue jobs. It is
// started only on the elected leader so a schedule fires once per tick across
// the fleet.
type Scheduler struct {
	queue     queue.Queue
	schedules store.ScheduleStore
	cron      *cron.Cron
	log       *logger.Logger
	now       func() time.Time

	mutex sync.Mutex
	jobs  map[int]cron.EntryID
}

// NewScheduler creates a scheduler over the given schedule store and queue.
func NewScheduler(q queue.Queue, schedules store.ScheduleStore, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:     q,
		schedules: schedules,
		cron:      cron.New(),
		log:       log.WithField("component", "scheduler"),
		now:       time.Now,
		jobs:      make(map[int]cron.EntryID),
	}
}

// Start loads every enabled schedule and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	rows, err := s.schedules.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load crawl schedules: %w", err)
	}

	for _, sched := range rows {
		if err := s.scheduleJob(sched.ID, sched.CronExpression); err != nil {
			s.log.Warn("failed to schedule crawl",
				"schedule_id", sched.ID, "name", sched.Name, "error", err)
			continue
		}
		s.log.Info("scheduled crawl",
			"schedule_id", sched.ID, "name", sched.Name, "cron", sched.CronExpression)
	}

	s.cron.Start()
	s.log.Info("scheduler started", "schedules", len(s.jobs))
	return nil
}

// Stop halts the cron loop and waits for in-flight fires to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) scheduleJob(scheduleID int, cronExpr string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entryID, exists := s.jobs[scheduleID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, scheduleID)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.executeSchedule(scheduleID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron entry: %w", err)
	}

	s.jobs[scheduleID] = entryID
	return nil
}

// executeSchedule fires one schedule: re-read it, stamp last_run, and enqueue
// a crawl job. The schedule is re-read on every fire so edits take effect
// without a restart.
func (s *Scheduler) executeSchedule(scheduleID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := s.log.WithField("schedule_id", scheduleID)

	rows, err := s.schedules.ListEnabledSchedules(ctx)
	if err != nil {
		log.Error(err, "failed to read schedule at fire time")
		return
	}
	var sched *store.Schedule
	for i := range rows {
		if rows[i].ID == scheduleID {
			sched = &rows[i]
			break
		}
	}
	if sched == nil {
		// Disabled or deleted since loading; drop the entry.
		log.Info("schedule no longer enabled, removing")
		s.RemoveJob(scheduleID)
		return
	}

	if err := s.schedules.MarkScheduleRun(ctx, scheduleID); err != nil {
		log.Error(err, "failed to mark schedule run")
	}

	payload := queue.CrawlPayload{
		Query: flight.SearchQuery{
			Origin:        sched.Origin,
			Destination:   sched.Destination,
			DepartureDate: nextTravelDate(s.now()),
			DateRangeDays: sched.DateRangeDays,
			Adults:        1,
			CabinClass:    sched.CabinClass,
			TripType:      flight.OneWay,
		},
		SiteIDs: sched.SiteIDs,
	}

	jobID, err := s.queue.Enqueue(ctx, queue.QueueCrawl, payload)
	if err != nil {
		log.Error(err, "failed to enqueue scheduled crawl")
		return
	}
	log.Info("enqueued scheduled crawl",
		"job_id", jobID, "origin", sched.Origin, "destination", sched.Destination)
}

// nextTravelDate anchors a recurring crawl on tomorrow, so the date range
// expansion never lands entirely in the past.
func nextTravelDate(now time.Time) time.Time {
	t := now.UTC().AddDate(0, 0, 1)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddJob registers or replaces a schedule's cron entry.
func (s *Scheduler) AddJob(scheduleID int, cronExpr string) error {
	return s.scheduleJob(scheduleID, cronExpr)
}

// RemoveJob drops a schedule's cron entry.
func (s *Scheduler) RemoveJob(scheduleID int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entryID, exists := s.jobs[scheduleID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, scheduleID)
		s.log.Info("removed schedule", "schedule_id", scheduleID)
	}
}

// UpdateJob re-registers a schedule after its cron expression changed.
func (s *Scheduler) UpdateJob(scheduleID int, cronExpr string) error {
	return s.scheduleJob(scheduleID, cronExpr)
}
