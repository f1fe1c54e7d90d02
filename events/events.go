// Package events carries crawl progress out of the core: an in-memory bus
// for in-process subscribers and a Redis Streams publisher for external
// consumers. Delivery is at-least-once; subscribers dedupe on MessageID.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parvazhub/parvaz-crawler/errs"
)

// Type names one event kind.
type Type string

const (
	TypeJobStarted    Type = "job_started"
	TypeSiteStarted   Type = "site_started"
	TypeSiteProgress  Type = "site_progress"
	TypeSiteCompleted Type = "site_completed"
	TypeSiteFailed    Type = "site_failed"
	TypeFlightsFound  Type = "flights_found"
	TypeJobCompleted  Type = "job_completed"
)

// Droppable reports whether the bus may shed this event type under
// back-pressure. Lifecycle events are never dropped.
func (t Type) Droppable() bool {
	return t == TypeSiteProgress || t == TypeFlightsFound
}

// Totals summarises a finished job.
type Totals struct {
	Flights      int `json:"flights"`
	SitesOK      int `json:"sites_ok"`
	SitesFailed  int `json:"sites_failed"`
	SitesSkipped int `json:"sites_skipped"`
}

// Event is one crawl progress message. MessageID, Timestamp, and Seq are
// stamped by the publisher; Seq orders events within a job.
type Event struct {
	MessageID string    `json:"message_id"`
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	SiteID    string    `json:"site_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`

	Sites     int     `json:"sites,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Count     int     `json:"count,omitempty"`
	LatencyMS int64   `json:"latency_ms,omitempty"`
	Bytes     int64   `json:"bytes,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Message   string  `json:"message,omitempty"`
	Delta     int     `json:"delta,omitempty"`
	Status    string  `json:"status,omitempty"`
	Totals    *Totals `json:"totals,omitempty"`
}

// JobStarted announces a new crawl job over the given number of sites.
func JobStarted(jobID string, sites int) Event {
	return Event{Type: TypeJobStarted, JobID: jobID, Sites: sites}
}

// SiteStarted announces one site worker starting.
func SiteStarted(jobID, siteID string) Event {
	return Event{Type: TypeSiteStarted, JobID: jobID, SiteID: siteID}
}

// SiteProgress reports a retry attempt and its reason.
func SiteProgress(jobID, siteID string, attempt int, reason string) Event {
	return Event{Type: TypeSiteProgress, JobID: jobID, SiteID: siteID, Attempt: attempt, Reason: reason}
}

// SiteCompleted reports a site finishing with validated records.
func SiteCompleted(jobID, siteID string, count int, latency time.Duration, bytes int64) Event {
	return Event{
		Type: TypeSiteCompleted, JobID: jobID, SiteID: siteID,
		Count: count, LatencyMS: latency.Milliseconds(), Bytes: bytes,
	}
}

// SiteFailed reports a site exhausting its attempts.
func SiteFailed(jobID, siteID string, kind errs.Kind, message string) Event {
	return Event{Type: TypeSiteFailed, JobID: jobID, SiteID: siteID, Kind: string(kind), Message: message}
}

// FlightsFound reports newly validated flights from a site.
func FlightsFound(jobID, siteID string, delta int) Event {
	return Event{Type: TypeFlightsFound, JobID: jobID, SiteID: siteID, Delta: delta}
}

// JobCompleted announces the terminal status of a job.
func JobCompleted(jobID, status string, totals Totals) Event {
	return Event{Type: TypeJobCompleted, JobID: jobID, Status: status, Totals: &totals}
}

// seqTracker hands out per-job sequence numbers.
type seqTracker struct {
	mu    sync.Mutex
	byJob map[string]uint64
}

func newSeqTracker() *seqTracker {
	return &seqTracker{byJob: map[string]uint64{}}
}

func (t *seqTracker) next(jobID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byJob[jobID]++
	return t.byJob[jobID]
}

func (t *seqTracker) forget(jobID string) {
	t.mu.Lock()
	delete(t.byJob, jobID)
	t.mu.Unlock()
}

func (t *seqTracker) stamp(e *Event) {
	e.MessageID = uuid.New().String()
	e.Timestamp = time.Now().UTC()
	e.Seq = t.next(e.JobID)
	if e.Type == TypeJobCompleted {
		t.forget(e.JobID)
	}
}
