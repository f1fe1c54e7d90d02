// Package store persists validated flight records and recurring crawl
// schedules in PostgreSQL, with a Redis cache in front of the hot route
// queries.
package store

import (
	"context"
	"time"

	"github.com/parvazhub/parvaz-crawler/flight"
)

// PricePoint is one day of observed fares on a route.
type PricePoint struct {
	Day      time.Time `json:"day"`
	MinPrice int64     `json:"min_price"`
	AvgPrice int64     `json:"avg_price"`
	Currency string    `json:"currency"`
	Samples  int       `json:"samples"`
}

// Schedule is one recurring crawl definition.
type Schedule struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	CronExpression string    `json:"cron_expression"`
	Origin         string    `json:"origin"`
	Destination    string    `json:"destination"`
	DateRangeDays  int       `json:"date_range_days"`
	CabinClass     string    `json:"cabin_class"`
	SiteIDs        []string  `json:"site_ids,omitempty"`
	Enabled        bool      `json:"enabled"`
	LastRun        time.Time `json:"last_run,omitempty"`
}

// FlightStore persists crawl output. UpsertBatch is idempotent on the flight
// identity hash, so re-crawls and at-least-once job delivery never duplicate
// records. RecentByRoute returns at most limit records in canonical order;
// PriceHistory aggregates the observations of one flight identity since the
// given time.
type FlightStore interface {
	UpsertBatch(ctx context.Context, flights []flight.Flight) (int, error)
	RecentByRoute(ctx context.Context, origin, destination string, limit int) ([]flight.Flight, error)
	PriceHistory(ctx context.Context, identity string, since time.Time) ([]PricePoint, error)
}

// ScheduleStore holds the recurring crawl definitions the scheduler runs.
type ScheduleStore interface {
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)
	MarkScheduleRun(ctx context.Context, id int) error
}
