package flight

import (
	"fmt"
	"strings"
	"time"

	"github.com/parvazhub/parvaz-crawler/errs"
)

// TripType selects the overall search shape.
type TripType string

const (
	OneWay    TripType = "one_way"
	RoundTrip TripType = "round_trip"
	MultiCity TripType = "multi_city"
)

// Leg is one segment of a multi-city search.
type Leg struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Date        time.Time `json:"date"`
}

// SearchQuery describes one crawl request. It is bound to a single crawl and
// never mutated after validation.
type SearchQuery struct {
	Origin        string    `json:"origin"`
	Destination   string    `json:"destination"`
	DepartureDate time.Time `json:"departure_date"`
	ReturnDate    time.Time `json:"return_date,omitempty"`
	Adults        int       `json:"adults"`
	Children      int       `json:"children"`
	Infants       int       `json:"infants"`
	CabinClass    string    `json:"cabin_class"`
	TripType      TripType  `json:"trip_type"`
	Legs          []Leg     `json:"legs,omitempty"`

	// DateRangeDays expands the crawl to +/- N days around DepartureDate.
	DateRangeDays int  `json:"date_range_days,omitempty"`
	MultiRoute    bool `json:"multi_route,omitempty"`
}

// IsIATA reports whether s is a three-letter uppercase IATA code.
func IsIATA(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// Validate checks the query invariants against the given wall clock.
func (q *SearchQuery) Validate(now time.Time) error {
	if !IsIATA(q.Origin) {
		return errs.New(errs.KindValidation, "", fmt.Sprintf("origin %q is not an IATA code", q.Origin))
	}
	if !IsIATA(q.Destination) {
		return errs.New(errs.KindValidation, "", fmt.Sprintf("destination %q is not an IATA code", q.Destination))
	}
	if q.Origin == q.Destination {
		return errs.New(errs.KindValidation, "", "origin and destination are the same")
	}
	if q.DepartureDate.Before(startOfDay(now)) {
		return errs.New(errs.KindValidation, "", "departure date is in the past")
	}
	if q.Adults < 1 {
		return errs.New(errs.KindValidation, "", "at least one adult is required")
	}
	if q.Children < 0 || q.Infants < 0 {
		return errs.New(errs.KindValidation, "", "passenger counts cannot be negative")
	}
	if q.Infants > q.Adults {
		return errs.New(errs.KindValidation, "", "infants cannot outnumber adults")
	}
	switch q.TripType {
	case "", OneWay:
	case RoundTrip:
		if q.ReturnDate.IsZero() {
			return errs.New(errs.KindValidation, "", "round trip requires a return date")
		}
		if q.ReturnDate.Before(q.DepartureDate) {
			return errs.New(errs.KindValidation, "", "return date precedes departure date")
		}
	case MultiCity:
		if len(q.Legs) < 2 {
			return errs.New(errs.KindValidation, "", "multi city requires at least two legs")
		}
	default:
		return errs.New(errs.KindValidation, "", fmt.Sprintf("unknown trip type %q", q.TripType))
	}
	if q.DateRangeDays < 0 || q.DateRangeDays > 7 {
		return errs.New(errs.KindValidation, "", "date range must be between 0 and 7 days")
	}
	return nil
}

// ExpandDateRange returns the sub-queries a date-range search fans out to:
// the original date plus +/- N days, in chronological order. Queries whose
// date would fall in the past are skipped.
func (q SearchQuery) ExpandDateRange(now time.Time) []SearchQuery {
	if q.DateRangeDays <= 0 {
		return []SearchQuery{q}
	}
	n := q.DateRangeDays
	out := make([]SearchQuery, 0, 2*n+1)
	for off := -n; off <= n; off++ {
		sub := q
		sub.DateRangeDays = 0
		sub.DepartureDate = q.DepartureDate.AddDate(0, 0, off)
		if sub.DepartureDate.Before(startOfDay(now)) {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// ExpandLegs splits a multi-city query into independent one-way queries, one
// per leg. Non multi-city queries are returned unchanged.
func (q SearchQuery) ExpandLegs() []SearchQuery {
	if q.TripType != MultiCity || len(q.Legs) == 0 {
		return []SearchQuery{q}
	}
	out := make([]SearchQuery, 0, len(q.Legs))
	for _, leg := range q.Legs {
		sub := q
		sub.TripType = OneWay
		sub.Legs = nil
		sub.Origin = strings.ToUpper(leg.Origin)
		sub.Destination = strings.ToUpper(leg.Destination)
		sub.DepartureDate = leg.Date
		sub.ReturnDate = time.Time{}
		out = append(out, sub)
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
