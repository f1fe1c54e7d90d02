// Package flight holds the canonical flight record, the search query, and the
// validation rules every record must pass before it leaves the crawl core.
package flight

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Flight is the canonical record every site adapter normalises into.
// Times are UTC; Price is an integer amount in the site's native currency.
type Flight struct {
	AirlineName     string    `json:"airline_name"`
	AirlineCode     string    `json:"airline_code"`
	FlightNumber    string    `json:"flight_number"`
	Origin          string    `json:"origin"`
	Destination     string    `json:"destination"`
	DepartureTime   time.Time `json:"departure_time"`
	ArrivalTime     time.Time `json:"arrival_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Price           int64     `json:"price"`
	Currency        string    `json:"currency"`
	CabinClass      string    `json:"cabin_class"`
	SiteID          string    `json:"site_id"`
	ExtractedAt     time.Time `json:"extracted_at"`

	// Optional fields, empty when the site does not expose them.
	Baggage        string `json:"baggage,omitempty"`
	FareRules      string `json:"fare_rules,omitempty"`
	RefundPolicy   string `json:"refund_policy,omitempty"`
	BookingClass   string `json:"booking_class,omitempty"`
	FareBasis      string `json:"fare_basis,omitempty"`
	AvailableSeats int    `json:"available_seats,omitempty"`
	Aircraft       string `json:"aircraft,omitempty"`
	LoyaltyMiles   int    `json:"loyalty_miles,omitempty"`
	PromoCode      string `json:"promo_code,omitempty"`

	// Aggregator annotations.
	BookingSource string `json:"booking_source,omitempty"`
	IsAggregated  bool   `json:"is_aggregated,omitempty"`
}

// Identity returns the stable content hash used for dedup and idempotent
// upserts. It covers the fields that identify a physical flight, with the
// departure time truncated to the minute so sub-minute extraction noise does
// not split identities.
func (f *Flight) Identity() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		strings.ToUpper(f.AirlineCode),
		strings.ToUpper(f.FlightNumber),
		strings.ToUpper(f.Origin),
		strings.ToUpper(f.Destination),
		f.DepartureTime.UTC().Truncate(time.Minute).Format(time.RFC3339),
		strings.ToLower(f.CabinClass),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// Dedup collapses flights sharing an identity, keeping the record with the
// latest extraction timestamp. Order of first appearance is preserved for
// surviving identities.
func Dedup(flights []Flight) []Flight {
	index := make(map[string]int, len(flights))
	out := make([]Flight, 0, len(flights))
	for _, f := range flights {
		id := f.Identity()
		if at, ok := index[id]; ok {
			if f.ExtractedAt.After(out[at].ExtractedAt) {
				out[at] = f
			}
			continue
		}
		index[id] = len(out)
		out = append(out, f)
	}
	return out
}

// SortCanonical orders flights by price ascending, then departure time
// ascending, then identity as a final tiebreak so equal crawls produce
// identical output.
func SortCanonical(flights []Flight) {
	sort.SliceStable(flights, func(i, j int) bool {
		if flights[i].Price != flights[j].Price {
			return flights[i].Price < flights[j].Price
		}
		if !flights[i].DepartureTime.Equal(flights[j].DepartureTime) {
			return flights[i].DepartureTime.Before(flights[j].DepartureTime)
		}
		return flights[i].Identity() < flights[j].Identity()
	})
}
