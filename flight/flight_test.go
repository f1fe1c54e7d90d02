package flight

import (
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
)

func sampleFlight() Flight {
	dep := time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)
	return Flight{
		AirlineName:     "Mahan Air",
		AirlineCode:     "W5",
		FlightNumber:    "W5112",
		Origin:          "THR",
		Destination:     "IST",
		DepartureTime:   dep,
		ArrivalTime:     dep.Add(195 * time.Minute),
		DurationMinutes: 195,
		Price:           1_200_000,
		Currency:        "IRR",
		CabinClass:      "economy",
		SiteID:          "mahan_air",
		ExtractedAt:     time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
	}
}

func TestIdentityStable(t *testing.T) {
	t.Parallel()

	a := sampleFlight()
	b := sampleFlight()
	// Extraction metadata and price do not participate in identity.
	b.ExtractedAt = b.ExtractedAt.Add(time.Hour)
	b.Price = 999
	assert.Equal(t, a.Identity(), b.Identity())

	// Sub-minute departure jitter is folded away.
	c := sampleFlight()
	c.DepartureTime = c.DepartureTime.Add(20 * time.Second)
	assert.Equal(t, a.Identity(), c.Identity())

	d := sampleFlight()
	d.FlightNumber = "W5113"
	assert.NotEqual(t, a.Identity(), d.Identity())
}

func TestDedupKeepsLatestExtraction(t *testing.T) {
	t.Parallel()

	older := sampleFlight()
	newer := sampleFlight()
	newer.ExtractedAt = older.ExtractedAt.Add(time.Minute)
	newer.Price = 1_100_000 // same identity, refreshed price

	out := Dedup([]Flight{older, newer})
	assert.Len(t, out, 1)
	if diff := deep.Equal(out[0], newer); diff != nil {
		t.Error(diff)
	}

	other := sampleFlight()
	other.FlightNumber = "W5880"
	out = Dedup([]Flight{older, other, newer})
	assert.Len(t, out, 2)
}

func TestSortCanonical(t *testing.T) {
	t.Parallel()

	a := sampleFlight()
	a.Price = 1_500_000
	b := sampleFlight()
	b.FlightNumber = "W5200"
	b.Price = 900_000
	c := sampleFlight()
	c.FlightNumber = "W5300"
	c.Price = 900_000
	c.DepartureTime = c.DepartureTime.Add(-time.Hour)
	c.ArrivalTime = c.ArrivalTime.Add(-time.Hour)

	flights := []Flight{a, b, c}
	SortCanonical(flights)

	assert.Equal(t, []int64{900_000, 900_000, 1_500_000}, []int64{flights[0].Price, flights[1].Price, flights[2].Price})
	assert.True(t, flights[0].DepartureTime.Before(flights[1].DepartureTime))
}
