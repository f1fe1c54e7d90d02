package flight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *Validator {
	return NewValidator(ValidatorOptions{
		PriceMin:        100_000,
		PriceMax:        50_000_000,
		CurrencyAliases: map[string]string{"Toman": "IRR", "ریال": "IRR"},
		Now:             func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) },
	})
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()

	v := testValidator()
	f := sampleFlight()
	require.Nil(t, v.Validate(&f))
	assert.Equal(t, "IRR", f.Currency)
}

func TestValidateNormalisesCurrencyAlias(t *testing.T) {
	t.Parallel()

	v := testValidator()
	f := sampleFlight()
	f.Currency = "Toman"
	require.Nil(t, v.Validate(&f))
	assert.Equal(t, "IRR", f.Currency)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Flight)
		field  string
	}{
		{"missing_airline", func(f *Flight) { f.AirlineName = "" }, "airline_name"},
		{"missing_flight_number", func(f *Flight) { f.FlightNumber = " " }, "flight_number"},
		{"bad_origin", func(f *Flight) { f.Origin = "TEHRAN" }, "origin"},
		{"price_below_range", func(f *Flight) { f.Price = 50 }, "price"},
		{"price_above_range", func(f *Flight) { f.Price = 60_000_000 }, "price"},
		{"negative_price", func(f *Flight) { f.Price = -1 }, "price"},
		{"duration_too_short", func(f *Flight) {
			f.DurationMinutes = 10
			f.ArrivalTime = f.DepartureTime.Add(10 * time.Minute)
		}, "duration"},
		{"duration_mismatch", func(f *Flight) { f.DurationMinutes = 400 }, "duration"},
		{"arrival_before_departure", func(f *Flight) { f.ArrivalTime = f.DepartureTime.Add(-time.Hour) }, "arrival_time"},
		{"departure_in_past", func(f *Flight) {
			f.DepartureTime = time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
			f.ArrivalTime = f.DepartureTime.Add(195 * time.Minute)
		}, "departure_time"},
		{"unknown_currency", func(f *Flight) { f.Currency = "XYZ123" }, "currency"},
		{"missing_currency", func(f *Flight) { f.Currency = "" }, "currency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := testValidator()
			f := sampleFlight()
			tc.mutate(&f)
			reject := v.Validate(&f)
			require.NotNil(t, reject)
			assert.Equal(t, tc.field, reject.Field)
		})
	}
}

func TestValidateClockSkewTolerance(t *testing.T) {
	t.Parallel()

	v := testValidator()
	f := sampleFlight()
	// Departed ten minutes ago: inside the 15-minute skew window.
	f.DepartureTime = time.Date(2026, 8, 26, 11, 50, 0, 0, time.UTC)
	f.ArrivalTime = f.DepartureTime.Add(195 * time.Minute)
	assert.Nil(t, v.Validate(&f))
}

func TestValidateAirportTable(t *testing.T) {
	t.Parallel()

	v := NewValidator(ValidatorOptions{
		PriceMax:     50_000_000,
		CheckAirport: func(code string) bool { return code == "THR" || code == "IST" },
		Now:          func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) },
	})
	f := sampleFlight()
	require.Nil(t, v.Validate(&f))

	f = sampleFlight()
	f.Destination = "ZZZ"
	reject := v.Validate(&f)
	require.NotNil(t, reject)
	assert.Equal(t, "destination", reject.Field)
}
