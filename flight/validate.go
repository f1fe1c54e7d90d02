package flight

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// Reject explains why a candidate record was dropped. It is surfaced as a
// per-site diagnostic counter, never as a crawl failure.
type Reject struct {
	Field  string
	Reason string
}

func (r *Reject) Error() string {
	return fmt.Sprintf("validation reject: %s: %s", r.Field, r.Reason)
}

// ValidatorOptions bound the checks to one site's declared ranges.
type ValidatorOptions struct {
	PriceMin int64
	PriceMax int64

	// CurrencyAliases maps site spellings to ISO-4217 codes, e.g.
	// "Toman" -> "IRR". Keys are matched case-insensitively.
	CurrencyAliases map[string]string

	// CheckAirport optionally cross-checks IATA codes against an airport
	// table. Nil skips the table check (format is still enforced).
	CheckAirport func(code string) bool

	// Now is the wall clock, overridable in tests.
	Now func() time.Time
}

// Validator enforces the record invariants: required fields, value ranges,
// time consistency, and currency codes.
type Validator struct {
	opts ValidatorOptions
}

const (
	durationMin   = 30
	durationMax   = 1440
	clockSkew     = 15 * time.Minute
	durationDelta = 2 // minutes of tolerance between declared and computed duration
)

// NewValidator builds a validator for one site's ranges.
func NewValidator(opts ValidatorOptions) *Validator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{opts: opts}
}

// Validate checks a candidate flight and normalises its currency code in
// place. A non-nil *Reject means the record must be dropped.
func (v *Validator) Validate(f *Flight) *Reject {
	for field, val := range map[string]string{
		"airline_name":  f.AirlineName,
		"airline_code":  f.AirlineCode,
		"flight_number": f.FlightNumber,
		"origin":        f.Origin,
		"destination":   f.Destination,
		"cabin_class":   f.CabinClass,
		"site_id":       f.SiteID,
	} {
		if strings.TrimSpace(val) == "" {
			return &Reject{Field: field, Reason: "required field is empty"}
		}
	}
	if f.DepartureTime.IsZero() || f.ArrivalTime.IsZero() {
		return &Reject{Field: "times", Reason: "departure or arrival time missing"}
	}
	if f.ExtractedAt.IsZero() {
		return &Reject{Field: "extracted_at", Reason: "extraction timestamp missing"}
	}

	for field, code := range map[string]string{"origin": f.Origin, "destination": f.Destination} {
		if !IsIATA(code) {
			return &Reject{Field: field, Reason: fmt.Sprintf("%q is not a three-letter IATA code", code)}
		}
		if v.opts.CheckAirport != nil && !v.opts.CheckAirport(code) {
			return &Reject{Field: field, Reason: fmt.Sprintf("unknown airport %q", code)}
		}
	}

	if f.Price < 0 {
		return &Reject{Field: "price", Reason: "negative price"}
	}
	if v.opts.PriceMax > 0 && (f.Price < v.opts.PriceMin || f.Price > v.opts.PriceMax) {
		return &Reject{Field: "price", Reason: fmt.Sprintf("%d outside [%d, %d]", f.Price, v.opts.PriceMin, v.opts.PriceMax)}
	}

	if f.DurationMinutes < durationMin || f.DurationMinutes > durationMax {
		return &Reject{Field: "duration", Reason: fmt.Sprintf("%d minutes outside [%d, %d]", f.DurationMinutes, durationMin, durationMax)}
	}

	now := v.opts.Now()
	if f.DepartureTime.Before(now.Add(-clockSkew)) {
		return &Reject{Field: "departure_time", Reason: "departure is in the past"}
	}
	if !f.ArrivalTime.After(f.DepartureTime) {
		return &Reject{Field: "arrival_time", Reason: "arrival is not after departure"}
	}
	computed := int(f.ArrivalTime.Sub(f.DepartureTime).Minutes())
	if diff := computed - f.DurationMinutes; diff > durationDelta || diff < -durationDelta {
		return &Reject{Field: "duration", Reason: fmt.Sprintf("declared %d min but times span %d min", f.DurationMinutes, computed)}
	}

	code, reject := v.normalizeCurrency(f.Currency)
	if reject != nil {
		return reject
	}
	f.Currency = code

	return nil
}

func (v *Validator) normalizeCurrency(raw string) (string, *Reject) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &Reject{Field: "currency", Reason: "currency missing"}
	}
	for alias, iso := range v.opts.CurrencyAliases {
		if strings.EqualFold(alias, s) {
			s = iso
			break
		}
	}
	unit, err := currency.ParseISO(s)
	if err != nil {
		return "", &Reject{Field: "currency", Reason: fmt.Sprintf("%q is not a known ISO-4217 code", raw)}
	}
	return unit.String(), nil
}
