package parse

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/normalize"
)

// Phase tells the strategy what kind of page it is looking at.
type Phase string

const (
	PhaseSearchResults Phase = "search-results"
	PhaseDetailPage    Phase = "detail-page"
	PhaseErrorPage     Phase = "error-page"
)

// Context carries the query-side values a single document cannot supply on
// its own, most importantly the departure date for rows that only state a
// clock time.
type Context struct {
	Phase         Phase
	Origin        string
	Destination   string
	DepartureDate time.Time
	CabinClass    string
	Now           func() time.Time
}

func (c Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Drop records one row excluded from the output.
type Drop struct {
	Row    int
	Field  string
	Reason string
}

// Diagnostics summarises a single parse pass. A malformed row never fails
// the whole document; it lands here instead.
type Diagnostics struct {
	Rows      int
	Parsed    int
	ZeroPrice int
	Dropped   []Drop
	Warnings  []string
}

// Strategy parses one response body into flight records.
type Strategy interface {
	ParseList(body []byte, pc Context) ([]flight.Flight, Diagnostics)
}

// New selects and builds the parse strategy for a site. Aggregator sites get
// the aggregator variant; Persian-airline sites and any Persian-language
// site get the Persian variant; everything else parses as international.
func New(sc *config.SiteConfig) (Strategy, error) {
	b, err := newBase(sc)
	if err != nil {
		return nil, err
	}
	switch {
	case sc.CrawlerType == config.KindAggregator:
		b.aggregated = true
		b.bookingSource = sc.Name
		return &AggregatorParser{base: b}, nil
	case sc.CrawlerType == config.KindPersian || sc.Language == "fa":
		b.jalaliDates = sc.Persian == nil || sc.Persian.JalaliCalendar
		return &PersianParser{base: b}, nil
	default:
		return &InternationalParser{base: b}, nil
	}
}

// PersianParser handles Persian-language sites: Persian digits, Jalali
// dates, and airline-name canonicalisation.
type PersianParser struct{ *base }

// InternationalParser handles English-language airline sites with Gregorian
// dates and ASCII digits.
type InternationalParser struct{ *base }

// AggregatorParser handles meta-search sites; every record is tagged with
// its booking source.
type AggregatorParser struct{ *base }

type base struct {
	siteID          string
	container       *Locator
	fields          map[string]*Locator
	required        []string
	defaultCurrency string
	airlines        *normalize.AirlineMap
	jalaliDates     bool
	aggregated      bool
	bookingSource   string
}

func newBase(sc *config.SiteConfig) (*base, error) {
	b := &base{
		siteID:          sc.SiteID,
		fields:          make(map[string]*Locator, len(sc.Extraction.Fields)),
		required:        sc.Extraction.RequiredFields,
		defaultCurrency: sc.Validation.DefaultCurrency,
		airlines:        sc.AirlineMap(),
	}
	if sc.Extraction.Container != "" {
		loc, err := CompileLocator(sc.Extraction.Container)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, sc.SiteID, err)
		}
		b.container = loc
	}
	for name, expr := range sc.Extraction.Fields {
		loc, err := CompileLocator(expr)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, sc.SiteID, fmt.Errorf("field %s: %w", name, err))
		}
		b.fields[name] = loc
	}
	return b, nil
}

const reasonZeroPrice = "zero price"

// ParseList extracts every container row the locators can reach. Rows that
// fail a required field or a normaliser are dropped with a diagnostic; the
// rest come back deduplicated, later extraction winning.
func (b *base) ParseList(body []byte, pc Context) ([]flight.Flight, Diagnostics) {
	var d Diagnostics
	if pc.Phase == PhaseErrorPage {
		if _, marker, ok := DetectBlock(body); ok {
			d.Warnings = append(d.Warnings, "blocked: "+marker)
		} else {
			d.Warnings = append(d.Warnings, "error page")
		}
		return nil, d
	}

	doc, err := NewDocument(body)
	if err != nil {
		d.Warnings = append(d.Warnings, err.Error())
		return nil, d
	}
	if b.container == nil {
		d.Warnings = append(d.Warnings, "no container locator configured")
		return nil, d
	}
	items, err := b.container.Items(doc)
	if err != nil {
		d.Warnings = append(d.Warnings, err.Error())
		return nil, d
	}
	d.Rows = len(items)

	var out []flight.Flight
	for i, it := range items {
		raw := make(map[string]string, len(b.fields))
		for name, loc := range b.fields {
			if v, ok := loc.Value(it); ok {
				raw[name] = v
			}
		}
		missing := false
		for _, req := range b.required {
			if raw[req] == "" {
				d.Dropped = append(d.Dropped, Drop{Row: i, Field: req, Reason: "required field missing"})
				missing = true
				break
			}
		}
		if missing {
			continue
		}
		f, drop := b.record(i, raw, pc, &d)
		if drop != nil {
			if drop.Reason == reasonZeroPrice {
				d.ZeroPrice++
			} else {
				d.Dropped = append(d.Dropped, *drop)
			}
			continue
		}
		out = append(out, f)
	}
	out = flight.Dedup(out)
	d.Parsed = len(out)
	return out, d
}

func (b *base) record(row int, raw map[string]string, pc Context, d *Diagnostics) (flight.Flight, *Drop) {
	var f flight.Flight

	price, err := normalize.Amount(raw["price"])
	if err != nil {
		return f, &Drop{Row: row, Field: "price", Reason: "unparseable price"}
	}
	if price == 0 {
		return f, &Drop{Row: row, Field: "price", Reason: reasonZeroPrice}
	}
	f.Price = price

	date := pc.DepartureDate
	if s := raw["departure_date"]; s != "" {
		date, err = b.parseDate(s)
		if err != nil {
			return f, &Drop{Row: row, Field: "departure_date", Reason: "unparseable date"}
		}
	}
	f.DepartureTime = date
	if s := raw["departure_time"]; s != "" {
		hh, mm, err := normalize.Clock(s)
		if err != nil {
			return f, &Drop{Row: row, Field: "departure_time", Reason: "unparseable time"}
		}
		f.DepartureTime = time.Date(date.Year(), date.Month(), date.Day(), hh, mm, 0, 0, time.UTC)
	}
	if s := raw["arrival_time"]; s != "" {
		hh, mm, err := normalize.Clock(s)
		if err != nil {
			return f, &Drop{Row: row, Field: "arrival_time", Reason: "unparseable time"}
		}
		f.ArrivalTime = time.Date(date.Year(), date.Month(), date.Day(), hh, mm, 0, 0, time.UTC)
		if f.ArrivalTime.Before(f.DepartureTime) {
			f.ArrivalTime = f.ArrivalTime.Add(24 * time.Hour)
		}
	}
	if s := raw["duration"]; s != "" {
		if v, err := normalize.Amount(s); err == nil {
			f.DurationMinutes = int(v)
		}
	}
	if f.DurationMinutes == 0 && !f.ArrivalTime.IsZero() {
		f.DurationMinutes = int(f.ArrivalTime.Sub(f.DepartureTime) / time.Minute)
	}

	name := strings.TrimSpace(raw["airline_name"])
	code := strings.ToUpper(strings.TrimSpace(raw["airline_code"]))
	if b.airlines != nil && name != "" {
		if a, known := b.airlines.Canonical(name); known {
			name = a.Name
			if code == "" {
				code = a.Code
			}
		} else {
			d.Warnings = append(d.Warnings, fmt.Sprintf("row %d: unknown airline %q", row, name))
		}
	}
	f.AirlineName = name
	f.AirlineCode = code
	f.FlightNumber = strings.ToUpper(strings.TrimSpace(normalize.Digits(raw["flight_number"])))

	f.Currency = strings.ToUpper(strings.TrimSpace(raw["currency"]))
	if f.Currency == "" {
		f.Currency = b.defaultCurrency
	}
	if f.Currency == "" {
		return f, &Drop{Row: row, Field: "currency", Reason: "currency undeclared and no default"}
	}

	f.CabinClass = raw["cabin_class"]
	if f.CabinClass == "" {
		f.CabinClass = pc.CabinClass
	}
	f.Origin = strings.ToUpper(pc.Origin)
	f.Destination = strings.ToUpper(pc.Destination)
	f.SiteID = b.siteID
	f.ExtractedAt = pc.now()

	f.Baggage = raw["baggage"]
	f.Aircraft = raw["aircraft"]
	f.BookingClass = raw["booking_class"]
	if s := raw["available_seats"]; s != "" {
		if v, err := normalize.Amount(s); err == nil {
			f.AvailableSeats = int(v)
		}
	}
	if s := raw["loyalty_miles"]; s != "" {
		if v, err := normalize.Amount(s); err == nil {
			f.LoyaltyMiles = int(v)
		}
	}

	if b.aggregated {
		f.IsAggregated = true
		f.BookingSource = raw["booking_source"]
		if f.BookingSource == "" {
			f.BookingSource = b.bookingSource
		}
	}
	return f, nil
}

func (b *base) parseDate(s string) (time.Time, error) {
	if b.jalaliDates {
		jd, err := normalize.ParseJalali(s)
		if err != nil {
			return time.Time{}, err
		}
		return jd.ToGregorian()
	}
	folded := normalize.Digits(strings.TrimSpace(s))
	t, err := time.Parse("2006-01-02", folded)
	if err != nil {
		t, err = time.Parse("2006/01/02", folded)
	}
	return t, err
}

var blockMarkers = []struct {
	marker string
	kind   errs.Kind
}{
	{"captcha", errs.KindNetwork},
	{"too many requests", errs.KindRateLimit},
	{"access denied", errs.KindRateLimit},
	{"cloudflare", errs.KindRateLimit},
	{"unusual traffic", errs.KindRateLimit},
}

// DetectBlock scans a body for anti-bot markers. Captcha pages classify as
// transient, the rest as rate limited.
func DetectBlock(body []byte) (errs.Kind, string, bool) {
	lower := bytes.ToLower(body)
	for _, m := range blockMarkers {
		if bytes.Contains(lower, []byte(m.marker)) {
			return m.kind, m.marker, true
		}
	}
	return "", "", false
}
