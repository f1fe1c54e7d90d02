package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
)

func persianSite() *config.SiteConfig {
	return &config.SiteConfig{
		SiteID:      "mahan_air",
		Name:        "Mahan Air",
		CrawlerType: config.KindPersian,
		Language:    "fa",
		Extraction: config.ExtractionSpec{
			Container: "div.flight-row",
			Fields: map[string]string{
				"airline_name":   ".airline",
				"flight_number":  ".flight-no",
				"price":          ".price",
				"departure_time": ".dep-time",
				"arrival_time":   ".arr-time",
			},
			RequiredFields: []string{"airline_name", "flight_number", "price"},
		},
		Validation: config.ValidationSpec{DefaultCurrency: "IRR"},
		Persian: &config.PersianSpec{
			Enabled:        true,
			JalaliCalendar: true,
			AirlineNames:   map[string]string{"ماهان": "Mahan Air|W5", "آسمان": "Aseman|EP"},
		},
	}
}

func searchContext() Context {
	return Context{
		Phase:         PhaseSearchResults,
		Origin:        "THR",
		Destination:   "MHD",
		DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		CabinClass:    "economy",
		Now:           func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) },
	}
}

const persianResultsHTML = `<html><body>
<div class="flight-row">
	<span class="airline">ماهان</span>
	<span class="flight-no">W5-1080</span>
	<span class="price">۲,۵۰۰,۰۰۰ ریال</span>
	<span class="dep-time">۰۸:۳۰</span>
	<span class="arr-time">۱۰:۰۰</span>
</div>
<div class="flight-row">
	<span class="airline">آسمان</span>
	<span class="flight-no">EP-356</span>
	<span class="price">۱,۸۰۰,۰۰۰</span>
	<span class="dep-time">۲۳:۳۰</span>
	<span class="arr-time">۰۱:۰۰</span>
</div>
<div class="flight-row">
	<span class="airline">ماهان</span>
	<span class="flight-no">W5-1082</span>
	<span class="price">۰</span>
	<span class="dep-time">۱۲:۰۰</span>
</div>
<div class="flight-row">
	<span class="airline">کاسپین</span>
	<span class="flight-no">IV-712</span>
	<span class="dep-time">۱۴:۰۰</span>
</div>
</body></html>`

func TestPersianParserParseList(t *testing.T) {
	t.Parallel()

	s, err := New(persianSite())
	require.NoError(t, err)
	require.IsType(t, &PersianParser{}, s)

	flights, d := s.ParseList([]byte(persianResultsHTML), searchContext())
	require.Len(t, flights, 2)
	assert.Equal(t, 4, d.Rows)
	assert.Equal(t, 2, d.Parsed)
	assert.Equal(t, 1, d.ZeroPrice, "zero price is not bookable")
	require.Len(t, d.Dropped, 1, "missing required price drops the row")
	assert.Equal(t, "price", d.Dropped[0].Field)

	f := flights[0]
	assert.Equal(t, "Mahan Air", f.AirlineName)
	assert.Equal(t, "W5", f.AirlineCode)
	assert.Equal(t, "W5-1080", f.FlightNumber)
	assert.Equal(t, int64(2_500_000), f.Price)
	assert.Equal(t, "IRR", f.Currency, "undeclared currency falls back to the site default")
	assert.Equal(t, "THR", f.Origin)
	assert.Equal(t, "MHD", f.Destination)
	assert.Equal(t, "mahan_air", f.SiteID)
	assert.Equal(t, time.Date(2026, 9, 10, 8, 30, 0, 0, time.UTC), f.DepartureTime,
		"time-only rows combine with the query date")
	assert.Equal(t, 90, f.DurationMinutes)
	assert.False(t, f.IsAggregated)

	// Overnight arrival rolls to the next day.
	assert.Equal(t, time.Date(2026, 9, 11, 1, 0, 0, 0, time.UTC), flights[1].ArrivalTime)
}

func TestPersianParserJalaliDateField(t *testing.T) {
	t.Parallel()

	sc := persianSite()
	sc.Extraction.Fields["departure_date"] = ".dep-date"
	s, err := New(sc)
	require.NoError(t, err)

	body := []byte(`<div class="flight-row">
		<span class="airline">ماهان</span>
		<span class="flight-no">W5-1080</span>
		<span class="price">۲,۵۰۰,۰۰۰</span>
		<span class="dep-date">۱۴۰۵/۰۶/۱۹</span>
		<span class="dep-time">۰۸:۳۰</span>
	</div>`)
	flights, d := s.ParseList(body, searchContext())
	require.Len(t, flights, 1, "%+v", d)
	// 1405/06/19 Jalali is 2026-09-10 Gregorian.
	assert.Equal(t, time.Date(2026, 9, 10, 8, 30, 0, 0, time.UTC), flights[0].DepartureTime)
}

func TestParseListUnknownAirlineSurfacesUnchanged(t *testing.T) {
	t.Parallel()

	s, err := New(persianSite())
	require.NoError(t, err)

	body := []byte(`<div class="flight-row">
		<span class="airline">تابان</span>
		<span class="flight-no">HH-7312</span>
		<span class="price">۱,۵۰۰,۰۰۰</span>
	</div>`)
	flights, d := s.ParseList(body, searchContext())
	require.Len(t, flights, 1)
	assert.Equal(t, "تابان", flights[0].AirlineName)
	assert.Empty(t, flights[0].AirlineCode)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "unknown airline")
}

func TestParseListDuplicateKeepsLaterExtraction(t *testing.T) {
	t.Parallel()

	s, err := New(persianSite())
	require.NoError(t, err)

	body := []byte("<html><body>" +
		`<div class="flight-row"><span class="airline">ماهان</span><span class="flight-no">W5-1080</span><span class="price">2500000</span><span class="dep-time">08:30</span></div>` +
		`<div class="flight-row"><span class="airline">ماهان</span><span class="flight-no">W5-1080</span><span class="price">2400000</span><span class="dep-time">08:30</span></div>` +
		"</body></html>")

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	tick := 0
	pc := searchContext()
	pc.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	flights, d := s.ParseList(body, pc)
	require.Len(t, flights, 1)
	assert.Equal(t, 2, d.Rows)
	assert.Equal(t, int64(2_400_000), flights[0].Price, "later extraction wins")
}

func TestAggregatorParserJSON(t *testing.T) {
	t.Parallel()

	sc := &config.SiteConfig{
		SiteID:      "skyscanner_ir",
		Name:        "Skyscanner",
		CrawlerType: config.KindAggregator,
		Language:    "en",
		Extraction: config.ExtractionSpec{
			Container: "$.data.itineraries",
			Fields: map[string]string{
				"airline_name":   "$.carrier.name",
				"airline_code":   "$.carrier.code",
				"flight_number":  "$.number",
				"price":          "$.fare.total",
				"currency":       "$.fare.currency",
				"departure_date": "$.departure.date",
				"departure_time": "$.departure.time",
				"booking_source": "$.agent",
			},
			RequiredFields: []string{"price", "flight_number"},
		},
	}
	s, err := New(sc)
	require.NoError(t, err)
	require.IsType(t, &AggregatorParser{}, s)

	body := []byte(`{"data":{"itineraries":[
		{"carrier":{"name":"Emirates","code":"EK"},"number":"EK977","agent":"flytoday",
		 "fare":{"total":18500000,"currency":"IRR"},
		 "departure":{"date":"2026-09-10","time":"21:45"}},
		{"carrier":{"name":"Qatar Airways","code":"QR"},"number":"QR499",
		 "fare":{"total":16200000,"currency":"IRR"},
		 "departure":{"date":"2026-09-10","time":"04:10"}}
	]}}`)
	flights, d := s.ParseList(body, searchContext())
	require.Len(t, flights, 2, "%+v", d)

	assert.Equal(t, "EK977", flights[0].FlightNumber)
	assert.Equal(t, int64(18_500_000), flights[0].Price)
	assert.Equal(t, time.Date(2026, 9, 10, 21, 45, 0, 0, time.UTC), flights[0].DepartureTime)
	assert.True(t, flights[0].IsAggregated)
	assert.Equal(t, "flytoday", flights[0].BookingSource)
	assert.Equal(t, "Skyscanner", flights[1].BookingSource, "rows without an agent fall back to the site name")
}

func TestParseListCurrencyUndeclaredNoDefault(t *testing.T) {
	t.Parallel()

	sc := persianSite()
	sc.Validation.DefaultCurrency = ""
	s, err := New(sc)
	require.NoError(t, err)

	body := []byte(`<div class="flight-row">
		<span class="airline">ماهان</span>
		<span class="flight-no">W5-1080</span>
		<span class="price">2500000</span>
	</div>`)
	flights, d := s.ParseList(body, searchContext())
	assert.Empty(t, flights)
	require.Len(t, d.Dropped, 1)
	assert.Equal(t, "currency", d.Dropped[0].Field)
}

func TestParseListErrorPage(t *testing.T) {
	t.Parallel()

	s, err := New(persianSite())
	require.NoError(t, err)

	pc := searchContext()
	pc.Phase = PhaseErrorPage
	flights, d := s.ParseList([]byte("<html><body>Access Denied</body></html>"), pc)
	assert.Empty(t, flights)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "access denied")
}

func TestDetectBlock(t *testing.T) {
	t.Parallel()

	kind, marker, ok := DetectBlock([]byte("<title>Just a moment... Cloudflare</title>"))
	require.True(t, ok)
	assert.Equal(t, errs.KindRateLimit, kind)
	assert.Equal(t, "cloudflare", marker)

	kind, _, ok = DetectBlock([]byte("please solve this CAPTCHA to continue"))
	require.True(t, ok)
	assert.Equal(t, errs.KindNetwork, kind)

	_, _, ok = DetectBlock([]byte("<html>normal results</html>"))
	assert.False(t, ok)
}
