package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parvazhub/parvaz-crawler/breaker"
	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/pkg/logger"
	"github.com/parvazhub/parvaz-crawler/ratelimit"
	"github.com/parvazhub/parvaz-crawler/session"
)

func testEnv() Env {
	return Env{
		Sessions: session.NewManager(config.SessionConfig{
			UserAgent:       "parvaz-crawler/test",
			KeepAlive:       time.Minute,
			MaxConns:        10,
			MaxConnsPerHost: 5,
			BrowserContexts: 2,
		}),
		Limiter: ratelimit.New(),
		Breaker: breaker.New(),
		Logger:  logger.New(logger.Config{Level: "error", Format: "text"}),
	}
}

func parseSite(t *testing.T, raw string) *config.SiteConfig {
	t.Helper()
	sc, err := config.ParseSite([]byte(raw))
	require.NoError(t, err)
	return sc
}

func testQuery() flight.SearchQuery {
	return flight.SearchQuery{
		Origin:        "THR",
		Destination:   "MHD",
		DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Adults:        1,
		CabinClass:    "economy",
	}
}

func TestFactoryBuildsEveryKind(t *testing.T) {
	f := NewFactory(testEnv())
	kinds := map[config.CrawlerKind]any{
		config.KindHTMLForm:   &HtmlFormAdapter{},
		config.KindPersian:    &PersianAirlineAdapter{},
		config.KindAPIJSON:    &ApiJsonAdapter{},
		config.KindJSHeavy:    &JavaScriptHeavyAdapter{},
		config.KindAggregator: &InternationalAggregatorAdapter{},
	}
	for kind, want := range kinds {
		sc := parseSite(t, fmt.Sprintf(`{
			"site_id": "s_%s", "name": "S", "search_url": "https://s.example/search",
			"crawler_type": %q, "language": "en",
			"rate_limit": {"requests_per_second": 10},
			"extraction_config": {"fields": {"price": ".price"}}
		}`, "x", kind))
		a, err := f.New(sc)
		require.NoError(t, err, kind)
		assert.IsType(t, want, a)
		assert.NoError(t, a.Close())
	}
}

func TestFactorySealClosesRegistration(t *testing.T) {
	f := NewFactory(testEnv())

	err := f.Register(config.KindPersian, func(b base) Adapter { return &PersianAirlineAdapter{base: b} })
	require.Error(t, err, "duplicate kind")

	f.Seal()
	err = f.Register("custom-kind", func(b base) Adapter { return &HtmlFormAdapter{base: b} })
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestPersianAirlineAdapterSearchAndParse(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"origin": r.URL.Query().Get("origin"),
			"date":   r.URL.Query().Get("date"),
		}
		fmt.Fprint(w, `<html><body>
			<div class="flight-row">
				<span class="airline">ماهان</span>
				<span class="flight-no">W5-1080</span>
				<span class="price">۲,۵۰۰,۰۰۰</span>
				<span class="dep-time">۰۸:۳۰</span>
			</div>
		</body></html>`)
	}))
	defer srv.Close()

	sc := parseSite(t, fmt.Sprintf(`{
		"site_id": "mahan_air", "name": "Mahan Air", "search_url": %q,
		"crawler_type": "persian-airline", "language": "fa",
		"rate_limit": {"requests_per_second": 100, "burst": 10},
		"extraction_config": {
			"container": "div.flight-row",
			"fields": {"airline_name": ".airline", "flight_number": ".flight-no", "price": ".price", "departure_time": ".dep-time"},
			"required_fields": ["price"]
		},
		"data_validation": {"default_currency": "IRR"},
		"persian_processing": {"enabled": true, "jalali_calendar": true, "airline_names": {"ماهان": "Mahan Air|W5"}}
	}`, srv.URL+"/search"))

	f := NewFactory(testEnv())
	a, err := f.New(sc)
	require.NoError(t, err)
	defer a.Close()

	pages, err := a.Search(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "THR", gotQuery["origin"])
	assert.Equal(t, "1405/06/19", gotQuery["date"], "Persian sites get Jalali dates")

	flights, d := a.ParseList(pages)
	require.Len(t, flights, 1, "%+v", d)
	assert.Equal(t, "W5", flights[0].AirlineCode)
	assert.Equal(t, int64(2_500_000), flights[0].Price)
}

func TestApiJsonAdapterPostsCredentialledRequest(t *testing.T) {
	var gotAuth string
	var gotReq apiSearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, `{"flights":[
			{"airline":"Iran Air","code":"IR","number":"IR452","total":3200000,"currency":"IRR","time":"10:15"}
		]}`)
	}))
	defer srv.Close()

	t.Setenv("PARTO_KEY", "k-123")
	sc := parseSite(t, fmt.Sprintf(`{
		"site_id": "parto_crs", "name": "Parto", "search_url": %q,
		"crawler_type": "api-json", "language": "en",
		"rate_limit": {"requests_per_second": 100},
		"extraction_config": {
			"container": "$.flights",
			"fields": {"airline_name": "$.airline", "airline_code": "$.code", "flight_number": "$.number",
				"price": "$.total", "currency": "$.currency", "departure_time": "$.time"},
			"required_fields": ["price", "flight_number"]
		},
		"b2b_credentials": {"api_key": "${PARTO_KEY}"}
	}`, srv.URL+"/v1/search"))

	f := NewFactory(testEnv())
	a, err := f.New(sc)
	require.NoError(t, err)
	defer a.Close()

	pages, err := a.Search(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, "Bearer k-123", gotAuth)
	assert.Equal(t, "THR", gotReq.Origin)
	assert.Equal(t, "2026-09-10", gotReq.DepartureDate)

	flights, _ := a.ParseList(pages)
	require.Len(t, flights, 1)
	assert.Equal(t, "IR452", flights[0].FlightNumber)
	assert.Equal(t, time.Date(2026, 9, 10, 10, 15, 0, 0, time.UTC), flights[0].DepartureTime)
}

func TestFetchClassifiesStatuses(t *testing.T) {
	status := http.StatusOK
	body := "<html></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	sc := parseSite(t, fmt.Sprintf(`{
		"site_id": "s_air", "name": "S", "search_url": %q,
		"crawler_type": "html-form", "language": "en",
		"rate_limit": {"requests_per_second": 100},
		"extraction_config": {"fields": {"price": ".price"}}
	}`, srv.URL+"/search"))

	f := NewFactory(testEnv())
	a, err := f.New(sc)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	status = http.StatusTooManyRequests
	_, err = a.Search(ctx, testQuery())
	assert.True(t, errs.IsKind(err, errs.KindRateLimit), "got %v", err)

	status = http.StatusForbidden
	_, err = a.Search(ctx, testQuery())
	assert.True(t, errs.IsKind(err, errs.KindProtocol), "got %v", err)

	status = http.StatusOK
	body = "<html>please complete the captcha</html>"
	_, err = a.Search(ctx, testQuery())
	assert.True(t, errs.IsKind(err, errs.KindNetwork), "captcha pages are transient, got %v", err)
}

type stubBrowser struct{ html string }

func (b *stubBrowser) Render(ctx context.Context, url string) ([]byte, error) {
	return []byte(b.html), nil
}
func (b *stubBrowser) MemoryMB() int { return 100 }
func (b *stubBrowser) Close() error  { return nil }

func TestJavaScriptHeavyAdapterRenders(t *testing.T) {
	env := testEnv()
	env.Sessions.RegisterBrowserFactory(func(ctx context.Context) (session.Browser, error) {
		return &stubBrowser{html: `<div class="flight-row">
			<span class="airline">Mahan Air</span>
			<span class="flight-no">W5-1080</span>
			<span class="price">2500000</span>
		</div>`}, nil
	})

	sc := parseSite(t, `{
		"site_id": "js_air", "name": "JS Air", "search_url": "https://js.example/search",
		"crawler_type": "javascript-heavy", "language": "en",
		"rate_limit": {"requests_per_second": 100},
		"extraction_config": {
			"container": "div.flight-row",
			"fields": {"airline_name": ".airline", "flight_number": ".flight-no", "price": ".price"},
			"required_fields": ["price"]
		},
		"data_validation": {"default_currency": "IRR"}
	}`)

	f := NewFactory(env)
	a, err := f.New(sc)
	require.NoError(t, err)
	defer a.Close()

	pages, err := a.Search(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, pages, 1)

	flights, _ := a.ParseList(pages)
	require.Len(t, flights, 1)
	assert.Equal(t, "W5-1080", flights[0].FlightNumber)
}

func TestAggregatorAdapterTagsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[
			{"airline":"Emirates","code":"EK","number":"EK977","total":18500000,"currency":"IRR","agent":"flytoday","time":"21:45"}
		]}`)
	}))
	defer srv.Close()

	sc := parseSite(t, fmt.Sprintf(`{
		"site_id": "meta_search", "name": "MetaSearch", "search_url": %q,
		"crawler_type": "international-aggregator", "language": "en",
		"rate_limit": {"requests_per_second": 100},
		"extraction_config": {
			"container": "$.results",
			"fields": {"airline_name": "$.airline", "airline_code": "$.code", "flight_number": "$.number",
				"price": "$.total", "currency": "$.currency", "booking_source": "$.agent", "departure_time": "$.time"},
			"required_fields": ["price"]
		}
	}`, srv.URL+"/api"))

	f := NewFactory(testEnv())
	a, err := f.New(sc)
	require.NoError(t, err)
	defer a.Close()

	pages, err := a.Search(context.Background(), testQuery())
	require.NoError(t, err)
	flights, _ := a.ParseList(pages)
	require.Len(t, flights, 1)
	assert.True(t, flights[0].IsAggregated)
	assert.Equal(t, "flytoday", flights[0].BookingSource)
}
