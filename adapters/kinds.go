package adapters

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/parse"
	"github.com/parvazhub/parvaz-crawler/session"
)

// HtmlFormAdapter drives classic server-rendered booking sites: one form
// POST per query, results in the response HTML.
type HtmlFormAdapter struct {
	base
}

func (a *HtmlFormAdapter) Search(ctx context.Context, q flight.SearchQuery) ([]RawPage, error) {
	var pages []RawPage
	err := a.env.Sessions.WithHTTP(ctx, a.site, func(s *session.HTTPSession) error {
		form := a.queryValues(q)
		page, err := a.fetch(ctx, q, func(ctx context.Context) (*http.Response, error) {
			return s.PostForm(ctx, a.site.SearchURL, form)
		})
		if err != nil {
			return err
		}
		pages = append(pages, page)
		return nil
	})
	return pages, err
}

// PersianAirlineAdapter drives Iranian airline sites: GET search with
// Jalali dates, Persian digits in the response.
type PersianAirlineAdapter struct {
	base
}

func (a *PersianAirlineAdapter) Search(ctx context.Context, q flight.SearchQuery) ([]RawPage, error) {
	var pages []RawPage
	err := a.env.Sessions.WithHTTP(ctx, a.site, func(s *session.HTTPSession) error {
		u, err := a.searchURL(q)
		if err != nil {
			return err
		}
		header := http.Header{}
		header.Set("Accept-Language", "fa-IR,fa;q=0.9")
		page, err := a.fetch(ctx, q, func(ctx context.Context) (*http.Response, error) {
			return s.Get(ctx, u, header)
		})
		if err != nil {
			return err
		}
		pages = append(pages, page)
		return nil
	})
	return pages, err
}

// ApiJsonAdapter drives JSON search APIs, including B2B reservation systems
// with credentialled access.
type ApiJsonAdapter struct {
	base
}

type apiSearchRequest struct {
	Origin        string `json:"origin"`
	Destination   string `json:"destination"`
	DepartureDate string `json:"departure_date"`
	ReturnDate    string `json:"return_date,omitempty"`
	Adults        int    `json:"adults"`
	Children      int    `json:"children,omitempty"`
	Infants       int    `json:"infants,omitempty"`
	CabinClass    string `json:"cabin_class,omitempty"`
}

func (a *ApiJsonAdapter) Search(ctx context.Context, q flight.SearchQuery) ([]RawPage, error) {
	req := apiSearchRequest{
		Origin:        q.Origin,
		Destination:   q.Destination,
		DepartureDate: a.formatDate(q.DepartureDate),
		Adults:        q.Adults,
		Children:      q.Children,
		Infants:       q.Infants,
		CabinClass:    q.CabinClass,
	}
	if !q.ReturnDate.IsZero() {
		req.ReturnDate = a.formatDate(q.ReturnDate)
	}

	var header http.Header
	if a.site.B2B != nil {
		header = credentialHeader(a.site.B2B.APIKey, a.site.B2B.Username, a.site.B2B.Password)
	}

	var pages []RawPage
	err := a.env.Sessions.WithHTTP(ctx, a.site, func(s *session.HTTPSession) error {
		page, err := a.fetch(ctx, q, func(ctx context.Context) (*http.Response, error) {
			return s.PostJSON(ctx, a.site.SearchURL, req, header)
		})
		if err != nil {
			return err
		}
		pages = append(pages, page)
		return nil
	})
	return pages, err
}

// credentialHeader builds the auth header from b2b_credentials.
func credentialHeader(apiKey, username, password string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	} else if username != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
	}
	return h
}

// JavaScriptHeavyAdapter renders the search page in a headless browser
// context and parses the settled DOM.
type JavaScriptHeavyAdapter struct {
	base
}

func (a *JavaScriptHeavyAdapter) Search(ctx context.Context, q flight.SearchQuery) ([]RawPage, error) {
	u, err := a.searchURL(q)
	if err != nil {
		return nil, err
	}

	host := a.site.Host()
	rlCfg := a.site.RateLimitConfig()
	if err := a.env.Limiter.Acquire(ctx, host, rlCfg); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, a.site.SiteID, err).WithHost(host)
	}

	var pages []RawPage
	err = a.env.Sessions.WithBrowser(ctx, a.site, func(b *session.BrowserSession) error {
		body, err := b.Render(ctx, u)
		if err != nil {
			a.env.Limiter.ReportFailure(host, rlCfg)
			return errs.Wrap(errs.KindNetwork, a.site.SiteID, err).WithHost(host)
		}
		page := RawPage{
			Query:     q,
			Body:      body,
			Status:    http.StatusOK,
			Phase:     parse.PhaseSearchResults,
			Bytes:     int64(len(body)),
			FetchedAt: time.Now().UTC(),
		}
		if kind, marker, blocked := parse.DetectBlock(body); blocked {
			a.env.Limiter.ReportFailure(host, rlCfg)
			page.Phase = parse.PhaseErrorPage
			pages = append(pages, page)
			return errs.New(kind, a.site.SiteID, "blocked: "+marker).WithHost(host)
		}
		a.env.Limiter.ReportSuccess(host, rlCfg)
		pages = append(pages, page)
		return nil
	})
	if err != nil {
		return pages, err
	}
	return pages, nil
}

// InternationalAggregatorAdapter drives meta-search sites that fan out to
// many booking agents; records come back tagged with their source.
type InternationalAggregatorAdapter struct {
	base
}

func (a *InternationalAggregatorAdapter) Search(ctx context.Context, q flight.SearchQuery) ([]RawPage, error) {
	var pages []RawPage
	err := a.env.Sessions.WithHTTP(ctx, a.site, func(s *session.HTTPSession) error {
		u, err := a.searchURL(q)
		if err != nil {
			return err
		}
		var header http.Header
		if a.site.B2B != nil {
			header = credentialHeader(a.site.B2B.APIKey, a.site.B2B.Username, a.site.B2B.Password)
		}
		page, err := a.fetch(ctx, q, func(ctx context.Context) (*http.Response, error) {
			return s.Get(ctx, u, header)
		})
		if err != nil {
			return err
		}
		pages = append(pages, page)
		return nil
	})
	return pages, err
}

// queryValues encodes a search query into the conventional form/query
// parameter names.
func (b *base) queryValues(q flight.SearchQuery) url.Values {
	v := url.Values{}
	v.Set("origin", q.Origin)
	v.Set("destination", q.Destination)
	v.Set("date", b.formatDate(q.DepartureDate))
	if !q.ReturnDate.IsZero() {
		v.Set("return_date", b.formatDate(q.ReturnDate))
	}
	v.Set("adults", strconv.Itoa(q.Adults))
	if q.Children > 0 {
		v.Set("children", strconv.Itoa(q.Children))
	}
	if q.Infants > 0 {
		v.Set("infants", strconv.Itoa(q.Infants))
	}
	if q.CabinClass != "" {
		v.Set("cabin", q.CabinClass)
	}
	return v
}

// searchURL appends the query parameters to the configured search URL.
func (b *base) searchURL(q flight.SearchQuery) (string, error) {
	u, err := url.Parse(b.site.SearchURL)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, b.site.SiteID, err)
	}
	params := u.Query()
	for k, vs := range b.queryValues(q) {
		for _, v := range vs {
			params.Set(k, v)
		}
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}
