package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parvazhub/parvaz-crawler/breaker"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/normalize"
	"github.com/parvazhub/parvaz-crawler/ratelimit"
	"github.com/parvazhub/parvaz-crawler/retry"
)

// CrawlerKind selects the adapter implementation for a site.
type CrawlerKind string

const (
	KindHTMLForm   CrawlerKind = "html-form"
	KindAPIJSON    CrawlerKind = "api-json"
	KindJSHeavy    CrawlerKind = "javascript-heavy"
	KindPersian    CrawlerKind = "persian-airline"
	KindAggregator CrawlerKind = "international-aggregator"
)

var knownKinds = map[CrawlerKind]bool{
	KindHTMLForm:   true,
	KindAPIJSON:    true,
	KindJSHeavy:    true,
	KindPersian:    true,
	KindAggregator: true,
}

// RateLimitSpec is the per-site rate limit section.
type RateLimitSpec struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	CooldownSeconds   int     `json:"cooldown_seconds"`
}

// RetrySpec is the per-site retry section.
type RetrySpec struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
}

// BreakerSpec is the per-site circuit breaker section.
type BreakerSpec struct {
	FailureThreshold int `json:"failure_threshold"`
	ResetSeconds     int `json:"reset_seconds"`
}

// ErrorHandlingSpec groups retry and breaker settings.
type ErrorHandlingSpec struct {
	Retry          RetrySpec   `json:"retry"`
	CircuitBreaker BreakerSpec `json:"circuit_breaker"`
}

// ExtractionSpec maps canonical field names to site locators.
type ExtractionSpec struct {
	Container      string            `json:"container"`
	Fields         map[string]string `json:"fields"`
	RequiredFields []string          `json:"required_fields"`
}

// ValidationSpec declares the site's value ranges and currency handling.
type ValidationSpec struct {
	PriceMin        int64             `json:"price_min"`
	PriceMax        int64             `json:"price_max"`
	DefaultCurrency string            `json:"default_currency"`
	CurrencyAliases map[string]string `json:"currency_aliases"`
}

// PersianSpec enables Persian text processing for a site.
type PersianSpec struct {
	Enabled        bool              `json:"enabled"`
	JalaliCalendar bool              `json:"jalali_calendar"`
	AirlineNames   map[string]string `json:"airline_names"` // variant -> "Name|CODE"
}

// ProxySpec routes a site's requests through a proxy.
type ProxySpec struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// BrowserSpec tunes headless browser usage for javascript-heavy sites.
type BrowserSpec struct {
	MaxPages     int `json:"max_pages"`
	PageMemoryMB int `json:"page_memory_mb"`
}

// MonitoringSpec carries per-site monitoring knobs; the core only reads the
// slow-request threshold for event annotations.
type MonitoringSpec struct {
	SlowRequestMS int `json:"slow_request_ms"`
}

// Credentials optionally hold B2B API credentials; values may use ${ENV}
// placeholders resolved at load time.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"api_key"`
}

// SiteConfig is one site's immutable crawl configuration.
type SiteConfig struct {
	SiteID        string            `json:"site_id"`
	Name          string            `json:"name"`
	SearchURL     string            `json:"search_url"`
	CrawlerType   CrawlerKind       `json:"crawler_type"`
	Language      string            `json:"language"`
	Enabled       *bool             `json:"enabled"`
	RateLimit     RateLimitSpec     `json:"rate_limit"`
	Extraction    ExtractionSpec    `json:"extraction_config"`
	Validation    ValidationSpec    `json:"data_validation"`
	ErrorHandling ErrorHandlingSpec `json:"error_handling"`
	Monitoring    MonitoringSpec    `json:"monitoring"`
	Persian       *PersianSpec      `json:"persian_processing,omitempty"`
	Proxy         *ProxySpec        `json:"proxy_config,omitempty"`
	Browser       *BrowserSpec      `json:"browser_config,omitempty"`
	B2B           *Credentials      `json:"b2b_credentials,omitempty"`

	host string
}

var siteIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// IsEnabled reports whether the site may be dispatched. Sites default to
// enabled when the flag is absent.
func (s *SiteConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Host returns the network authority (host:port) behind the site.
func (s *SiteConfig) Host() string { return s.host }

// RateLimitConfig converts the JSON spec to the limiter's config type.
func (s *SiteConfig) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: s.RateLimit.RequestsPerSecond,
		Burst:             s.RateLimit.Burst,
		Cooldown:          time.Duration(s.RateLimit.CooldownSeconds) * time.Second,
	}
}

// BreakerConfig converts the JSON spec to the breaker's config type.
func (s *SiteConfig) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: s.ErrorHandling.CircuitBreaker.FailureThreshold,
		ResetTimeout:     time.Duration(s.ErrorHandling.CircuitBreaker.ResetSeconds) * time.Second,
	}
}

// RetryPolicy converts the JSON spec to the retry policy, adding the rate
// limit cooldown.
func (s *SiteConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       s.ErrorHandling.Retry.MaxAttempts,
		BaseDelay:         time.Duration(s.ErrorHandling.Retry.BaseDelayMS) * time.Millisecond,
		RateLimitCooldown: time.Duration(s.RateLimit.CooldownSeconds) * time.Second,
	}
}

// AirlineMap builds the canonical airline map from the persian_processing
// section, nil when the site declares none. Values use "Name|CODE" form.
func (s *SiteConfig) AirlineMap() *normalize.AirlineMap {
	if s.Persian == nil || len(s.Persian.AirlineNames) == 0 {
		return nil
	}
	entries := make(map[string]normalize.Airline, len(s.Persian.AirlineNames))
	for variant, v := range s.Persian.AirlineNames {
		name, code, _ := strings.Cut(v, "|")
		entries[variant] = normalize.Airline{Name: strings.TrimSpace(name), Code: strings.TrimSpace(code)}
	}
	return normalize.NewAirlineMap(entries)
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// resolvePlaceholders substitutes ${NAME} from the environment across the
// raw document. Every placeholder must resolve.
func resolvePlaceholders(raw []byte) ([]byte, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := placeholderPattern.FindSubmatch(m)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok {
			missing = append(missing, string(name))
			return m
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		return nil, errs.New(errs.KindConfig, "", fmt.Sprintf("unresolved placeholders: %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

// ParseSite parses and validates one site-config document.
func ParseSite(raw []byte) (*SiteConfig, error) {
	resolved, err := resolvePlaceholders(raw)
	if err != nil {
		return nil, err
	}

	// The legacy key "rate_limiting" is rejected outright instead of being
	// silently ignored next to "rate_limit".
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(resolved, &keys); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "", fmt.Errorf("invalid site config: %w", err))
	}
	if _, ok := keys["rate_limiting"]; ok {
		return nil, errs.New(errs.KindConfig, "", `unknown key "rate_limiting": use "rate_limit"`)
	}

	var sc SiteConfig
	if err := json.Unmarshal(resolved, &sc); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "", fmt.Errorf("invalid site config: %w", err))
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(sc.SearchURL)
	if err != nil || u.Host == "" {
		return nil, errs.New(errs.KindConfig, sc.SiteID, fmt.Sprintf("invalid search_url %q", sc.SearchURL))
	}
	sc.host = u.Host
	return &sc, nil
}

func (s *SiteConfig) validate() error {
	if !siteIDPattern.MatchString(s.SiteID) {
		return errs.New(errs.KindConfig, s.SiteID, fmt.Sprintf("site_id %q must match [a-z0-9_]+", s.SiteID))
	}
	if s.Name == "" {
		return errs.New(errs.KindConfig, s.SiteID, "name is required")
	}
	if !knownKinds[s.CrawlerType] {
		return errs.New(errs.KindConfig, s.SiteID, fmt.Sprintf("unknown crawler_type %q", s.CrawlerType))
	}
	if s.Language == "" {
		return errs.New(errs.KindConfig, s.SiteID, "language is required")
	}
	if s.RateLimit.RequestsPerSecond <= 0 {
		return errs.New(errs.KindConfig, s.SiteID, "rate_limit.requests_per_second must be positive")
	}
	if len(s.Extraction.Fields) == 0 {
		return errs.New(errs.KindConfig, s.SiteID, "extraction_config.fields is empty")
	}
	for _, req := range s.Extraction.RequiredFields {
		if _, ok := s.Extraction.Fields[req]; !ok {
			return errs.New(errs.KindConfig, s.SiteID, fmt.Sprintf("required field %q has no locator", req))
		}
	}
	if s.Validation.PriceMax > 0 && s.Validation.PriceMin > s.Validation.PriceMax {
		return errs.New(errs.KindConfig, s.SiteID, "data_validation price range is inverted")
	}
	return nil
}

// SiteRegistry holds the loaded site set. Reload swaps the whole set
// atomically; configs already handed out stay valid for in-flight crawls.
type SiteRegistry struct {
	mu    sync.RWMutex
	sites map[string]*SiteConfig
	dir   string
}

// LoadSites reads every *.json document in dir into a registry.
func LoadSites(dir string) (*SiteRegistry, error) {
	r := &SiteRegistry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the config directory. On any error the previous site set
// is kept untouched.
func (r *SiteRegistry) Reload() error {
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return errs.Wrap(errs.KindConfig, "", err)
	}
	next := make(map[string]*SiteConfig, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(errs.KindConfig, "", fmt.Errorf("%s: %w", path, err))
		}
		sc, err := ParseSite(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if _, dup := next[sc.SiteID]; dup {
			return errs.New(errs.KindConfig, sc.SiteID, "duplicate site_id")
		}
		next[sc.SiteID] = sc
	}

	r.mu.Lock()
	r.sites = next
	r.mu.Unlock()
	return nil
}

// Get returns the config for a site id.
func (r *SiteRegistry) Get(siteID string) (*SiteConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.sites[siteID]
	return sc, ok
}

// All returns every loaded site config sorted by site id.
func (r *SiteRegistry) All() []*SiteConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SiteConfig, 0, len(r.sites))
	for _, sc := range r.sites {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

// Enabled returns every enabled site config sorted by site id.
func (r *SiteRegistry) Enabled() []*SiteConfig {
	all := r.All()
	out := all[:0]
	for _, sc := range all {
		if sc.IsEnabled() {
			out = append(out, sc)
		}
	}
	return out
}
