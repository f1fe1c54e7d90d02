// Package session owns the scoped network resources adapters borrow for one
// site crawl: pooled HTTP clients per host and a bounded headless browser
// pool for javascript-heavy sites. Release is guaranteed through the With
// helpers on every exit path.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
)

const dnsTTL = 300 * time.Second

// Manager hands out HTTP and browser sessions. Safe for concurrent use.
type Manager struct {
	cfg config.SessionConfig

	mu      sync.Mutex
	clients map[string]*hostClient
	dns     *dnsCache

	browsers *browserPool
}

type hostClient struct {
	client   *retryablehttp.Client
	borrowed int
}

// NewManager builds a session manager from the process configuration.
func NewManager(cfg config.SessionConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		clients:  map[string]*hostClient{},
		dns:      newDNSCache(dnsTTL),
		browsers: newBrowserPool(cfg),
	}
}

// AcquireHTTP borrows the pooled client for a site's host. The same host
// shares one client so connections are reused across crawls; sites routed
// through a proxy get their own client.
func (m *Manager) AcquireHTTP(ctx context.Context, sc *config.SiteConfig) (*HTTPSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, sc.SiteID, err)
	}
	key := sc.Host()
	if sc.Proxy != nil && sc.Proxy.Enabled {
		key += "|" + sc.Proxy.URL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	hc, ok := m.clients[key]
	if !ok {
		client, err := m.newClient(sc)
		if err != nil {
			return nil, err
		}
		hc = &hostClient{client: client}
		m.clients[key] = hc
	}
	hc.borrowed++
	return &HTTPSession{
		host:      sc.Host(),
		userAgent: m.cfg.UserAgent,
		client:    hc.client,
		release:   func() { m.releaseHTTP(key) },
	}, nil
}

// WithHTTP runs fn with a borrowed client and releases it on every exit path.
func (m *Manager) WithHTTP(ctx context.Context, sc *config.SiteConfig, fn func(*HTTPSession) error) error {
	s, err := m.AcquireHTTP(ctx, sc)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

func (m *Manager) releaseHTTP(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hc, ok := m.clients[key]; ok && hc.borrowed > 0 {
		hc.borrowed--
	}
}

// Shutdown force-closes idle connections and live browsers. Called when the
// crawl's shutdown window expires and workers are abandoned.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, hc := range m.clients {
		hc.client.HTTPClient.CloseIdleConnections()
	}
	m.mu.Unlock()
	m.browsers.closeAll()
}

// transportRetryPolicy retries connection-level failures once and leaves
// every HTTP status to the caller; status classification and backoff happen
// at the adapter boundary.
func transportRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return false, nil
}

func (m *Manager) newClient(sc *config.SiteConfig) (*retryablehttp.Client, error) {
	transport := &http.Transport{
		DialContext: m.dns.dialContext(&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: m.cfg.KeepAlive,
		}),
		MaxIdleConns:        m.cfg.MaxConns,
		MaxConnsPerHost:     m.cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: m.cfg.MaxConnsPerHost,
		IdleConnTimeout:     m.cfg.KeepAlive,
		ForceAttemptHTTP2:   true,
	}
	if sc.Proxy != nil && sc.Proxy.Enabled {
		proxyURL, err := url.Parse(sc.Proxy.URL)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, sc.SiteID, fmt.Errorf("proxy url: %w", err))
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.CheckRetry = transportRetryPolicy
	client.HTTPClient.Transport = transport
	return client, nil
}

// HTTPSession is one borrowed client handle, bound to a host.
type HTTPSession struct {
	host      string
	userAgent string
	client    *retryablehttp.Client
	release   func()
	once      sync.Once
}

// Host returns the host the session is bound to.
func (s *HTTPSession) Host() string { return s.host }

// Release returns the client to the pool. Safe to call more than once.
func (s *HTTPSession) Release() { s.once.Do(s.release) }

// Get issues a GET with the configured user agent. Extra headers are
// optional.
func (s *HTTPSession) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req, header)
	return s.client.Do(req)
}

// PostForm issues an application/x-www-form-urlencoded POST.
func (s *HTTPSession) PostForm(ctx context.Context, rawURL string, form url.Values) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req, nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.client.Do(req)
}

// PostJSON issues an application/json POST with the marshalled payload.
func (s *HTTPSession) PostJSON(ctx context.Context, rawURL string, payload any, header http.Header) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req, header)
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

func (s *HTTPSession) applyHeaders(req *retryablehttp.Request, header http.Header) {
	req.Header.Set("User-Agent", s.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// dnsCache caches resolved addresses so crawl bursts do not hammer the
// resolver. Entries expire after the TTL.
type dnsCache struct {
	ttl    time.Duration
	lookup func(ctx context.Context, host string) ([]string, error)
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

func newDNSCache(ttl time.Duration) *dnsCache {
	return &dnsCache{
		ttl:     ttl,
		lookup:  net.DefaultResolver.LookupHost,
		now:     time.Now,
		entries: map[string]dnsEntry{},
	}
}

func (c *dnsCache) resolve(ctx context.Context, host string) ([]string, error) {
	c.mu.Lock()
	if e, ok := c.entries[host]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.addrs, nil
	}
	c.mu.Unlock()

	addrs, err := c.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return addrs, nil
}

func (c *dnsCache) dialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return d.DialContext(ctx, network, addr)
		}
		if net.ParseIP(host) != nil {
			return d.DialContext(ctx, network, addr)
		}
		addrs, err := c.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, a := range addrs {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(a, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, lastErr
	}
}
