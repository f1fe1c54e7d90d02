package session

import (
	"context"
	"runtime"
	"sync"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
)

// Browser drives one headless browser context. The crawl core does not
// bundle a browser runtime; deployments register one through
// RegisterBrowserFactory at startup.
type Browser interface {
	Render(ctx context.Context, url string) ([]byte, error)
	MemoryMB() int
	Close() error
}

// BrowserFactory creates a fresh browser context.
type BrowserFactory func(ctx context.Context) (Browser, error)

type browserSlot struct {
	browser Browser
	pages   int
}

// browserPool bounds the number of live browser contexts and recycles them
// when their page count or memory use exceeds budget.
type browserPool struct {
	cfg     config.SessionConfig
	factory BrowserFactory
	sem     chan struct{}

	mu     sync.Mutex
	slots  []*browserSlot
	free   []int
	heapMB func() int
}

func newBrowserPool(cfg config.SessionConfig) *browserPool {
	n := cfg.BrowserContexts
	if n <= 0 {
		n = 4
	}
	p := &browserPool{
		cfg:    cfg,
		sem:    make(chan struct{}, n),
		slots:  make([]*browserSlot, n),
		heapMB: processHeapMB,
	}
	for i := range p.slots {
		p.slots[i] = &browserSlot{}
		p.free = append(p.free, i)
	}
	return p
}

func processHeapMB() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int(ms.HeapAlloc / (1 << 20))
}

// RegisterBrowserFactory installs the browser runtime. Must be called before
// the first javascript-heavy crawl.
func (m *Manager) RegisterBrowserFactory(f BrowserFactory) {
	m.browsers.mu.Lock()
	m.browsers.factory = f
	m.browsers.mu.Unlock()
}

// AcquireBrowser borrows a browser context. Acquisition is refused while the
// process memory watermark is exceeded so a stuck site cannot push the
// process over its budget.
func (m *Manager) AcquireBrowser(ctx context.Context, sc *config.SiteConfig) (*BrowserSession, error) {
	p := m.browsers

	p.mu.Lock()
	factory := p.factory
	p.mu.Unlock()
	if factory == nil {
		return nil, errs.New(errs.KindConfig, sc.SiteID, "no browser runtime registered")
	}
	if p.overWatermark() {
		return nil, errs.New(errs.KindNetwork, sc.SiteID, "browser pool: memory watermark exceeded")
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, sc.SiteID, ctx.Err())
	}

	p.mu.Lock()
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	slot := p.slots[idx]
	p.mu.Unlock()

	if slot.browser == nil {
		b, err := factory(ctx)
		if err != nil {
			p.putBack(idx)
			return nil, errs.Wrap(errs.KindInternal, sc.SiteID, err)
		}
		slot.browser = b
	}

	s := &BrowserSession{pool: p, slot: slot, idx: idx, siteID: sc.SiteID}
	s.pageBudget = p.cfg.BrowserPageBudget
	if sc.Browser != nil && sc.Browser.MaxPages > 0 {
		s.pageBudget = sc.Browser.MaxPages
	}
	if sc.Browser != nil {
		s.memBudgetMB = sc.Browser.PageMemoryMB
	}
	return s, nil
}

// WithBrowser runs fn with a borrowed browser and releases it on every exit
// path.
func (m *Manager) WithBrowser(ctx context.Context, sc *config.SiteConfig, fn func(*BrowserSession) error) error {
	s, err := m.AcquireBrowser(ctx, sc)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

func (p *browserPool) overWatermark() bool {
	if p.cfg.MemoryWatermarkMB <= 0 {
		return false
	}
	total := p.heapMB()
	p.mu.Lock()
	for _, slot := range p.slots {
		if slot.browser != nil {
			total += slot.browser.MemoryMB()
		}
	}
	p.mu.Unlock()
	return total >= p.cfg.MemoryWatermarkMB
}

func (p *browserPool) putBack(idx int) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.mu.Unlock()
	<-p.sem
}

func (p *browserPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		if slot.browser != nil {
			_ = slot.browser.Close()
			slot.browser = nil
			slot.pages = 0
		}
	}
}

// BrowserSession is one borrowed browser context.
type BrowserSession struct {
	pool        *browserPool
	slot        *browserSlot
	idx         int
	siteID      string
	pageBudget  int
	memBudgetMB int
	once        sync.Once
}

// Render loads a page and returns its rendered HTML. Contexts over their
// page or memory budget are recycled first.
func (s *BrowserSession) Render(ctx context.Context, url string) ([]byte, error) {
	if err := s.maybeRecycle(ctx); err != nil {
		return nil, err
	}
	s.slot.pages++
	body, err := s.slot.browser.Render(ctx, url)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *BrowserSession) maybeRecycle(ctx context.Context) error {
	slot := s.slot
	if slot.browser == nil {
		return s.respawn(ctx)
	}
	over := s.pageBudget > 0 && slot.pages >= s.pageBudget
	if !over && s.memBudgetMB > 0 && slot.browser.MemoryMB() >= s.memBudgetMB {
		over = true
	}
	if !over {
		return nil
	}
	_ = slot.browser.Close()
	slot.browser = nil
	slot.pages = 0
	return s.respawn(ctx)
}

func (s *BrowserSession) respawn(ctx context.Context) error {
	s.pool.mu.Lock()
	factory := s.pool.factory
	s.pool.mu.Unlock()
	b, err := factory(ctx)
	if err != nil {
		return errs.Wrap(errs.KindInternal, s.siteID, err)
	}
	s.slot.browser = b
	return nil
}

// Release returns the context to the pool. Safe to call more than once.
func (s *BrowserSession) Release() {
	s.once.Do(func() { s.pool.putBack(s.idx) })
}
