package adapters

import (
	"fmt"
	"sync"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/errs"
	"github.com/parvazhub/parvaz-crawler/parse"
)

// Builder constructs one adapter kind from a wired base.
type Builder func(b base) Adapter

// Factory builds fully-wired adapters from site configs. Registration is
// open at startup and closed by Seal; New fails with a config error on an
// unknown crawler kind.
type Factory struct {
	env Env

	mu       sync.Mutex
	builders map[config.CrawlerKind]Builder
	sealed   bool
}

// NewFactory creates a factory with the five built-in kinds registered.
func NewFactory(env Env) *Factory {
	f := &Factory{env: env, builders: map[config.CrawlerKind]Builder{}}
	f.builders[config.KindHTMLForm] = func(b base) Adapter { return &HtmlFormAdapter{base: b} }
	f.builders[config.KindPersian] = func(b base) Adapter { return &PersianAirlineAdapter{base: b} }
	f.builders[config.KindAPIJSON] = func(b base) Adapter { return &ApiJsonAdapter{base: b} }
	f.builders[config.KindJSHeavy] = func(b base) Adapter { return &JavaScriptHeavyAdapter{base: b} }
	f.builders[config.KindAggregator] = func(b base) Adapter { return &InternationalAggregatorAdapter{base: b} }
	return f
}

// Register adds a custom adapter kind. Fails after Seal or on a duplicate
// kind.
func (f *Factory) Register(kind config.CrawlerKind, b Builder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return errs.New(errs.KindConfig, "", "adapter registry is sealed")
	}
	if _, dup := f.builders[kind]; dup {
		return errs.New(errs.KindConfig, "", fmt.Sprintf("adapter kind %q already registered", kind))
	}
	f.builders[kind] = b
	return nil
}

// Seal closes registration. Called once startup wiring is complete.
func (f *Factory) Seal() {
	f.mu.Lock()
	f.sealed = true
	f.mu.Unlock()
}

// New builds the adapter for a site, wiring its parse strategy and the
// shared machinery.
func (f *Factory) New(sc *config.SiteConfig) (Adapter, error) {
	f.mu.Lock()
	builder, ok := f.builders[sc.CrawlerType]
	f.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindConfig, sc.SiteID, fmt.Sprintf("unknown crawler_type %q", sc.CrawlerType))
	}
	strategy, err := parse.New(sc)
	if err != nil {
		return nil, err
	}
	return builder(base{site: sc, env: f.env, strategy: strategy}), nil
}
