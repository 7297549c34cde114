package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/llagos04/products-scrapper/internal/classifier"
	"github.com/llagos04/products-scrapper/internal/config"
	"github.com/llagos04/products-scrapper/internal/extractor"
	"github.com/llagos04/products-scrapper/internal/fetcher"
	"github.com/llagos04/products-scrapper/internal/results"
	robotsclient "github.com/llagos04/products-scrapper/internal/robots"
	"github.com/llagos04/products-scrapper/internal/sitemap"
	"github.com/llagos04/products-scrapper/pkg/types"
)

// Engine orchestrates discovery, title screening, classification,
// extraction, and persistence for one shop.
type Engine struct {
	cfg       config.Config
	root      *url.URL
	fetcher   fetcher.Fetcher
	robots    *robotsclient.Agent
	resolver  *sitemap.Resolver
	extractor *extractor.Extractor
	selector  classifier.Selector
	store     *results.Store
	sqlSink   *results.SQLWriter
	limiter   *DomainLimiter
	logger    *slog.Logger

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	root, err := url.Parse(cfg.Crawl.RootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
		Concurrency:  cfg.Crawl.ConcurrentRequests,
		MaxRetries:   cfg.Crawl.MaxRetries,
		RetryBackoff: cfg.Crawl.RetryBackoff.Duration,
		Retry429:     cfg.Crawl.UseRateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	var renderer fetcher.Renderer
	if cfg.Rendering.Enabled {
		renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            cfg.Rendering.Timeout.Duration,
			WaitForSelector:    cfg.Rendering.WaitForSelector,
			UserAgent:          cfg.Crawl.UserAgent,
			MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
			DisableHeadless:    cfg.Rendering.DisableHeadless,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		})
	}
	composite := fetcher.NewComposite(httpFetcher, renderer)

	robots := robotsclient.NewAgent(cfg.Robots, httpFetcher.Client())
	resolver := sitemap.NewResolver(httpFetcher.Client(), robots, cfg.Crawl.UserAgent, cfg.Crawl.MaxSitemapDepth, logger)

	var selector classifier.Selector = classifier.PassThrough{}
	if cfg.Classifier.Enabled {
		llm, err := classifier.NewLLMSelector(cfg.Classifier, logger)
		if err != nil {
			return nil, err
		}
		selector = llm
	}

	store, err := results.Open(cfg.Results.Directory, cfg.Crawl.RootURL, cfg.Results.Resume, logger)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	var sqlSink *results.SQLWriter
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlSink, err = results.NewSQLWriter(cfg.DB)
		if err != nil {
			return nil, err
		}
		closers = append(closers, sqlSink.Close)
	}

	var rateCfg RateLimiterSettings
	if cfg.Crawl.UseRateLimit && cfg.Crawl.RateLimitPerDomain.Enabled() {
		rateCfg = RateLimiterSettings{
			Requests: cfg.Crawl.RateLimitPerDomain.Requests,
			Window:   cfg.Crawl.RateLimitPerDomain.Window.Duration,
		}
	}
	limiter := NewDomainLimiter(cfg.Crawl.PerDomainDelay.Duration, rateCfg)

	return &Engine{
		cfg:       cfg,
		root:      root,
		fetcher:   composite,
		robots:    robots,
		resolver:  resolver,
		extractor: extractor.New(cfg.Site),
		selector:  selector,
		store:     store,
		sqlSink:   sqlSink,
		limiter:   limiter,
		logger:    logger,
		closers:   closers,
	}, nil
}

// Store exposes the result store, mainly for final reporting.
func (e *Engine) Store() *results.Store { return e.store }

// Run discovers candidate URLs and works through them in batches until
// the product target is reached, the candidates run out, or the
// context is cancelled. Buffered results are flushed before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	e.logger.Info("starting crawl",
		"root_url", e.root.String(),
		"target_products", e.cfg.Crawl.TargetProducts,
		"execution", e.store.Execution(),
		"results_dir", e.store.Dir())

	candidates, err := e.discover(ctx)
	if err != nil {
		return errors.Join(err, e.store.Flush())
	}
	e.logger.Info("discovery finished", "candidates", len(candidates))

	iteration := 0
	for len(candidates) > 0 && e.store.TotalProducts() < e.cfg.Crawl.TargetProducts {
		if ctx.Err() != nil {
			e.logger.Warn("crawl interrupted, flushing results")
			return errors.Join(ctx.Err(), e.store.Flush())
		}
		iteration++

		batch := candidates
		if len(batch) > e.cfg.Crawl.BatchSize {
			batch = batch[:e.cfg.Crawl.BatchSize]
		}
		candidates = candidates[len(batch):]

		start := time.Now()
		if err := e.runIteration(ctx, iteration, batch); err != nil {
			if ctx.Err() != nil {
				e.logger.Warn("crawl interrupted, flushing results")
				return errors.Join(ctx.Err(), e.store.Flush())
			}
			e.logger.Error("iteration failed", "iteration", iteration, "error", err)
		}
		e.logger.Info("iteration finished",
			"iteration", iteration,
			"batch", len(batch),
			"total_products", e.store.TotalProducts(),
			"elapsed", time.Since(start))
	}

	if err := e.store.Flush(); err != nil {
		return err
	}
	inStock, withoutStock, discarded := e.store.Totals()
	e.logger.Info("crawl finished",
		"in_stock", inStock,
		"without_stock", withoutStock,
		"discarded", discarded)
	return nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

// discover produces the candidate URL list: sitemap entries when
// available, otherwise a breadth-first walk from the root.
func (e *Engine) discover(ctx context.Context) ([]string, error) {
	var urls []string
	if e.cfg.Crawl.CheckSitemap {
		groups := e.resolver.Resolve(ctx, e.root)
		for _, g := range groups {
			urls = append(urls, g.URLs...)
		}
		e.logger.Info("sitemap resolution done", "sitemaps", len(groups), "urls", len(urls))
	}

	frontier := NewFrontier(e.root, FrontierOptions{
		IncludeSubdomains: e.cfg.Crawl.IncludeSubdomains,
		IgnoreURLsWith:    e.cfg.Crawl.IgnoreURLsWith,
		IgnoreLinks:       e.cfg.Crawl.IgnoreLinks,
	})

	if len(urls) > 0 {
		// Root seed is dropped; sitemap URLs replace crawling entirely.
		frontier.Next()
		var scoped []string
		for _, raw := range urls {
			if frontier.Admit(raw, e.root) {
				u, ok := frontier.Next()
				if !ok {
					continue
				}
				scoped = append(scoped, u.String())
			}
		}
		return e.filterProcessed(scoped), nil
	}

	e.logger.Info("no sitemap URLs, walking site", "max_urls", e.cfg.Crawl.MaxURLs)
	walker := NewWalker(frontier, e.fetcher, e.robotsChecker(), e.limiter, WalkerOptions{
		Concurrency: e.cfg.Worker.Concurrency,
		MaxURLs:     e.cfg.Crawl.MaxURLs,
		Render:      e.cfg.Rendering.Enabled,
	}, e.logger)
	walked, err := walker.Walk(ctx)
	if err != nil {
		return nil, err
	}
	return e.filterProcessed(walked), nil
}

func (e *Engine) robotsChecker() RobotsChecker {
	if !e.cfg.Robots.Respect {
		return nil
	}
	return e.robots
}

// filterProcessed drops URLs already journalled by an earlier run into
// the same execution directory.
func (e *Engine) filterProcessed(urls []string) []string {
	lines, err := e.store.ProcessedURLs()
	if err != nil {
		e.logger.Warn("cannot read processed urls", "error", err)
		return urls
	}
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		// Journal lines read "title: url"; the URL follows the last
		// colon-space separator.
		if idx := strings.LastIndex(line, ": "); idx >= 0 {
			seen[line[idx+2:]] = struct{}{}
		}
	}

	var out []string
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (e *Engine) runIteration(ctx context.Context, iteration int, batch []string) error {
	pairs := e.fetchTitles(ctx, batch)
	if err := e.store.SaveURLTitles(pairs); err != nil {
		return err
	}

	candidates := e.screenCandidates(pairs)
	if len(candidates) == 0 {
		e.logger.Info("no new titles in batch", "iteration", iteration)
		return nil
	}

	selected, err := e.selector.SelectProducts(ctx, candidates)
	if err != nil {
		return err
	}
	e.logger.Info("classifier selected product pages",
		"iteration", iteration,
		"candidates", len(candidates),
		"selected", len(selected))
	if len(selected) == 0 {
		return nil
	}

	inStock, withoutStock, discarded := e.fetchProducts(ctx, selected)
	added, err := e.store.Append(inStock, withoutStock, discarded)
	if err != nil {
		return err
	}
	if err := e.store.Flush(); err != nil {
		return err
	}
	e.logger.Info("batch persisted", "iteration", iteration, "added", added)

	if e.sqlSink != nil {
		for _, p := range append(inStock, withoutStock...) {
			if err := e.sqlSink.SaveProduct(ctx, p); err != nil {
				e.logger.Error("sql sink write failed", "title", p.Title, "error", err)
			}
		}
	}
	return nil
}

// fetchTitles resolves a title for every batch URL concurrently. URLs
// that fail to fetch or yield no title still appear in the result with
// the not-found sentinel so the journal records them as processed.
func (e *Engine) fetchTitles(ctx context.Context, urls []string) []types.URLTitle {
	pairs := make([]types.URLTitle, len(urls))
	var wg sync.WaitGroup
	for i, raw := range urls {
		wg.Add(1)
		go func(i int, raw string) {
			defer wg.Done()
			pairs[i] = types.URLTitle{URL: raw, Title: e.fetchTitle(ctx, raw)}
		}(i, raw)
	}
	wg.Wait()
	return pairs
}

func (e *Engine) fetchTitle(ctx context.Context, raw string) string {
	doc, err := e.fetchDocument(ctx, raw)
	if err != nil {
		e.logger.Debug("title fetch failed", "url", raw, "error", err)
		return types.TitleNotFound
	}
	return e.extractor.Title(doc)
}

func (e *Engine) fetchDocument(ctx context.Context, raw string) (*goquery.Document, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if e.cfg.Robots.Respect && !e.robots.Allowed(ctx, u) {
		return nil, fmt.Errorf("blocked by robots.txt")
	}
	if err := e.limiter.Wait(ctx, u.Hostname()); err != nil {
		return nil, err
	}
	page, err := e.fetcher.Fetch(ctx, types.FetchRequest{URL: u, Render: e.cfg.Rendering.Enabled})
	if err != nil {
		e.limiter.HoldAfterRateLimit(u.Hostname(), err)
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// screenCandidates keeps pairs with a fresh, resolvable title: batch
// duplicates collapse to the first URL and journalled titles from
// earlier iterations are skipped.
func (e *Engine) screenCandidates(pairs []types.URLTitle) []types.URLTitle {
	processed, err := e.store.ProcessedTitles()
	if err != nil {
		e.logger.Warn("cannot read processed titles", "error", err)
	}
	known := make(map[string]struct{}, len(processed))
	for _, t := range processed {
		known[t] = struct{}{}
	}

	var out []types.URLTitle
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if p.Title == types.TitleNotFound {
			continue
		}
		if _, ok := seen[p.Title]; ok {
			continue
		}
		seen[p.Title] = struct{}{}
		if _, ok := known[p.Title]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// fetchProducts extracts full product records for the selected URLs
// and splits them by classification.
func (e *Engine) fetchProducts(ctx context.Context, urls []string) (inStock, withoutStock, discarded []types.Product) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, raw := range urls {
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			doc, err := e.fetchDocument(ctx, raw)
			if err != nil {
				e.logger.Warn("product fetch failed", "url", raw, "error", err)
				return
			}
			ext := e.extractor.Extract(doc)
			product := types.Product{
				URL:         raw,
				Title:       ext.Title,
				Price:       ext.Price,
				Description: ext.Description,
				ImageURL:    ext.ImageURL,
				InStock:     ext.InStock,
			}

			mu.Lock()
			defer mu.Unlock()
			switch ext.Class {
			case types.Discarded:
				discarded = append(discarded, product)
			case types.WithoutStock:
				withoutStock = append(withoutStock, product)
			default:
				inStock = append(inStock, product)
			}
		}(raw)
	}
	wg.Wait()
	return inStock, withoutStock, discarded
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
