package crawler

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/llagos04/products-scrapper/internal/fetcher"
	"github.com/llagos04/products-scrapper/pkg/types"
)

// RobotsChecker gates URLs on robots.txt rules.
type RobotsChecker interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// WalkerOptions sizes the fallback breadth-first crawl.
type WalkerOptions struct {
	Concurrency int
	MaxURLs     int
	Render      bool
}

// Walker is the breadth-first fallback traversal used when sitemap
// resolution yields nothing. It fetches pages, extracts same-domain
// anchors into the frontier, and stops once MaxURLs pages have been
// dequeued.
type Walker struct {
	frontier *Frontier
	fetcher  fetcher.Fetcher
	robots   RobotsChecker
	limiter  *DomainLimiter
	opts     WalkerOptions
	logger   *slog.Logger

	pool    *WorkerPool
	mu      sync.Mutex
	results []string
}

// NewWalker builds a walker over a session-scoped frontier.
func NewWalker(frontier *Frontier, f fetcher.Fetcher, robots RobotsChecker, limiter *DomainLimiter, opts WalkerOptions, logger *slog.Logger) *Walker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		frontier: frontier,
		fetcher:  f,
		robots:   robots,
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
	}
}

// Walk drains the frontier until it is empty, the URL budget is
// reached, or the context is cancelled. It returns the successfully
// visited URLs in completion order.
func (w *Walker) Walk(ctx context.Context) ([]string, error) {
	pool, err := NewWorkerPool(w.frontier, w.opts.Concurrency, w.opts.MaxURLs, w.visit)
	if err != nil {
		return nil, err
	}
	w.pool = pool
	if err := pool.Run(ctx); err != nil {
		return w.snapshot(), err
	}
	return w.snapshot(), nil
}

func (w *Walker) visit(ctx context.Context, u *url.URL) {
	if ctx.Err() != nil {
		return
	}

	if w.robots != nil && !w.robots.Allowed(ctx, u) {
		w.logger.Debug("blocked by robots", "url", u.String())
		return
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, u.Hostname()); err != nil {
			return
		}
	}

	page, err := w.fetcher.Fetch(ctx, types.FetchRequest{URL: u, Render: w.opts.Render})
	if err != nil {
		if w.limiter.HoldAfterRateLimit(u.Hostname(), err) {
			w.logger.Warn("host rate limited, holding off", "url", u.String())
		} else {
			w.logger.Warn("walker fetch failed", "url", u.String(), "error", err)
		}
		return
	}
	if !strings.Contains(strings.ToLower(page.ContentType), "text/html") {
		w.logger.Debug("skipping non-HTML response", "url", u.String(), "content_type", page.ContentType)
		return
	}

	w.mu.Lock()
	w.results = append(w.results, u.String())
	w.mu.Unlock()

	if w.pool.BudgetSpent() {
		return
	}

	base := page.FinalURL
	if base == nil {
		base = page.URL
	}
	for _, href := range extractHrefs(page.Body) {
		w.frontier.Admit(href, base)
	}
}

func (w *Walker) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.results))
	copy(out, w.results)
	return out
}

// extractHrefs pulls raw anchor targets from an HTML body. Filtering
// and resolution happen in the frontier.
func extractHrefs(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		hrefs = append(hrefs, href)
	})
	return hrefs
}
