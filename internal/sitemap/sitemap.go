// Package sitemap discovers the page URLs a shop advertises through
// its sitemap documents, before any link crawling is attempted.
package sitemap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/llagos04/products-scrapper/pkg/types"
)

// wellKnownPaths are probed in order when robots.txt declares no
// Sitemap directive.
var wellKnownPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/sitemap/sitemap.xml",
}

// SitemapSource lists the sitemap URLs a host declares. Implemented by
// the robots agent.
type SitemapSource interface {
	Sitemaps(ctx context.Context, root *url.URL) []string
}

// Resolver expands sitemap indexes into leaf URL groups.
type Resolver struct {
	client    *http.Client
	source    SitemapSource
	userAgent string
	maxDepth  int
	logger    *slog.Logger
}

// NewResolver builds a resolver. source may be nil, in which case only
// the well-known paths are probed.
func NewResolver(client *http.Client, source SitemapSource, userAgent string, maxDepth int, logger *slog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:    client,
		source:    source,
		userAgent: userAgent,
		maxDepth:  maxDepth,
		logger:    logger,
	}
}

// Resolve discovers the entry sitemaps for root and expands them into
// leaf groups. An empty result means the fallback crawl should run.
// Failures on individual nodes never abort sibling branches.
func (r *Resolver) Resolve(ctx context.Context, root *url.URL) []types.SitemapGroup {
	entries := r.entrySitemaps(ctx, root)
	if len(entries) == 0 {
		return nil
	}

	var groups []types.SitemapGroup
	for _, entry := range entries {
		groups = append(groups, r.expand(ctx, entry, 1)...)
	}
	return groups
}

func (r *Resolver) entrySitemaps(ctx context.Context, root *url.URL) []string {
	if r.source != nil {
		if declared := r.source.Sitemaps(ctx, root); len(declared) > 0 {
			r.logger.Info("sitemaps declared in robots.txt", "count", len(declared))
			return declared
		}
	}

	base := root.Scheme + "://" + root.Host
	for _, path := range wellKnownPaths {
		candidate := base + path
		if _, err := r.get(ctx, candidate); err != nil {
			r.logger.Debug("sitemap probe missed", "url", candidate, "error", err)
			continue
		}
		r.logger.Info("sitemap found at well-known path", "url", candidate)
		return []string{candidate}
	}
	return nil
}

// expand fetches one sitemap node. An index document recurses into its
// children with an incremented depth; a URL set becomes one leaf group
// tagged with its own source URL.
func (r *Resolver) expand(ctx context.Context, loc string, depth int) []types.SitemapGroup {
	if depth > r.maxDepth {
		r.logger.Warn("sitemap recursion depth exceeded, dropping node", "url", loc, "depth", depth)
		return nil
	}

	body, err := r.get(ctx, loc)
	if err != nil {
		r.logger.Warn("sitemap node unavailable", "url", loc, "error", err)
		return nil
	}

	children, leaves, err := parse(body)
	if err != nil {
		r.logger.Warn("sitemap parse failed", "url", loc, "error", err)
		return nil
	}

	if len(children) > 0 {
		var groups []types.SitemapGroup
		for _, child := range children {
			groups = append(groups, r.expand(ctx, child, depth+1)...)
		}
		return groups
	}

	if len(leaves) == 0 {
		return nil
	}
	return []types.SitemapGroup{{Source: loc, URLs: leaves}}
}

func (r *Resolver) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build sitemap request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("sitemap forbidden (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read sitemap body: %w", err)
	}
	return body, nil
}

type locEntry struct {
	Loc string `xml:"loc"`
}

// parse walks one sitemap document, returning child sitemap locations
// (for an index) and leaf page locations (for a URL set).
func parse(body []byte) (children, leaves []string, err error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode sitemap xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "sitemap":
			var entry locEntry
			if err := dec.DecodeElement(&entry, &start); err != nil {
				return nil, nil, fmt.Errorf("decode sitemap entry: %w", err)
			}
			if loc := strings.TrimSpace(entry.Loc); loc != "" {
				children = append(children, loc)
			}
		case "url":
			var entry locEntry
			if err := dec.DecodeElement(&entry, &start); err != nil {
				return nil, nil, fmt.Errorf("decode url entry: %w", err)
			}
			if loc := strings.TrimSpace(entry.Loc); loc != "" {
				leaves = append(leaves, loc)
			}
		}
	}
	return children, leaves, nil
}
