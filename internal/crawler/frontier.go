package crawler

import (
	"net/url"
	"strings"
	"sync"
)

// nonHTMLExtensions lists path suffixes that never lead to a product
// page and are skipped without fetching.
var nonHTMLExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg",
	".zip", ".rar", ".exe", ".dmg", ".apk", ".tar.gz", ".7z",
	".mp3", ".mp4", ".avi", ".mov", ".wmv", ".flv", ".mkv",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt",
	".rtf", ".csv", ".ico", ".css", ".js", ".json", ".xml",
}

// FrontierOptions scope and filter URL admission.
type FrontierOptions struct {
	IncludeSubdomains bool
	IgnoreURLsWith    string
	IgnoreLinks       []string
}

// Frontier is the session-scoped set of URLs known to one crawl run.
// A URL is admitted at most once; admission and the seen-set check are
// a single critical section so concurrent discovery of the same link
// cannot double-enqueue it.
type Frontier struct {
	root *url.URL
	opts FrontierOptions

	mu      sync.Mutex
	seen    map[string]struct{}
	ignored map[string]struct{}
	queue   []*url.URL
}

// NewFrontier creates a frontier seeded with the root URL.
func NewFrontier(root *url.URL, opts FrontierOptions) *Frontier {
	ignored := make(map[string]struct{}, len(opts.IgnoreLinks))
	for _, raw := range opts.IgnoreLinks {
		ignored[strings.TrimSpace(raw)] = struct{}{}
	}

	f := &Frontier{
		root:    root,
		opts:    opts,
		seen:    make(map[string]struct{}),
		ignored: ignored,
	}
	if u := f.normalize(root.String(), root); u != nil {
		f.seen[u.String()] = struct{}{}
		f.queue = append(f.queue, u)
	}
	return f
}

// Admit normalizes raw against base and enqueues it if it passes the
// scoping filters and has not been seen. Reports whether the URL was
// accepted.
func (f *Frontier) Admit(raw string, base *url.URL) bool {
	u := f.normalize(raw, base)
	if u == nil {
		return false
	}
	if !f.inScope(u) {
		return false
	}
	key := u.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	f.queue = append(f.queue, u)
	return true
}

// Next dequeues the oldest pending URL. The pending-to-visited
// transition happens here, exactly once per URL.
func (f *Frontier) Next() (*url.URL, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	u := f.queue[0]
	f.queue = f.queue[1:]
	return u, true
}

// Pending reports how many admitted URLs have not been dequeued yet.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Frontier) normalize(raw string, base *url.URL) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "mailto:") || strings.HasPrefix(raw, "tel:") {
		return nil
	}

	var u *url.URL
	var err error
	if base != nil {
		u, err = base.Parse(raw)
	} else {
		u, err = url.Parse(raw)
	}
	if err != nil {
		return nil
	}
	u.Fragment = ""
	if u.Scheme == "" {
		u.Scheme = f.root.Scheme
	}
	if u.Host == "" {
		return nil
	}
	return u
}

func (f *Frontier) inScope(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if !f.sameDomain(u) {
		return false
	}

	path := strings.ToLower(u.Path)
	for _, ext := range nonHTMLExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}

	full := u.String()
	if f.opts.IgnoreURLsWith != "" && strings.Contains(full, f.opts.IgnoreURLsWith) {
		return false
	}
	if _, ok := f.ignored[full]; ok {
		return false
	}
	return true
}

func (f *Frontier) sameDomain(u *url.URL) bool {
	rootHost := strings.ToLower(f.root.Hostname())
	host := strings.ToLower(u.Hostname())
	if host == rootHost {
		return true
	}
	if f.opts.IncludeSubdomains && strings.HasSuffix(host, "."+rootHost) {
		return true
	}
	return false
}
