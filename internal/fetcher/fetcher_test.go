package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llagos04/products-scrapper/pkg/types"
)

func newTestFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	f, err := NewHTTPFetcher(opts)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f
}

func fetchURL(t *testing.T, f *HTTPFetcher, raw string) (*types.Page, error) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return f.Fetch(context.Background(), types.FetchRequest{URL: u})
}

func TestFetchDecodesGzipBody(t *testing.T) {
	const html = "<html><body><h1>hello</h1></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Errorf("expected gzip accept-encoding, got %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(html))
		_ = gz.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	page, err := fetchURL(t, f, srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != html {
		t.Fatalf("unexpected body: %q", page.Body)
	}
}

func TestFetchConvertsDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		// "Año" in Latin-1: the ñ is byte 0xF1.
		_, _ = w.Write([]byte{'A', 0xF1, 'o'})
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	page, err := fetchURL(t, f, srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != "Año" {
		t.Fatalf("expected UTF-8 conversion, got %q", page.Body)
	}
}

func TestFetchForbiddenAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 2})
	_, err := fetchURL(t, f, srv.URL)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetch429TerminalWithoutRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 3, Retry429: false})
	_, err := fetchURL(t, f, srv.URL)

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected no retries, got %d attempts", got)
	}
}

func TestFetch429RetriedWithRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 3, Retry429: true})
	page, err := fetchURL(t, f, srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery after 429s, got %d", page.StatusCode)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchRetryAfterSurfacesOnTerminal429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 3, Retry429: false})
	_, err := fetchURL(t, f, srv.URL)

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rlErr.RetryAfter != 7*time.Second {
		t.Fatalf("expected Retry-After carried through, got %s", rlErr.RetryAfter)
	}
}

func TestFetchBackoffLadderStartsAtBaseDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 2, RetryBackoff: 20 * time.Millisecond})
	start := time.Now()
	_, err := fetchURL(t, f, srv.URL)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	// Three attempts wait backoff*1 then backoff*2 between them.
	if elapsed < 55*time.Millisecond {
		t.Fatalf("backoff too short: %s", elapsed)
	}
	if elapsed > 110*time.Millisecond {
		t.Fatalf("backoff too long: %s", elapsed)
	}
}

func TestFetchOtherStatusIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 3})
	_, err := fetchURL(t, f, srv.URL)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected single attempt, got %d", got)
	}
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxBodyBytes: 1024})
	if _, err := fetchURL(t, f, srv.URL); err == nil {
		t.Fatal("expected body limit error")
	}
}

func TestFetchSendsConfiguredHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "test-agent/1.0" {
			t.Errorf("unexpected user-agent %q", got)
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("missing custom header, got %q", got)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{
		UserAgent: "test-agent/1.0",
		Headers:   map[string]string{"X-Custom": "yes"},
	})
	if _, err := fetchURL(t, f, srv.URL); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}
