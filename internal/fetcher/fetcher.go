package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/llagos04/products-scrapper/pkg/types"
)

// ErrForbidden marks a URL that kept answering 403 after every retry.
// Distinct from other terminal statuses for diagnostics.
var ErrForbidden = errors.New("fetch forbidden")

// RateLimitError is a 429 response, carrying any server-mandated wait
// so callers can hold the whole host off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// StatusError is a terminal non-200 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Fetcher retrieves one web page.
type Fetcher interface {
	Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
	Concurrency  int
	MaxRetries   int
	RetryBackoff time.Duration
	// Retry429 keeps retrying rate-limited responses; when false a 429
	// is terminal for the URL.
	Retry429 bool
}

// HTTPFetcher implements Fetcher via the Go http.Client, with a shared
// in-flight gate and a retry ladder for transient failures.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	maxRetries   int
	retryBackoff time.Duration
	retry429     bool
	gate         chan struct{}
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		retry429:     opts.Retry429,
		gate:         make(chan struct{}, opts.Concurrency),
	}, nil
}

// Fetch downloads a single URL, retrying timeouts, 429 (when enabled)
// and 403 with exponential backoff. Exhausted 403 retries surface as
// ErrForbidden; any other non-200 status is terminal on the first
// attempt.
func (f *HTTPFetcher) Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	select {
	case f.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.gate }()

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		page, retryIn, err := f.attempt(ctx, req)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if retryIn < 0 || attempt == f.maxRetries {
			break
		}
		if retryIn == 0 {
			retryIn = f.retryBackoff * time.Duration(1<<uint(attempt))
		}
		timer := time.NewTimer(retryIn)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// attempt performs one request. retryIn < 0 means terminal; 0 means
// retry after the default backoff; > 0 is a server-mandated wait.
func (f *HTTPFetcher) attempt(ctx context.Context, req types.FetchRequest) (*types.Page, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, -1, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, fmt.Errorf("fetch timeout: %w", err)
		}
		return nil, -1, fmt.Errorf("http fetch failed: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp)
		wait := retryAfter(resp)
		if !f.retry429 {
			return nil, -1, &RateLimitError{RetryAfter: wait}
		}
		return nil, wait, &RateLimitError{RetryAfter: wait}
	case resp.StatusCode == http.StatusForbidden:
		drain(resp)
		return nil, 0, ErrForbidden
	default:
		drain(resp)
		return nil, -1, &StatusError{Code: resp.StatusCode}
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, -1, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	page := &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		Rendered:        false,
		ResponseLatency: time.Since(start),
	}
	return page, 0, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}

	return toUTF8(body, resp.Header.Get("Content-Type"))
}

// toUTF8 converts a page body to UTF-8 using the declared charset, or
// sniffed content when the header does not name one.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	name := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		name = strings.ToLower(strings.TrimSpace(params["charset"]))
	}
	if name == "" || name == "utf-8" || name == "utf8" {
		if name == "" {
			if enc, encName, _ := charset.DetermineEncoding(body, contentType); encName != "utf-8" {
				converted, _, err := transform.Bytes(enc.NewDecoder(), body)
				if err != nil {
					return body, nil
				}
				return converted, nil
			}
		}
		return body, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return body, nil
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", name, err)
	}
	return converted, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt
// and sitemap fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Composite chooses between raw HTTP and a renderer per request.
type Composite struct {
	defaultFetcher Fetcher
	renderer       Renderer
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req types.FetchRequest) (*types.Page, error)
}

// NewComposite builds a composite fetcher from HTTP and optional renderer components.
func NewComposite(httpFetcher Fetcher, renderer Renderer) *Composite {
	return &Composite{defaultFetcher: httpFetcher, renderer: renderer}
}

// Fetch delegates to either the renderer (if requested) or the HTTP fetcher.
func (c *Composite) Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.Render && c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		slog.With("url", req.URL.String(), "error", err).Warn("renderer failed, falling back to HTTP fetch")
	}
	req.Render = false
	return c.defaultFetcher.Fetch(ctx, req)
}
