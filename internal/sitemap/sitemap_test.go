package sitemap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/llagos04/products-scrapper/pkg/types"
)

type staticSource struct{ sitemaps []string }

func (s staticSource) Sitemaps(_ context.Context, _ *url.URL) []string {
	return s.sitemaps
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func urlset(locs ...string) string {
	doc := `<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		doc += "<url><loc>" + loc + "</loc></url>"
	}
	return doc + "</urlset>"
}

func index(locs ...string) string {
	doc := `<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		doc += "<sitemap><loc>" + loc + "</loc></sitemap>"
	}
	return doc + "</sitemapindex>"
}

// sitemapServer serves XML documents from a routes map that tests fill
// in after the server URL is known.
func sitemapServer(t *testing.T) (*httptest.Server, map[string]string) {
	t.Helper()
	routes := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if body == "forbidden" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, routes
}

func rootURL(t *testing.T, srv *httptest.Server) *url.URL {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return u
}

func assertGroup(t *testing.T, got types.SitemapGroup, wantSource string, wantURLs []string) {
	t.Helper()
	if got.Source != wantSource {
		t.Fatalf("expected source %s, got %s", wantSource, got.Source)
	}
	if len(got.URLs) != len(wantURLs) {
		t.Fatalf("expected %d urls, got %v", len(wantURLs), got.URLs)
	}
	for i, u := range wantURLs {
		if got.URLs[i] != u {
			t.Fatalf("expected %v, got %v", wantURLs, got.URLs)
		}
	}
}

func TestResolveIndexWithTwoChildSitemaps(t *testing.T) {
	srv, routes := sitemapServer(t)
	base := srv.URL
	routes["/sitemap.xml"] = index(base+"/products1.xml", base+"/products2.xml")
	routes["/products1.xml"] = urlset(base+"/p/a", base+"/p/b", base+"/p/c")
	routes["/products2.xml"] = urlset(base+"/p/d", base+"/p/e", base+"/p/f")

	r := NewResolver(srv.Client(), staticSource{sitemaps: []string{base + "/sitemap.xml"}}, "test-agent", 5, testLogger())
	groups := r.Resolve(context.Background(), rootURL(t, srv))

	if len(groups) != 2 {
		t.Fatalf("expected 2 leaf groups, got %d", len(groups))
	}
	assertGroup(t, groups[0], base+"/products1.xml", []string{base + "/p/a", base + "/p/b", base + "/p/c"})
	assertGroup(t, groups[1], base+"/products2.xml", []string{base + "/p/d", base + "/p/e", base + "/p/f"})
}

func TestResolveFallsBackToWellKnownPaths(t *testing.T) {
	srv, routes := sitemapServer(t)
	routes["/sitemap_index.xml"] = urlset("https://shop.example.com/p/1")

	r := NewResolver(srv.Client(), staticSource{}, "test-agent", 5, testLogger())
	groups := r.Resolve(context.Background(), rootURL(t, srv))

	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].URLs[0] != "https://shop.example.com/p/1" {
		t.Fatalf("unexpected urls: %v", groups[0].URLs)
	}
}

func TestResolveReturnsNilWhenNothingFound(t *testing.T) {
	srv, _ := sitemapServer(t)

	r := NewResolver(srv.Client(), staticSource{}, "test-agent", 5, testLogger())
	if groups := r.Resolve(context.Background(), rootURL(t, srv)); groups != nil {
		t.Fatalf("expected nil, got %v", groups)
	}
}

func TestResolveDepthCapDropsDeepNodes(t *testing.T) {
	srv, routes := sitemapServer(t)
	base := srv.URL
	routes["/level1.xml"] = index(base + "/level2.xml")
	routes["/level2.xml"] = index(base + "/level3.xml")
	routes["/level3.xml"] = urlset(base + "/p/deep")

	// Depth 2 allows level1 and level2 but drops level3.
	r := NewResolver(srv.Client(), staticSource{sitemaps: []string{base + "/level1.xml"}}, "test-agent", 2, testLogger())
	if groups := r.Resolve(context.Background(), rootURL(t, srv)); len(groups) != 0 {
		t.Fatalf("expected deep node dropped, got %v", groups)
	}

	// Depth 3 reaches the leaf.
	r = NewResolver(srv.Client(), staticSource{sitemaps: []string{base + "/level1.xml"}}, "test-agent", 3, testLogger())
	groups := r.Resolve(context.Background(), rootURL(t, srv))
	if len(groups) != 1 || groups[0].URLs[0] != base+"/p/deep" {
		t.Fatalf("expected deep leaf, got %v", groups)
	}
}

func TestResolveIsolatesFailingBranch(t *testing.T) {
	srv, routes := sitemapServer(t)
	base := srv.URL
	routes["/index.xml"] = index(base+"/broken.xml", base+"/good.xml")
	routes["/broken.xml"] = "forbidden"
	routes["/good.xml"] = urlset(base + "/p/ok")

	r := NewResolver(srv.Client(), staticSource{sitemaps: []string{base + "/index.xml"}}, "test-agent", 5, testLogger())
	groups := r.Resolve(context.Background(), rootURL(t, srv))

	if len(groups) != 1 {
		t.Fatalf("expected surviving branch only, got %v", groups)
	}
	if groups[0].Source != base+"/good.xml" {
		t.Fatalf("unexpected source %s", groups[0].Source)
	}
}
