package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/llagos04/products-scrapper/internal/config"
)

func productPage(title, price, stock string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>" + title + " | Test Shop</title></head><body>")
	b.WriteString(`<h1 class="product_title">` + title + "</h1>")
	if price != "" {
		b.WriteString(`<p class="price">` + price + "</p>")
	}
	if stock != "" {
		b.WriteString(`<p class="stock">` + stock + "</p>")
	}
	b.WriteString(`<div class="desc">Handmade item, ships in 24h.</div>`)
	b.WriteString("</body></html>")
	return b.String()
}

func newShopServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nAllow: /\nSitemap: %s/sitemap.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><sitemapindex><sitemap><loc>%s/products1.xml</loc></sitemap><sitemap><loc>%s/products2.xml</loc></sitemap></sitemapindex>`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/products1.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><urlset><url><loc>%s/p/lamp</loc></url><url><loc>%s/p/chair</loc></url><url><loc>%s/p/sofa</loc></url></urlset>`, srv.URL, srv.URL, srv.URL)
	})
	mux.HandleFunc("/products2.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><urlset><url><loc>%s/p/table</loc></url><url><loc>%s/p/rug</loc></url><url><loc>%s/p/shelf</loc></url></urlset>`, srv.URL, srv.URL, srv.URL)
	})

	serve := func(html string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(html))
		}
	}
	mux.HandleFunc("/p/lamp", serve(productPage("Walnut Lamp", "49,90€", "En stock")))
	mux.HandleFunc("/p/chair", serve(productPage("Oak Chair", "120€ antes 89,95€", "En stock")))
	mux.HandleFunc("/p/sofa", serve(productPage("Velvet Sofa", "799,00€", "Agotado")))
	mux.HandleFunc("/p/table", serve(productPage("Pine Table", "", "")))
	mux.HandleFunc("/p/rug", serve(productPage("Wool Rug", "35,50€", "")))
	mux.HandleFunc("/p/shelf", serve(productPage("Steel Shelf", "19,99€", "")))

	return srv
}

func shopConfig(t *testing.T, rootURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Crawl.RootURL = rootURL
	cfg.Crawl.TargetProducts = 50
	cfg.Crawl.BatchSize = 4
	cfg.Site.OGTitle = false
	cfg.Site.TitleTags = []config.Selector{{Tag: "h1", Class: "product_title"}}
	cfg.Site.TitleSeparators = []string{" | "}
	cfg.Site.PriceTags = []config.Selector{{Tag: "p", Class: "price"}}
	cfg.Site.LowerPrice = true
	cfg.Site.DescriptionTags = []config.Selector{{Tag: "div", Class: "desc"}}
	cfg.Site.CheckStock = true
	cfg.Site.StockTags = []config.Selector{{Tag: "p", Class: "stock"}}
	cfg.Site.StockText = "agotado"
	cfg.Classifier.Enabled = false
	cfg.Results.Directory = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func sheetColumn(t *testing.T, path string, col int) []string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	var out []string
	for i, row := range rows {
		if i == 0 || len(row) <= col {
			continue
		}
		out = append(out, row[col])
	}
	return out
}

func TestEngineEndToEndSitemapCrawl(t *testing.T) {
	srv := newShopServer(t)
	cfg := shopConfig(t, srv.URL)

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	dir := engine.Store().Dir()

	names := sheetColumn(t, filepath.Join(dir, "products.xlsx"), 0)
	wantInStock := map[string]struct{}{
		"Walnut Lamp": {}, "Oak Chair": {}, "Wool Rug": {}, "Steel Shelf": {},
	}
	if len(names) != len(wantInStock) {
		t.Fatalf("expected %d in-stock products, got %v", len(wantInStock), names)
	}
	for _, name := range names {
		if _, ok := wantInStock[name]; !ok {
			t.Fatalf("unexpected product %q", name)
		}
	}

	prices := sheetColumn(t, filepath.Join(dir, "products.xlsx"), 2)
	priceByName := map[string]string{}
	for i, name := range names {
		priceByName[name] = prices[i]
	}
	if priceByName["Oak Chair"] != "89,95€" {
		t.Fatalf("expected discounted price, got %q", priceByName["Oak Chair"])
	}
	if priceByName["Walnut Lamp"] != "49,90€" {
		t.Fatalf("unexpected price %q", priceByName["Walnut Lamp"])
	}

	withoutStock := sheetColumn(t, filepath.Join(dir, "products_without_stock.xlsx"), 0)
	if len(withoutStock) != 1 || withoutStock[0] != "Velvet Sofa" {
		t.Fatalf("expected sofa without stock, got %v", withoutStock)
	}

	discardedRaw, err := os.ReadFile(filepath.Join(dir, "discarded_products.txt"))
	if err != nil {
		t.Fatalf("read discarded: %v", err)
	}
	if !strings.Contains(string(discardedRaw), "/p/table") {
		t.Fatalf("expected priceless table discarded, got %q", discardedRaw)
	}

	urls, err := engine.Store().ProcessedURLs()
	if err != nil {
		t.Fatalf("processed urls: %v", err)
	}
	if len(urls) != 6 {
		t.Fatalf("expected all 6 urls journalled, got %v", urls)
	}
}
