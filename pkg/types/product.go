package types

import (
	"net/http"
	"net/url"
	"time"
)

// Sentinel values for fields that could not be resolved from the page.
const (
	TitleNotFound       = "Title not found"
	PriceNotFound       = "Price not found"
	DescriptionNotFound = "Description not found"
	ImageNotFound       = "Image not found"
)

// Classification is the terminal outcome of extracting one product page.
type Classification int

const (
	// InStock is a complete record with a price and available stock.
	InStock Classification = iota
	// WithoutStock has a price but matched the out-of-stock marker.
	WithoutStock
	// Discarded is missing a price and is excluded from the catalogue.
	Discarded
)

func (c Classification) String() string {
	switch c {
	case InStock:
		return "in_stock"
	case WithoutStock:
		return "without_stock"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Product is the unit of output. Title is the dedupe key; Price is
// either the canonical "X,YY€" form or the PriceNotFound sentinel.
type Product struct {
	URL         string
	Title       string
	Price       string
	Description string
	ImageURL    string
	InStock     bool
}

// Extraction carries every resolved field plus the classification
// derived from them.
type Extraction struct {
	Title       string
	Price       string
	Description string
	ImageURL    string
	InStock     bool
	Class       Classification
}

// URLTitle pairs a candidate page with its fetched title. This is the
// input shape of the product classifier.
type URLTitle struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SitemapGroup is one resolved leaf sitemap: its own document URL and
// the page URLs it lists.
type SitemapGroup struct {
	Source string
	URLs   []string
}

// FetchRequest models one page retrieval.
type FetchRequest struct {
	URL    *url.URL
	Render bool
}

// Page is the fetched content. Body is decoded (content encoding and
// charset) before it reaches any consumer.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}
