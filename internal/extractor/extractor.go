// Package extractor resolves product fields from fetched pages using
// per-site selector fallback chains and classifies each page as
// in-stock, without-stock, or discarded.
package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/llagos04/products-scrapper/internal/config"
	"github.com/llagos04/products-scrapper/pkg/types"
)

// Extractor derives structured product records from parsed documents.
type Extractor struct {
	cfg config.SiteConfig
}

// New builds an extractor for one site configuration.
func New(cfg config.SiteConfig) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract resolves every field and classifies the result. Fields that
// cannot be resolved take their per-field sentinel; a missing price
// forces the discarded classification regardless of the other fields.
func (e *Extractor) Extract(doc *goquery.Document) types.Extraction {
	title := e.title(doc)
	price := e.price(doc)
	description := e.description(doc)
	image := e.image(doc)
	inStock := e.stock(doc)

	class := types.InStock
	switch {
	case price == types.PriceNotFound:
		class = types.Discarded
	case e.cfg.CheckStock && !inStock:
		class = types.WithoutStock
	}

	return types.Extraction{
		Title:       title,
		Price:       price,
		Description: description,
		ImageURL:    image,
		InStock:     inStock,
		Class:       class,
	}
}

// Title resolves only the title field; used by the cheap first-pass
// title fetch that feeds the product classifier.
func (e *Extractor) Title(doc *goquery.Document) string {
	return e.title(doc)
}

func (e *Extractor) title(doc *goquery.Document) string {
	title := ""
	if e.cfg.OGTitle {
		title = metaProperty(doc, "og:title")
	}
	if title == "" {
		title, _ = firstMatch(doc, e.cfg.TitleTags)
	}
	if title == "" {
		return types.TitleNotFound
	}
	return truncateAtSeparator(title, e.cfg.TitleSeparators)
}

func (e *Extractor) price(doc *goquery.Document) string {
	raw, ok := firstMatch(doc, e.cfg.PriceTags)
	if !ok {
		return types.PriceNotFound
	}
	values := parsePrices(raw)
	if len(values) == 0 {
		return types.PriceNotFound
	}

	chosen := values[0]
	if e.cfg.LowerPrice {
		for _, v := range values[1:] {
			if v < chosen {
				chosen = v
			}
		}
	}
	return formatPrice(chosen)
}

// description accumulates text across every matching selector block,
// unlike the strict first-match policy of the other fields.
func (e *Extractor) description(doc *goquery.Document) string {
	if e.cfg.OGDescription {
		if meta := metaProperty(doc, "og:description"); meta != "" {
			return meta
		}
	}

	var parts []string
	for _, sel := range e.cfg.DescriptionTags {
		doc.Find(query(sel)).Each(func(_ int, s *goquery.Selection) {
			if text := selectionText(s); text != "" {
				parts = append(parts, text)
			}
		})
	}
	if len(parts) == 0 {
		return types.DescriptionNotFound
	}

	text := strings.Join(parts, "\n\n")
	if e.cfg.ModifyDescription {
		for _, chunk := range e.cfg.DeleteDescriptionChunks {
			text = strings.ReplaceAll(text, chunk, "")
		}
	}
	return collapseBlankLines(strings.TrimSpace(text))
}

func (e *Extractor) image(doc *goquery.Document) string {
	if e.cfg.OGImage {
		if meta := metaProperty(doc, "og:image"); meta != "" {
			return meta
		}
	}
	for _, class := range e.cfg.ImageClasses {
		sel := doc.Find(fmt.Sprintf(`img[class=%q]`, class)).First()
		if src, ok := sel.Attr("src"); ok {
			if src = strings.TrimSpace(src); src != "" {
				return src
			}
		}
	}
	return types.ImageNotFound
}

func (e *Extractor) stock(doc *goquery.Document) bool {
	if !e.cfg.CheckStock {
		return true
	}
	marker := strings.ToLower(e.cfg.StockText)
	for _, sel := range e.cfg.StockTags {
		text, ok := matchText(doc, sel)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(text), marker) {
			return false
		}
	}
	return true
}

// query translates one selector candidate into a goquery expression.
// Class matching is exact against the full attribute value, mirroring
// how multi-class site rules are written in the configuration.
func query(sel config.Selector) string {
	switch {
	case sel.ID != "":
		return fmt.Sprintf(`%s[id=%q]`, sel.Tag, sel.ID)
	case sel.Class != "":
		return fmt.Sprintf(`%s[class=%q]`, sel.Tag, sel.Class)
	default:
		return sel.Tag
	}
}

// firstMatch walks an ordered candidate list and returns the text of
// the first selector yielding non-empty content. Strict priority:
// later candidates are never consulted after a hit.
func firstMatch(doc *goquery.Document, sels []config.Selector) (string, bool) {
	for _, sel := range sels {
		if text, ok := matchText(doc, sel); ok {
			return text, true
		}
	}
	return "", false
}

func matchText(doc *goquery.Document, sel config.Selector) (string, bool) {
	found := doc.Find(query(sel)).First()
	if found.Length() == 0 {
		return "", false
	}
	text := strings.TrimSpace(found.Text())
	if text == "" {
		return "", false
	}
	return text, true
}

func metaProperty(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q]`, property)).First()
	content, ok := sel.Attr("content")
	if !ok {
		return ""
	}
	return strings.TrimSpace(content)
}

// truncateAtSeparator cuts the title before the earliest occurrence of
// any configured separator. The search is case-insensitive; the kept
// prefix preserves its original casing.
func truncateAtSeparator(title string, separators []string) string {
	lower := strings.ToLower(title)
	cut := -1
	for _, sep := range separators {
		sep = strings.ToLower(sep)
		if sep == "" {
			continue
		}
		if idx := strings.Index(lower, sep); idx >= 0 && (cut < 0 || idx < cut) {
			cut = idx
		}
	}
	if cut < 0 {
		return strings.TrimSpace(title)
	}
	return strings.TrimSpace(title[:cut])
}
