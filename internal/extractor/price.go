package extractor

import (
	"regexp"
	"strconv"
	"strings"
)

// priceRe matches euro amounts as shops print them: optional dot
// thousands groups, comma decimals, the € sign directly after or
// separated by whitespace. Examples: "1.234,56€", "5,50 €", "30€".
var priceRe = regexp.MustCompile(`(\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?|\d+(?:,\d{1,2})?)\s*€`)

// parsePrices extracts every euro amount from the matched price text.
// Pages frequently show a struck-through original price next to the
// discounted one, so all candidates are returned for policy selection.
func parsePrices(text string) []float64 {
	matches := priceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	values := make([]float64, 0, len(matches))
	for _, m := range matches {
		raw := strings.ReplaceAll(m[1], ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

// formatPrice renders a value in the canonical "X,YY€" form.
func formatPrice(v float64) string {
	return strings.Replace(strconv.FormatFloat(v, 'f', 2, 64), ".", ",", 1) + "€"
}
