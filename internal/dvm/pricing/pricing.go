// Package pricing quotes satoshi prices for token counts.
package pricing

import (
	"strings"
	"unicode/utf8"
)

// charsPerToken is the heuristic ratio used before a model has run.
const charsPerToken = 4

type Policy struct {
	MinPriceSats     int64
	PricePer1kTokens int64
}

// Quote returns max(MinPriceSats, ceil(tokens/1000 * PricePer1kTokens)).
func (p Policy) Quote(tokens int) int64 {
	if tokens < 0 {
		tokens = 0
	}
	price := (int64(tokens)*p.PricePer1kTokens + 999) / 1000
	if price < p.MinPriceSats {
		return p.MinPriceSats
	}
	return price
}

// EstimateTokens approximates the token count of text from its length.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}
