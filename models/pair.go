package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPair is returned when a currency pair is missing its base or quote.
var ErrInvalidPair = errors.New("invalid currency pair")

// CurrencyPair is the canonical tradable pair shared by every layer.
// Both assets are trimmed and upper-cased; compare pairs with ==.
type CurrencyPair struct {
	Base  string `json:"base" yaml:"base"`
	Quote string `json:"quote" yaml:"quote"`
}

// NewCurrencyPair builds a pair applying the canonical casing rule.
func NewCurrencyPair(base, quote string) (CurrencyPair, error) {
	p := CurrencyPair{Base: normalizeAsset(base), Quote: normalizeAsset(quote)}
	if p.Base == "" || p.Quote == "" {
		return CurrencyPair{}, fmt.Errorf("%w: base=%q quote=%q", ErrInvalidPair, base, quote)
	}
	return p, nil
}

// MustPair is NewCurrencyPair for literals known to be valid.
func MustPair(base, quote string) CurrencyPair {
	p, err := NewCurrencyPair(base, quote)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePair parses the BASE/QUOTE form used in configuration files.
func ParsePair(s string) (CurrencyPair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok {
		return CurrencyPair{}, fmt.Errorf("%w: %q is not BASE/QUOTE", ErrInvalidPair, s)
	}
	return NewCurrencyPair(base, quote)
}

func (p CurrencyPair) String() string {
	return p.Base + "/" + p.Quote
}

// IsZero reports whether p is the zero value.
func (p CurrencyPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

func normalizeAsset(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// UniquePairs drops duplicates keeping first occurrence order.
func UniquePairs(pairs []CurrencyPair) []CurrencyPair {
	seen := make(map[CurrencyPair]struct{}, len(pairs))
	out := make([]CurrencyPair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
