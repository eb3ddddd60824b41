package symbols

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// ErrUnknownSymbol is returned when an exchange symbol cannot be split into a pair.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Exchange identifiers understood by the mapper.
const (
	Binance = "binance"
	Upbit   = "upbit"
	Bithumb = "bithumb"
	Bybit   = "bybit"
	Okx     = "okx"
)

// Format renders a pair in the exchange's wire spelling.
//
//	binance BTC/USDT -> btcusdt
//	bybit   BTC/USDT -> BTCUSDT
//	okx     BTC/USDT -> BTC-USDT
//	upbit   BTC/KRW  -> KRW-BTC
//	bithumb BTC/KRW  -> BTC_KRW
func Format(exchange string, p models.CurrencyPair) (string, error) {
	switch strings.ToLower(exchange) {
	case Binance:
		return strings.ToLower(p.Base + p.Quote), nil
	case Bybit:
		return p.Base + p.Quote, nil
	case Okx:
		return p.Base + "-" + p.Quote, nil
	case Upbit:
		return p.Quote + "-" + p.Base, nil
	case Bithumb:
		return p.Base + "_" + p.Quote, nil
	default:
		return "", fmt.Errorf("%w: no symbol format for exchange %q", ErrUnknownSymbol, exchange)
	}
}

// Parse converts an exchange symbol back into a canonical pair. Exchanges that
// concatenate base and quote need the configured quote set to find the split.
func Parse(exchange, symbol string, quotes []string) (models.CurrencyPair, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return models.CurrencyPair{}, fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}

	var base, quote string
	switch strings.ToLower(exchange) {
	case Binance, Bybit:
		base, quote = splitByQuote(ToBinance(exchange, sym), quotes)
	case Okx:
		sym = strings.TrimSuffix(sym, "-SWAP")
		base, quote, _ = strings.Cut(sym, "-")
	case Upbit:
		quote, base, _ = strings.Cut(sym, "-")
	case Bithumb:
		base, quote, _ = strings.Cut(sym, "_")
	default:
		return models.CurrencyPair{}, fmt.Errorf("%w: no symbol format for exchange %q", ErrUnknownSymbol, exchange)
	}

	pair, err := models.NewCurrencyPair(base, quote)
	if err != nil {
		return models.CurrencyPair{}, fmt.Errorf("%w: %s symbol %q", ErrUnknownSymbol, exchange, symbol)
	}
	return pair, nil
}

// ToBinance strips contract multipliers so concatenated symbols split cleanly.
func ToBinance(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case Binance:
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case Bybit:
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case Okx:
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}

// splitByQuote tries the longest quote first so USDT wins over USD.
func splitByQuote(sym string, quotes []string) (string, string) {
	ordered := make([]string, 0, len(quotes))
	for _, q := range quotes {
		if q = strings.ToUpper(strings.TrimSpace(q)); q != "" {
			ordered = append(ordered, q)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, q := range ordered {
		if len(sym) > len(q) && strings.HasSuffix(sym, q) {
			return strings.TrimSuffix(sym, q), q
		}
	}
	return "", ""
}
