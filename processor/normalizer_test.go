package processor

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

type quoteTable map[string][]string

func (q quoteTable) SupportedQuotes(exchange string) []string { return q[exchange] }

func testNormalizer() *Normalizer {
	return NewNormalizer(quoteTable{
		"binance": {"USDT", "BTC", "USD"},
		"bybit":   {"USDT", "USDC"},
	})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalizeKeepsPairCasingAndPrecision(t *testing.T) {
	n := testNormalizer()
	msg, err := n.Normalize(models.StandardExchangeData{
		Exchange:      "binance",
		Symbol:        "btcusdt",
		Price:         dec("42000.10000000"),
		Quantity:      dec("0.123456789012"),
		Side:          models.SideSell,
		RawTimestamp:  "1700000000000",
		TimestampKind: models.TimestampMillis,
		TradeID:       "12345",
	})
	require.NoError(t, err)

	assert.Equal(t, "BTC", msg.Symbol)
	assert.Equal(t, "USDT", msg.QuoteCurrency)
	assert.Equal(t, "0.123456789012", msg.Quantity.String())
	assert.True(t, msg.Price.Equal(dec("42000.1")))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.Timestamp)
	assert.Equal(t, time.UTC, msg.Timestamp.Location())
	assert.Equal(t, "12345", msg.TradeID)
}

func TestNormalizeSymbolsPerExchange(t *testing.T) {
	n := testNormalizer()
	cases := []struct {
		exchange, symbol string
		want             models.CurrencyPair
	}{
		{"binance", "ETHBTC", models.MustPair("ETH", "BTC")},
		{"bybit", "SOLUSDC", models.MustPair("SOL", "USDC")},
		{"okx", "BTC-USDT", models.MustPair("BTC", "USDT")},
		{"upbit", "KRW-BTC", models.MustPair("BTC", "KRW")},
		{"bithumb", "XRP_KRW", models.MustPair("XRP", "KRW")},
	}
	for _, tc := range cases {
		t.Run(tc.exchange, func(t *testing.T) {
			msg, err := n.Normalize(models.StandardExchangeData{
				Exchange:     tc.exchange,
				Symbol:       tc.symbol,
				Price:        dec("1"),
				Quantity:     dec("1"),
				RawTimestamp: "1700000000",
				TradeID:      "x",
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg.Pair())
		})
	}
}

func TestNormalizeTimestampKinds(t *testing.T) {
	n := testNormalizer()
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	cases := []struct {
		name string
		raw  string
		kind models.TimestampKind
		want time.Time
	}{
		{"seconds", "1700000000", models.TimestampSeconds, want},
		{"fractional seconds", "1700000000.5", models.TimestampSeconds, want.Add(500 * time.Millisecond)},
		{"millis", "1700000000123", models.TimestampMillis, want.Add(123 * time.Millisecond)},
		{"micros", "1700000000000001", models.TimestampMicros, want.Add(time.Microsecond)},
		{"auto seconds", "1700000000", models.TimestampAuto, want},
		{"auto millis", "1700000000000", models.TimestampAuto, want},
		{"auto micros", "1700000000000000", models.TimestampAuto, want},
		{"auto nanos", "1700000000000000007", models.TimestampAuto, want.Add(7)},
		{"auto rfc3339", "2023-11-14T22:13:20Z", models.TimestampAuto, want},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := n.Normalize(models.StandardExchangeData{
				Exchange:      "okx",
				Symbol:        "BTC-USDT",
				Price:         dec("1"),
				Quantity:      dec("1"),
				RawTimestamp:  tc.raw,
				TimestampKind: tc.kind,
				TradeID:       "1",
			})
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(msg.Timestamp), "got %s", msg.Timestamp)
		})
	}
}

func TestNormalizeLayoutInZone(t *testing.T) {
	n := testNormalizer()
	msg, err := n.Normalize(models.StandardExchangeData{
		Exchange:        "bithumb",
		Symbol:          "BTC_KRW",
		Price:           dec("50000000"),
		Quantity:        dec("0.01"),
		RawTimestamp:    "2023-11-15 07:13:20.000000",
		TimestampKind:   models.TimestampLayout,
		TimestampLayout: "2006-01-02 15:04:05.000000",
		TimestampZone:   "Asia/Seoul",
		Sequence:        "50000000:0.01:1",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), msg.Timestamp)
	assert.NotEmpty(t, msg.TradeID)
}

func TestNormalizeTimestampErrors(t *testing.T) {
	n := testNormalizer()
	for _, raw := range []string{"", "yesterday", "0", "-5"} {
		_, err := n.Normalize(models.StandardExchangeData{
			Exchange:      "okx",
			Symbol:        "BTC-USDT",
			Price:         dec("1"),
			Quantity:      dec("1"),
			RawTimestamp:  raw,
			TimestampKind: models.TimestampAuto,
			TradeID:       "1",
		})
		var terr *TimestampParseError
		require.True(t, errors.As(err, &terr), "raw %q: %v", raw, err)
		assert.Equal(t, "okx", terr.Exchange)
		assert.Equal(t, ReasonTimestamp, DropReason(err))
	}
}

func TestNormalizeSynthesizesStableTradeID(t *testing.T) {
	n := testNormalizer()
	d := models.StandardExchangeData{
		Exchange:      "bithumb",
		Symbol:        "BTC_KRW",
		Price:         dec("100"),
		Quantity:      dec("2"),
		RawTimestamp:  "1700000000000",
		TimestampKind: models.TimestampMillis,
		Sequence:      "100:2:2",
	}
	a, err := n.Normalize(d)
	require.NoError(t, err)
	b, err := n.Normalize(d)
	require.NoError(t, err)
	assert.Equal(t, a.TradeID, b.TradeID)

	d.Sequence = "100:2:1"
	c, err := n.Normalize(d)
	require.NoError(t, err)
	assert.NotEqual(t, a.TradeID, c.TradeID)
}

func TestNormalizeRejects(t *testing.T) {
	n := testNormalizer()
	base := models.StandardExchangeData{
		Exchange:     "okx",
		Symbol:       "BTC-USDT",
		Price:        dec("1"),
		Quantity:     dec("1"),
		RawTimestamp: "1700000000",
		TradeID:      "1",
	}

	cases := []struct {
		name   string
		mutate func(*models.StandardExchangeData)
		reason string
	}{
		{"empty symbol", func(d *models.StandardExchangeData) { d.Symbol = "  " }, ReasonSymbol},
		{"unsplittable symbol", func(d *models.StandardExchangeData) { d.Exchange, d.Symbol = "binance", "BTCXYZ" }, ReasonSymbol},
		{"negative price", func(d *models.StandardExchangeData) { d.Price = dec("-1") }, ReasonValidation},
		{"negative quantity", func(d *models.StandardExchangeData) { d.Quantity = dec("-0.1") }, ReasonValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.mutate(&d)
			_, err := n.Normalize(d)
			require.Error(t, err)
			assert.Equal(t, tc.reason, DropReason(err))
		})
	}
}
