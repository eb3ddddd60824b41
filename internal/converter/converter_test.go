package converter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

var received = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func frame(exchange, payload string) models.ExchangeMessage {
	return models.NewExchangeMessage(exchange, []byte(payload), false, received)
}

func parseOne(t *testing.T, exchange, payload string) models.StandardExchangeData {
	t.Helper()
	c, err := NewRegistry().Lookup(exchange)
	require.NoError(t, err)
	trades, err := c.Parse(frame(exchange, payload))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	return trades[0]
}

func TestBinanceTrade(t *testing.T) {
	d := parseOne(t, "binance", `{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":12345,"p":"42000.10000000","q":"0.00100000","T":1700000000000,"m":true}`)

	assert.Equal(t, "binance", d.Exchange)
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("42000.1")))
	assert.True(t, d.Quantity.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, models.SideSell, d.Side)
	assert.Equal(t, "1700000000000", d.RawTimestamp)
	assert.Equal(t, models.TimestampMillis, d.TimestampKind)
	assert.Equal(t, "12345", d.TradeID)
	assert.Equal(t, received, d.ReceivedAt)
}

func TestBinanceDocumentedTradeEvent(t *testing.T) {
	// full event as published, including the upper-case E and M keys
	d := parseOne(t, "binance", `{"e":"trade","E":1672515782136,"s":"BNBBTC","t":12345,"p":"0.001","q":"100","T":1672515782136,"m":false,"M":true}`)

	assert.Equal(t, "BNBBTC", d.Symbol)
	assert.Equal(t, "12345", d.TradeID)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, d.Quantity.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, models.SideBuy, d.Side, "M must not be read as the buyer-maker flag")
	assert.Equal(t, "1672515782136", d.RawTimestamp)

	combined := parseOne(t, "binance", `{"stream":"bnbbtc@trade","data":{"e":"trade","E":1672515782136,"s":"BNBBTC","t":12346,"p":"0.002","q":"1","T":1672515782137,"m":true,"M":true}}`)
	assert.Equal(t, "12346", combined.TradeID)
	assert.Equal(t, models.SideSell, combined.Side)
}

func TestBinanceCombinedStream(t *testing.T) {
	d := parseOne(t, "binance", `{"stream":"ethusdt@trade","data":{"e":"trade","s":"ETHUSDT","t":7,"p":"3000.5","q":"2","T":1700000000000,"m":false}}`)
	assert.Equal(t, "ETHUSDT", d.Symbol)
	assert.Equal(t, models.SideBuy, d.Side)
}

func TestDecimalPrecisionIsExact(t *testing.T) {
	d := parseOne(t, "okx", `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"1","px":"0.1000000000000000055511","sz":"123456789.123456789","side":"buy","ts":"1700000000000"}]}`)
	assert.Equal(t, "0.1000000000000000055511", d.Price.String())
	assert.Equal(t, "123456789.123456789", d.Quantity.String())
}

func TestUpbitSimpleAndDefault(t *testing.T) {
	simple := parseOne(t, "upbit", `{"ty":"trade","cd":"KRW-BTC","tp":58000000.5,"tv":0.00123456,"ab":"ASK","ttms":1700000000123,"sid":17000000001230000,"st":"REALTIME"}`)
	assert.Equal(t, "KRW-BTC", simple.Symbol)
	assert.Equal(t, "58000000.5", simple.Price.String())
	assert.Equal(t, "0.00123456", simple.Quantity.String())
	assert.Equal(t, models.SideSell, simple.Side)
	assert.Equal(t, "1700000000123", simple.RawTimestamp)
	assert.Equal(t, "17000000001230000", simple.TradeID)

	verbose := parseOne(t, "upbit", `{"type":"trade","code":"KRW-ETH","trade_price":3500000,"trade_volume":1.5,"ask_bid":"BID","trade_timestamp":1700000000456,"sequential_id":99}`)
	assert.Equal(t, "KRW-ETH", verbose.Symbol)
	assert.Equal(t, models.SideBuy, verbose.Side)
	assert.Equal(t, "99", verbose.TradeID)
}

func TestBithumbTransaction(t *testing.T) {
	c := NewBithumb()
	trades, err := c.Parse(frame("bithumb", `{"type":"transaction","content":{"list":[
		{"symbol":"BTC_KRW","buySellGb":"1","contPrice":"58000000","contQty":"0.01","contAmt":"580000","contDtm":"2024-03-01 09:00:00.123456","updn":"up"},
		{"symbol":"ETH_KRW","buySellGb":"2","contPrice":"3500000","contQty":"1","contAmt":"3500000","contDtm":"2024-03-01 09:00:01.000000","updn":"dn"}]}}`))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "BTC_KRW", trades[0].Symbol)
	assert.Equal(t, models.SideSell, trades[0].Side)
	assert.Equal(t, models.TimestampLayout, trades[0].TimestampKind)
	assert.Equal(t, BithumbTimeLayout, trades[0].TimestampLayout)
	assert.Equal(t, BithumbTimeZone, trades[0].TimestampZone)
	assert.Empty(t, trades[0].TradeID)
	assert.NotEmpty(t, trades[0].Sequence)
	assert.Equal(t, models.SideBuy, trades[1].Side)
}

func TestBithumbIdenticalFillsKeepDistinctSequences(t *testing.T) {
	fill := `{"symbol":"BTC_KRW","buySellGb":"2","contPrice":"58000000","contQty":"0.01","contDtm":"2024-03-01 09:00:00.123456"}`
	trades, err := NewBithumb().Parse(frame("bithumb", `{"type":"transaction","content":{"list":[`+fill+`,`+fill+`]}}`))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.NotEqual(t, trades[0].Sequence, trades[1].Sequence)
	assert.Equal(t, "0:58000000:0.01:2", trades[0].Sequence)
	assert.Equal(t, "1:58000000:0.01:2", trades[1].Sequence)
}

func TestBybitPublicTrade(t *testing.T) {
	c := NewBybit()
	trades, err := c.Parse(frame("bybit", `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000001,"data":[
		{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.001","p":"42000.5","L":"PlusTick","i":"abc-1","BT":false},
		{"T":1700000000000,"s":"BTCUSDT","S":"Sell","v":"0.002","p":"42000.4","L":"MinusTick","i":"abc-2","BT":false}]}`))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, models.SideSell, trades[1].Side)
	assert.Equal(t, "abc-2", trades[1].TradeID)
}

func TestNotTradeFrames(t *testing.T) {
	cases := []struct {
		name     string
		exchange string
		payload  string
	}{
		{"ack", "binance", `{"result":null,"id":1}`},
		{"error", "binance", `{"code":2,"msg":"Invalid request"}`},
		{"other event", "binance", `{"e":"aggTrade","s":"BTCUSDT"}`},
		{"status", "upbit", `{"status":"UP"}`},
		{"error", "upbit", `{"error":{"name":"INVALID_AUTH","message":"bad"}}`},
		{"ticker", "upbit", `{"ty":"ticker","cd":"KRW-BTC"}`},
		{"status", "bithumb", `{"status":"0000","resmsg":"Connected Successfully"}`},
		{"ticker", "bithumb", `{"type":"ticker","content":{}}`},
		{"pong", "bybit", `{"success":true,"ret_msg":"pong","op":"ping"}`},
		{"subscribe ack", "bybit", `{"success":true,"ret_msg":"","op":"subscribe","conn_id":"x"}`},
		{"orderbook", "bybit", `{"topic":"orderbook.1.BTCUSDT","data":{}}`},
		{"pong", "okx", `pong`},
		{"subscribe", "okx", `{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"}}`},
		{"error", "okx", `{"event":"error","code":"60012","msg":"Invalid request"}`},
		{"empty trades", "okx", `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[]}`},
	}
	reg := NewRegistry()
	for _, tc := range cases {
		t.Run(tc.exchange+"/"+tc.name, func(t *testing.T) {
			c, err := reg.Lookup(tc.exchange)
			require.NoError(t, err)
			_, err = c.Parse(frame(tc.exchange, tc.payload))
			assert.ErrorIs(t, err, ErrNotTradeFrame)
		})
	}
}

func TestMalformedTradeFrames(t *testing.T) {
	cases := []struct {
		exchange string
		payload  string
	}{
		{"binance", `{"e":"trade","s":"BTCUSDT","p":"abc","q":"1","T":1700000000000}`},
		{"binance", `{"e":"trade","s":"BTCUSDT","q":"1","T":1700000000000}`},
		{"binance", `{garbage`},
		{"upbit", `{"ty":"trade","cd":"KRW-BTC","tv":1,"ttms":1700000000000}`},
		{"bithumb", `{"type":"transaction","content":{"list":[{"symbol":"BTC_KRW","contPrice":"1,000","contQty":"1","contDtm":"2024-03-01 09:00:00.000000"}]}}`},
		{"bybit", `{"topic":"publicTrade.BTCUSDT","data":{"not":"a list"}}`},
		{"okx", `{"arg":{"channel":"trades"},"data":[{"instId":"BTC-USDT","px":"1","side":"buy","ts":"1"}]}`},
		{"okx", `not json`},
	}
	reg := NewRegistry()
	for _, tc := range cases {
		c, err := reg.Lookup(tc.exchange)
		require.NoError(t, err)
		_, err = c.Parse(frame(tc.exchange, tc.payload))

		var merr *MalformedPayloadError
		require.True(t, errors.As(err, &merr), "%s: %s -> %v", tc.exchange, tc.payload, err)
		assert.Equal(t, tc.exchange, merr.Exchange)
	}
}

func TestConvertIsDeferred(t *testing.T) {
	reg := NewRegistry()
	ch := reg.Convert(context.Background(), frame("okx", `{"arg":{"channel":"trades","instId":"ETH-USDT"},"data":[{"instId":"ETH-USDT","tradeId":"9","px":"3000","sz":"1","side":"sell","ts":"1700000000000"}]}`))

	select {
	case res, ok := <-ch:
		require.True(t, ok)
		require.NoError(t, res.Err)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, "ETH-USDT", res.Trades[0].Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("conversion result not delivered")
	}
	_, open := <-ch
	assert.False(t, open, "result channel must be closed after one value")
}

func TestConvertUnknownExchangeAndCancelledContext(t *testing.T) {
	reg := NewRegistry()
	res := <-reg.Convert(context.Background(), frame("kraken", `{}`))
	var uerr *protocol.UnsupportedExchangeError
	assert.True(t, errors.As(res.Err, &uerr))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = <-reg.Convert(ctx, frame("okx", `pong`))
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestRegistryCoversEveryAdapter(t *testing.T) {
	assert.Equal(t, protocol.NewRegistry().Names(), NewRegistry().Names())
}
