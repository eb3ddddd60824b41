package processor

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/converter"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/health"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

func binanceFrame(id int, price string) models.ExchangeMessage {
	payload := `{"e":"trade","s":"BTCUSDT","t":` + strconv.Itoa(id) + `,"p":"` + price + `","q":"0.5","T":1700000000000,"m":false}`
	return models.NewExchangeMessage("binance", []byte(payload), false, time.Now())
}

func collect(t *testing.T, out *channel.TradeChannel, n int) []models.NormalizedMessage {
	t.Helper()
	var got []models.NormalizedMessage
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case msg := <-out.C():
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("timed out after %d of %d trades", len(got), n)
		}
	}
	return got
}

func TestPipelineSkipsMalformedFrameAndKeepsOrder(t *testing.T) {
	in := channel.NewFrameBuffer("binance-0", 64)
	out := channel.NewTradeChannel("normalized", 64)
	tracker := health.NewTracker(3)
	p := NewPipeline("binance-0", "binance", in, out, converter.NewRegistry(), testNormalizer(), tracker)

	in.Push(binanceFrame(1, "100"))
	in.Push(models.NewExchangeMessage("binance", []byte(`{garbage`), false, time.Now()))
	in.Push(models.NewExchangeMessage("binance", []byte(`{"result":null,"id":1}`), false, time.Now()))
	for i := 2; i <= 20; i++ {
		in.Push(binanceFrame(i, "100."+strconv.Itoa(i)))
	}
	in.Close()

	require.NoError(t, p.Start(context.Background()))
	got := collect(t, out, 20)
	p.Wait()

	for i, msg := range got {
		assert.Equal(t, strconv.Itoa(i+1), msg.TradeID)
		assert.Equal(t, "BTC", msg.Symbol)
		assert.Equal(t, "USDT", msg.QuoteCurrency)
	}

	stats := p.Stats()
	assert.Equal(t, int64(22), stats.FramesProcessed)
	assert.Equal(t, int64(1), stats.FramesMalformed)
	assert.Equal(t, int64(1), stats.FramesIgnored)
	assert.Equal(t, int64(20), stats.TradesNormalized)
	assert.Zero(t, stats.TradesDropped)
}

func TestPipelineCountsDroppedTrades(t *testing.T) {
	in := channel.NewFrameBuffer("okx-0", 8)
	out := channel.NewTradeChannel("normalized", 8)
	p := NewPipeline("okx-0", "okx", in, out, converter.NewRegistry(), testNormalizer(), nil)

	frame := `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[` +
		`{"instId":"BTC-USDT","tradeId":"1","px":"-1","sz":"1","side":"buy","ts":"1700000000000"},` +
		`{"instId":"BTC-USDT","tradeId":"2","px":"10","sz":"1","side":"sell","ts":"1700000000000"}]}`
	in.Push(models.NewExchangeMessage("okx", []byte(frame), false, time.Now()))
	in.Close()

	require.NoError(t, p.Start(context.Background()))
	got := collect(t, out, 1)
	p.Wait()

	assert.Equal(t, "2", got[0].TradeID)
	assert.Equal(t, models.SideSell, got[0].Side)
	assert.Equal(t, int64(1), p.Stats().TradesDropped)
}

func TestPipelineMarksConnectionDegraded(t *testing.T) {
	in := channel.NewFrameBuffer("upbit-0", 8)
	out := channel.NewTradeChannel("normalized", 8)
	tracker := health.NewTracker(2)
	tracker.Up("upbit-0", "upbit", "s1")
	p := NewPipeline("upbit-0", "upbit", in, out, converter.NewRegistry(), testNormalizer(), tracker)

	for i := 0; i < 2; i++ {
		in.Push(models.NewExchangeMessage("upbit", []byte(`[1,2]`), true, time.Now()))
	}
	in.Close()
	require.NoError(t, p.Start(context.Background()))
	p.Wait()

	snap := tracker.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, health.StateDegraded, snap[0].State)
}

func TestPipelineStartTwice(t *testing.T) {
	in := channel.NewFrameBuffer("bybit-0", 1)
	out := channel.NewTradeChannel("normalized", 1)
	p := NewPipeline("bybit-0", "bybit", in, out, converter.NewRegistry(), testNormalizer(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))
	cancel()
	p.Wait()
}
