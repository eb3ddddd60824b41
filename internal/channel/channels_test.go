package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

func frame(i int) models.ExchangeMessage {
	return models.NewExchangeMessage("binance", []byte(fmt.Sprintf(`{"n":%d}`, i)), false, time.Now())
}

func TestFrameBufferDropsOldest(t *testing.T) {
	b := NewFrameBuffer("binance:test", 3)
	dropped := 0
	for i := 0; i < 5; i++ {
		dropped += b.Push(frame(i))
	}
	assert.Equal(t, 2, dropped)
	assert.Equal(t, FrameStats{Sent: 5, Dropped: 2}, b.GetStats())

	b.Close()
	var got []string
	for msg := range b.C() {
		got = append(got, string(msg.Payload))
	}
	assert.Equal(t, []string{`{"n":2}`, `{"n":3}`, `{"n":4}`}, got)
}

func TestFrameBufferPushAfterCloseIsNoop(t *testing.T) {
	b := NewFrameBuffer("x", 1)
	b.Close()
	b.Close()
	assert.Zero(t, b.Push(frame(1)))
}

func TestFrameBufferOfferWaitsBeforeEvicting(t *testing.T) {
	b := NewFrameBuffer("x", 1)
	require.Zero(t, b.Push(frame(0)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-b.C()
	}()
	assert.Zero(t, b.Offer(context.Background(), frame(1), time.Second), "consumer freed a slot within the grace period")

	start := time.Now()
	assert.Equal(t, 1, b.Offer(context.Background(), frame(2), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	msg := <-b.C()
	assert.Equal(t, `{"n":2}`, string(msg.Payload))
}

func TestFrameBufferNeverBlocksWithConcurrentConsumer(t *testing.T) {
	b := NewFrameBuffer("x", 4)
	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		for range b.C() {
			received++
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Push(frame(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked")
	}
	b.Close()
	wg.Wait()

	stats := b.GetStats()
	assert.Equal(t, int64(1000), stats.Sent)
	assert.Equal(t, int64(received), stats.Sent-stats.Dropped)
}

func TestTradeChannelSendHonoursContext(t *testing.T) {
	c := NewTradeChannel("normalized", 1)
	require.True(t, c.Send(context.Background(), models.NormalizedMessage{TradeID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.Send(ctx, models.NormalizedMessage{TradeID: "2"}), "full channel must block until ctx is done")
	assert.Equal(t, int64(1), c.GetStats().Sent)
}

func TestFanoutCopiesAndCloses(t *testing.T) {
	in := make(chan models.NormalizedMessage, 2)
	a, b := NewTradeChannel("a", 2), NewTradeChannel("b", 2)
	in <- models.NormalizedMessage{TradeID: "1"}
	in <- models.NormalizedMessage{TradeID: "2"}
	close(in)

	Fanout(context.Background(), in, a, b)

	for _, out := range []*TradeChannel{a, b} {
		var ids []string
		for msg := range out.C() {
			ids = append(ids, msg.TradeID)
		}
		assert.Equal(t, []string{"1", "2"}, ids)
	}
}

func TestChannelsRegistry(t *testing.T) {
	c := NewChannels(2, 2)
	first := c.Raw("okx:1")
	assert.Same(t, first, c.Raw("okx:1"))
	c.Raw("binance:1")

	sized := c.Sized()
	require.Len(t, sized, 3)
	assert.Equal(t, "binance:1", sized[0].Name())
	assert.Equal(t, "normalized", sized[2].Kind())

	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	cancel()
	c.Close()
}
