package channel

import (
	"context"
	"sync"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

type TradeStats struct {
	Sent int64
}

// TradeChannel carries normalized trades. Sends block so slow publishers push
// back on the pipelines instead of losing canonical records.
type TradeChannel struct {
	name string
	ch   chan models.NormalizedMessage

	statsMutex sync.RWMutex
	stats      TradeStats
	closeOnce  sync.Once
}

func NewTradeChannel(name string, size int) *TradeChannel {
	if size < 0 {
		size = 0
	}
	return &TradeChannel{name: name, ch: make(chan models.NormalizedMessage, size)}
}

// Send blocks until msg is queued or ctx is done.
func (c *TradeChannel) Send(ctx context.Context, msg models.NormalizedMessage) bool {
	select {
	case c.ch <- msg:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *TradeChannel) C() <-chan models.NormalizedMessage {
	return c.ch
}

func (c *TradeChannel) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}

func (c *TradeChannel) GetStats() TradeStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *TradeChannel) Name() string { return c.name }
func (c *TradeChannel) Kind() string { return "normalized" }
func (c *TradeChannel) Len() int     { return len(c.ch) }
func (c *TradeChannel) Cap() int     { return cap(c.ch) }

// Fanout copies every trade from in to each output and closes the outputs
// once in is closed. A slow output stalls the others.
func Fanout(ctx context.Context, in <-chan models.NormalizedMessage, outs ...*TradeChannel) {
	defer func() {
		for _, out := range outs {
			out.Close()
		}
	}()
	log := logger.GetLogger().WithComponent("fanout")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				log.Debug("input closed, fanout stopping")
				return
			}
			for _, out := range outs {
				if !out.Send(ctx, msg) {
					return
				}
			}
		}
	}
}
