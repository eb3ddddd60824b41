package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

// Channels owns every buffer in the process: one FrameBuffer per connection
// and the shared normalized trade channel.
type Channels struct {
	Norm *TradeChannel

	rawSize int
	mu      sync.RWMutex
	raw     map[string]*FrameBuffer
	log     *logger.Log
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Norm:    NewTradeChannel("normalized", normBufferSize),
		rawSize: rawBufferSize,
		raw:     make(map[string]*FrameBuffer),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("channels initialized")

	return c
}

// Raw returns the frame buffer registered under name, creating it on first use.
func (c *Channels) Raw(name string) *FrameBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.raw[name]; ok {
		return b
	}
	b := NewFrameBuffer(name, c.rawSize)
	c.raw[name] = b
	return b
}

// Sized lists every buffer for occupancy sampling, raw buffers sorted by name.
func (c *Channels) Sized() []metrics.SizedBuffer {
	c.mu.RLock()
	names := make([]string, 0, len(c.raw))
	for name := range c.raw {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]metrics.SizedBuffer, 0, len(names)+1)
	for _, name := range names {
		out = append(out, c.raw[name])
	}
	c.mu.RUnlock()
	return append(out, c.Norm)
}

// StartMetricsReporting samples buffer occupancy until ctx is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	metrics.StartChannelSizeMetrics(ctx, c.Sized, interval)
}

// Close closes the normalized channel. Frame buffers are closed by their readers.
func (c *Channels) Close() {
	c.Norm.Close()
	c.log.WithComponent("channels").Info("channels closed")
}
