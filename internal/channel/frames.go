package channel

import (
	"context"
	"sync"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

type FrameStats struct {
	Sent    int64
	Dropped int64
}

// FrameBuffer is the bounded queue between one websocket reader and its
// pipeline. When full, Push evicts the oldest frame so the reader never blocks
// and the consumer always sees the most recent data.
type FrameBuffer struct {
	name string
	ch   chan models.ExchangeMessage

	mu     sync.Mutex
	closed bool
	stats  FrameStats
	log    *logger.Log
}

func NewFrameBuffer(name string, size int) *FrameBuffer {
	if size < 1 {
		size = 1
	}
	b := &FrameBuffer{
		name: name,
		ch:   make(chan models.ExchangeMessage, size),
		log:  logger.GetLogger(),
	}
	b.log.WithComponent("frame_buffer").WithFields(logger.Fields{
		"buffer":      name,
		"buffer_size": size,
	}).Debug("frame buffer initialized")
	return b
}

// Push enqueues msg and reports how many older frames were evicted to make
// room. Pushing to a closed buffer is a no-op.
func (b *FrameBuffer) Push(msg models.ExchangeMessage) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	for {
		select {
		case b.ch <- msg:
			b.stats.Sent++
			return dropped
		default:
		}
		select {
		case <-b.ch:
			dropped++
			b.stats.Dropped++
		default:
			// consumer drained it in between
		}
	}
}

// Offer waits up to grace for room before falling back to Push. Readers use it
// to slow down under short bursts and only shed frames on sustained overflow.
func (b *FrameBuffer) Offer(ctx context.Context, msg models.ExchangeMessage, grace time.Duration) (dropped int) {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return 0
		}
		select {
		case b.ch <- msg:
			b.stats.Sent++
			b.mu.Unlock()
			return 0
		case <-timer.C:
		case <-ctx.Done():
		}
		b.mu.Unlock()
	}
	return b.Push(msg)
}

// C is the consumer side. It is closed by Close.
func (b *FrameBuffer) C() <-chan models.ExchangeMessage {
	return b.ch
}

// Close stops accepting frames; queued frames stay readable.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
	b.log.WithComponent("frame_buffer").WithFields(logger.Fields{
		"buffer":  b.name,
		"sent":    b.stats.Sent,
		"dropped": b.stats.Dropped,
	}).Debug("frame buffer closed")
}

func (b *FrameBuffer) GetStats() FrameStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *FrameBuffer) Name() string { return b.name }
func (b *FrameBuffer) Kind() string { return "raw" }
func (b *FrameBuffer) Len() int     { return len(b.ch) }
func (b *FrameBuffer) Cap() int     { return cap(b.ch) }
