// Package writer publishes normalized trades. Every writer owns one
// TradeChannel fed by channel.Fanout and drains it until it is closed.
package writer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

// Writer is a trade publisher.
type Writer interface {
	Name() string
	Start(ctx context.Context) error
	// Stop waits until the input channel is drained and flushed.
	Stop()
	Stats() metrics.WriterStats
}

// counters is embedded by every writer.
type counters struct {
	messages atomic.Int64
	batches  atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
}

func (c *counters) snapshot(in *channel.TradeChannel) metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: c.messages.Load(),
		BatchesWritten:  c.batches.Load(),
		BytesWritten:    c.bytes.Load(),
		ErrorsCount:     c.errors.Load(),
		QueueLen:        in.Len(),
		QueueCap:        in.Cap(),
	}
}

// StartReporting emits writer metrics every interval until ctx is done.
func StartReporting(ctx context.Context, interval time.Duration, writers ...Writer) {
	if interval <= 0 || len(writers) == 0 {
		return
	}
	log := logger.GetLogger()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, w := range writers {
					metrics.ReportWriter(log, w.Name()+"_writer", w.Stats())
				}
			}
		}
	}()
}
