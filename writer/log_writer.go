package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

// LogWriter logs every trade at debug level. It is used when no sink is
// enabled so the pipelines always have a consumer.
type LogWriter struct {
	in      *channel.TradeChannel
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	counters
}

func NewLogWriter(in *channel.TradeChannel) *LogWriter {
	return &LogWriter{in: in, wg: &sync.WaitGroup{}, log: logger.GetLogger()}
}

func (w *LogWriter) Name() string { return "log" }

func (w *LogWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("log writer already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *LogWriter) run(ctx context.Context) {
	defer w.wg.Done()
	log := w.log.WithComponent("log_writer")
	for {
		select {
		case <-ctx.Done():
			return
		case trade, ok := <-w.in.C():
			if !ok {
				return
			}
			w.messages.Add(1)
			metrics.AddPublished(w.Name(), 1)
			log.WithFields(logger.Fields{
				"exchange": trade.Exchange,
				"symbol":   trade.Symbol,
				"quote":    trade.QuoteCurrency,
				"price":    trade.Price.String(),
				"quantity": trade.Quantity.String(),
				"trade_id": trade.TradeID,
				"side":     string(trade.Side),
				"ts":       trade.Timestamp,
			}).Debug("trade")
		}
	}
}

func (w *LogWriter) Stop() {
	w.wg.Wait()
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *LogWriter) Stats() metrics.WriterStats { return w.snapshot(w.in) }
