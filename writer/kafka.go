package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"
	kafka "github.com/segmentio/kafka-go"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

const shutdownFlushTimeout = 10 * time.Second

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes trades as JSON keyed by exchange|symbol|quote so one
// market always lands on one partition and stays ordered.
type KafkaWriter struct {
	cfg     config.KafkaConfig
	in      *channel.TradeChannel
	writer  messageWriter
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	counters
}

func NewKafkaWriter(cfg config.KafkaConfig, in *channel.TradeChannel) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	kw := newKafkaWriter(cfg, in, &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	})
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(cfg config.KafkaConfig, in *channel.TradeChannel, w messageWriter) *KafkaWriter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &KafkaWriter{
		cfg:    cfg,
		in:     in,
		writer: w,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Name() string { return "kafka" }

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx = ctx
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()
	return nil
}

func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	batch := make([]kafka.Message, 0, kw.cfg.BatchSize)
	ticker := time.NewTicker(kw.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-kw.ctx.Done():
			kw.flushOnExit(batch)
			return
		case <-ticker.C:
			if len(batch) > 0 {
				kw.flush(kw.ctx, batch)
				batch = batch[:0]
			}
		case trade, ok := <-kw.in.C():
			if !ok {
				kw.flushOnExit(batch)
				return
			}
			msg, err := encodeTrade(trade)
			if err != nil {
				kw.errors.Add(1)
				kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal trade")
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= kw.cfg.BatchSize {
				kw.flush(kw.ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flushOnExit gets a fresh deadline since the run context may be cancelled.
func (kw *KafkaWriter) flushOnExit(batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(kw.ctx), shutdownFlushTimeout)
	defer cancel()
	kw.flush(ctx, batch)
}

// flush writes batch, retrying with backoff before the run loop takes more
// input. The batch is dropped once MaxAttempts writes failed or ctx is done.
func (kw *KafkaWriter) flush(ctx context.Context, batch []kafka.Message) {
	var size int64
	for _, m := range batch {
		size += int64(len(m.Value))
	}
	log := kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"topic":    kw.cfg.Topic,
		"messages": len(batch),
		"bytes":    size,
	})

	retry := &backoff.Backoff{
		Min:    kw.cfg.RetryBackoff.Min,
		Max:    kw.cfg.RetryBackoff.Max,
		Factor: kw.cfg.RetryBackoff.Factor,
		Jitter: kw.cfg.RetryBackoff.Jitter,
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		err := kw.writer.WriteMessages(ctx, batch...)
		if err == nil {
			break
		}
		metrics.IncrementPublishErrors(kw.Name())
		if attempt >= kw.cfg.MaxAttempts || !sleep(ctx, retry.Duration()) {
			kw.errors.Add(1)
			for _, m := range batch {
				metrics.EmitDropMetric(kw.log, metrics.DropMetricPublish, headerValue(m, "exchange"), string(m.Key), "kafka")
			}
			log.WithError(err).WithFields(logger.Fields{"attempts": attempt}).Error("failed to write messages, batch dropped")
			return
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("failed to write messages, retrying")
	}

	kw.messages.Add(int64(len(batch)))
	kw.batches.Add(1)
	kw.bytes.Add(size)
	metrics.AddPublished(kw.Name(), len(batch))
	logger.IncrementKafkaWrite(len(batch), size)
	logger.LogPerformanceEntry(log, "kafka_writer", "write_messages", time.Since(start), nil)
	logger.LogDataFlowEntry(log, "normalized_channel", "kafka", len(batch), "trades")
}

// sleep reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func encodeTrade(trade models.NormalizedMessage) (kafka.Message, error) {
	data, err := json.Marshal(trade)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(trade.Key()),
		Value: data,
		Time:  trade.Timestamp,
		Headers: []kafka.Header{
			{Key: "exchange", Value: []byte(trade.Exchange)},
			{Key: "trade_id", Value: []byte(trade.TradeID)},
		},
	}, nil
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").Debug("kafka writer stopped")
}

func (kw *KafkaWriter) Stats() metrics.WriterStats { return kw.snapshot(kw.in) }
