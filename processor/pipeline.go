package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/converter"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/health"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// defaultLookahead bounds how many frames are converted ahead of the one
// being emitted.
const defaultLookahead = 8

// Input is the raw side of a pipeline, normally a channel.FrameBuffer.
type Input interface {
	C() <-chan models.ExchangeMessage
	Len() int
	Cap() int
}

type pendingFrame struct {
	msg    models.ExchangeMessage
	result <-chan converter.Result
}

// Pipeline converts and normalizes the frames of one connection. Conversions
// run concurrently but trades leave in frame order.
type Pipeline struct {
	conn       string
	exchange   string
	in         Input
	out        *channel.TradeChannel
	converters *converter.Registry
	normalizer *Normalizer
	health     *health.Tracker
	lookahead  int

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	framesProcessed  atomic.Int64
	framesIgnored    atomic.Int64
	framesMalformed  atomic.Int64
	tradesNormalized atomic.Int64
	tradesDropped    atomic.Int64
	busy             atomic.Int64 // nanoseconds spent waiting on conversion and emitting
}

// NewPipeline wires one connection's buffer to the shared trade channel.
// tracker may be nil.
func NewPipeline(conn, exchange string, in Input, out *channel.TradeChannel, converters *converter.Registry, normalizer *Normalizer, tracker *health.Tracker) *Pipeline {
	return &Pipeline{
		conn:       conn,
		exchange:   exchange,
		in:         in,
		out:        out,
		converters: converters,
		normalizer: normalizer,
		health:     tracker,
		lookahead:  defaultLookahead,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

// Start runs the pipeline until its input is closed or ctx is done. Readers
// close their buffer on exit, so cancelling only the reader lets the pipeline
// drain what was already received.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s already running", p.conn)
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.log.WithComponent("pipeline").WithConnection(p.conn, p.exchange).WithFields(logger.Fields{"operation": "start"}).Info("starting pipeline")

	pending := make(chan pendingFrame, p.lookahead)
	p.wg.Add(2)
	go p.dispatch(ctx, pending)
	go p.emit(ctx, pending)
	return nil
}

// Wait blocks until the pipeline has emitted everything it dispatched.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.WithComponent("pipeline").WithConnection(p.conn, p.exchange).Info("pipeline stopped")
}

// dispatch starts a conversion per frame and hands the pending result to emit.
func (p *Pipeline) dispatch(ctx context.Context, pending chan<- pendingFrame) {
	defer p.wg.Done()
	defer close(pending)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.in.C():
			if !ok {
				p.log.WithComponent("pipeline").WithConnection(p.conn, p.exchange).Debug("input closed, pipeline draining")
				return
			}
			f := pendingFrame{msg: msg, result: p.converters.Convert(ctx, msg)}
			select {
			case pending <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, pending <-chan pendingFrame) {
	defer p.wg.Done()
	for f := range pending {
		start := time.Now()
		res := <-f.result
		p.handle(ctx, f.msg, res)
		p.busy.Add(int64(time.Since(start)))
	}
}

// handle emits the trades of one converted frame and returns how many were sent.
func (p *Pipeline) handle(ctx context.Context, msg models.ExchangeMessage, res converter.Result) int {
	p.framesProcessed.Add(1)
	exchange := msg.Exchange
	if exchange == "" {
		exchange = p.exchange
	}
	log := p.log.WithComponent("pipeline").WithConnection(p.conn, exchange)

	if res.Err != nil {
		var malformed *converter.MalformedPayloadError
		switch {
		case errors.Is(res.Err, converter.ErrNotTradeFrame):
			p.framesIgnored.Add(1)
			metrics.IncrementFramesIgnored(exchange)
		case errors.As(res.Err, &malformed):
			p.framesMalformed.Add(1)
			metrics.IncrementFramesMalformed(exchange)
			if p.health != nil {
				p.health.Malformed(p.conn, exchange)
			}
			log.WithError(res.Err).WithFields(logger.Fields{"payload_size": len(msg.Payload)}).Warn("malformed frame skipped")
		case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
			log.Debug("conversion cancelled")
		default:
			log.WithError(res.Err).Error("conversion failed")
		}
		return 0
	}

	if p.health != nil {
		p.health.Healthy(p.conn, exchange)
	}

	sent := 0
	for _, trade := range res.Trades {
		norm, err := p.normalizer.Normalize(trade)
		if err != nil {
			reason := DropReason(err)
			p.tradesDropped.Add(1)
			metrics.IncrementTradesDropped(exchange, reason)
			metrics.EmitDropMetric(p.log, metrics.DropMetricTrade, exchange, trade.Symbol, reason)
			log.WithError(err).WithFields(logger.Fields{"symbol": trade.Symbol, "reason": reason}).Warn("trade dropped")
			continue
		}
		if !p.out.Send(ctx, norm) {
			return sent
		}
		sent++
	}

	if sent > 0 {
		p.tradesNormalized.Add(int64(sent))
		metrics.AddTradesNormalized(exchange, sent)
		logger.IncrementTradesProcessed(sent)
	}
	return sent
}

// Stats returns a point-in-time copy of the pipeline counters.
func (p *Pipeline) Stats() metrics.PipelineStats {
	return metrics.PipelineStats{
		Exchange:         p.exchange,
		FramesProcessed:  p.framesProcessed.Load(),
		FramesIgnored:    p.framesIgnored.Load(),
		FramesMalformed:  p.framesMalformed.Load(),
		TradesNormalized: p.tradesNormalized.Load(),
		TradesDropped:    p.tradesDropped.Load(),
		InputLen:         p.in.Len(),
		InputCap:         p.in.Cap(),
	}
}

// Report emits the counters through the metrics pipeline.
func (p *Pipeline) Report() {
	stats := p.Stats()
	metrics.ReportPipeline(p.log, stats)

	log := p.log.WithComponent("pipeline").WithConnection(p.conn, p.exchange)
	logger.LogPerformanceEntry(log, "pipeline", "process_frames", time.Duration(p.busy.Load()), logger.Fields{
		"frames": stats.FramesProcessed,
	})
	logger.LogDataFlowEntry(log, "raw_buffer", "normalized_channel", int(stats.TradesNormalized), "trades")
}

// StartReporting calls Report every interval until ctx is done.
func (p *Pipeline) StartReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}
