package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/converter"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/health"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/session"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/status"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/subscription"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/processor"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/reader"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", config.DefaultShardsPath, "Path to IP shard configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":   cfg.Tradeflow.Name,
		"version":   cfg.Tradeflow.Version,
		"exchanges": cfg.EnabledExchanges(),
	}).Info("starting tradeflow")

	metrics.Init()
	metrics.Configure(cfg.Metrics)
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		metrics.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
	}

	// ctx stops intake; drainCtx bounds how long buffered trades may keep flowing.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	if strings.ToLower(cfg.Logging.Level) == "report" && cfg.Metrics.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval, metrics.PublishReport)
	}

	shards, err := config.ShardsFor(cfg.Environment, *shardPath)
	if err != nil {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}

	adapters := protocol.NewRegistry()
	converters := converter.NewRegistry()
	manager := subscription.NewManager(adapters, cfg)
	sessions := session.NewRegistry()
	tracker := health.NewTracker(cfg.Processor.MalformedThreshold)
	normalizer := processor.NewNormalizer(cfg)
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormalizedBuffer)

	var (
		readers   []*reader.Reader
		pipelines []*processor.Pipeline
		feeds     []status.Feed
	)
	for i, shard := range shards.Shards {
		for _, exchange := range cfg.EnabledExchanges() {
			pairs, ok, err := shardPairs(cfg, manager, shard, exchange, len(shards.Shards) > 1)
			if err != nil {
				log.WithError(err).Error("invalid pairs")
				os.Exit(1)
			}
			if !ok {
				continue
			}

			conn := fmt.Sprintf("%s-%d", exchange, i)
			buffer := channels.Raw(conn)
			dialer := reader.WebsocketDialer{LocalIP: shard.IP, HandshakeTimeout: cfg.Reader.HandshakeTimeout}
			r, err := reader.New(reader.Options{
				Connection: conn,
				Exchange:   exchange,
				URL:        cfg.Exchanges[exchange].URL,
				Format:     protocol.Format(cfg.Exchanges[exchange].Format),
				Pairs:      pairs,
				Reader:     cfg.Reader,
			}, dialer, adapters, manager, sessions, tracker, buffer)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"connection": conn}).Error("failed to create reader")
				os.Exit(1)
			}
			readers = append(readers, r)
			feeds = append(feeds, r)
			pipelines = append(pipelines, processor.NewPipeline(conn, exchange, buffer, channels.Norm, converters, normalizer, tracker))
		}
	}
	if len(readers) == 0 {
		log.Error("no exchange connections configured")
		os.Exit(1)
	}

	writers, outs, err := buildWriters(ctx, cfg, sessions)
	if err != nil {
		log.WithError(err).Error("failed to create writers")
		os.Exit(1)
	}

	var fanoutWG sync.WaitGroup
	fanoutWG.Add(1)
	go func() {
		defer fanoutWG.Done()
		channel.Fanout(drainCtx, channels.Norm.C(), outs...)
	}()

	for _, w := range writers {
		if err := w.Start(drainCtx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"writer": w.Name()}).Error("writer failed to start")
			os.Exit(1)
		}
	}
	for _, p := range pipelines {
		if err := p.Start(drainCtx); err != nil {
			log.WithError(err).Warn("pipeline failed to start")
		}
		p.StartReporting(ctx, cfg.Metrics.ReportInterval)
	}
	for _, r := range readers {
		if err := r.Start(ctx); err != nil {
			log.WithError(err).Warn("reader failed to start")
		}
	}

	channels.StartMetricsReporting(ctx, cfg.Metrics.ChannelSizeInterval)
	writer.StartReporting(ctx, cfg.Metrics.ReportInterval, writers...)

	statusServer := status.NewServer(cfg.Status, cfg.Tradeflow, sessions, tracker, feeds, log)
	for _, w := range writers {
		if direct, ok := w.(*writer.DirectWriter); ok {
			statusServer.WithTradeStream(direct)
		}
	}
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		if err := statusServer.Run(ctx); err != nil {
			log.WithError(err).Error("status server failed")
		}
	}()

	log.WithFields(logger.Fields{
		"connections": len(readers),
		"writers":     len(writers),
		"status":      statusServer.Address(),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	// Readers close their frame buffers, pipelines drain them, then the
	// normalized channel closes and fanout closes every writer input.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		log.Info("stopping readers")
		for _, r := range readers {
			r.Stop()
		}
		log.Info("draining pipelines")
		for _, p := range pipelines {
			p.Wait()
		}
		channels.Close()
		fanoutWG.Wait()
		log.Info("stopping writers")
		for _, w := range writers {
			w.Stop()
		}
	}()

	drainTimeout := cfg.Processor.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	select {
	case <-drained:
		log.Info("graceful shutdown completed")
	case <-time.After(drainTimeout):
		log.Warn("drain timeout exceeded; discarding buffered trades")
		drainCancel()
		select {
		case <-drained:
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timeout exceeded")
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := sessions.CloseAll(closeCtx); err != nil {
		log.WithError(err).Warn("closing sessions")
	}
	<-statusDone

	for _, p := range pipelines {
		p.Report()
	}
	log.Info("tradeflow stopped")
}

// shardPairs picks the startup pairs of one connection: the shard's list, then
// the exchange's configured pairs, then every supported combination. With
// several shards an exchange the shard does not list gets no connection.
func shardPairs(cfg *config.Config, manager *subscription.Manager, shard config.IPShard, exchange string, sharded bool) ([]models.CurrencyPair, bool, error) {
	pairs, err := shard.PairsFor(exchange)
	if err != nil {
		return nil, false, err
	}
	if len(pairs) > 0 {
		return pairs, true, nil
	}
	if sharded {
		return nil, false, nil
	}
	for _, raw := range cfg.Exchanges[exchange].Pairs {
		p, err := models.ParsePair(raw)
		if err != nil {
			return nil, false, fmt.Errorf("exchange %s: %w", exchange, err)
		}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		pairs = manager.Defaults(exchange)
	}
	return pairs, len(pairs) > 0, nil
}

// buildWriters returns the enabled publishers and their input channels. The
// log writer stands in when nothing else consumes the trades.
func buildWriters(ctx context.Context, cfg *config.Config, sessions writer.SessionStore) ([]writer.Writer, []*channel.TradeChannel, error) {
	var (
		writers []writer.Writer
		outs    []*channel.TradeChannel
	)
	if cfg.Storage.Kafka.Enabled {
		in := channel.NewTradeChannel("kafka", cfg.Channels.WriterBuffer)
		w, err := writer.NewKafkaWriter(cfg.Storage.Kafka, in)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka writer: %w", err)
		}
		writers = append(writers, w)
		outs = append(outs, in)
	}
	if cfg.Storage.S3.Enabled {
		in := channel.NewTradeChannel("s3", cfg.Channels.WriterBuffer)
		w, err := writer.NewArchiveWriter(ctx, cfg.Storage.S3, cfg.Tradeflow.Version, in)
		if err != nil {
			return nil, nil, fmt.Errorf("archive writer: %w", err)
		}
		writers = append(writers, w)
		outs = append(outs, in)
	}
	if cfg.Direct.Enabled {
		in := channel.NewTradeChannel("direct", cfg.Channels.WriterBuffer)
		writers = append(writers, writer.NewDirectWriter(cfg.Direct, in, sessions))
		outs = append(outs, in)
	}
	if len(writers) == 0 {
		logger.GetLogger().WithComponent("main").Info("no storage enabled; trades go to the log writer")
		in := channel.NewTradeChannel("log", cfg.Channels.WriterBuffer)
		writers = append(writers, writer.NewLogWriter(in))
		outs = append(outs, in)
	}
	return writers, outs, nil
}
