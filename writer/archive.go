package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// objectPutter is the part of *s3.Client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter buffers trades per market and uploads them to S3 as parquet,
// on a timer or once a market reaches max_records.
type ArchiveWriter struct {
	cfg      config.S3Config
	version  string
	in       *channel.TradeChannel
	client   objectPutter
	manifest *Manifest
	now      func() time.Time

	bufMu  sync.Mutex
	buffer map[string][]models.NormalizedMessage

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	counters
}

// NewArchiveWriter loads AWS configuration the usual way, preferring static
// keys from the config when both are set.
func NewArchiveWriter(ctx context.Context, cfg config.S3Config, version string, in *channel.TradeChannel) (*ArchiveWriter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	w := newArchiveWriter(cfg, version, in, client)
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("archive writer initialized")
	return w, nil
}

func newArchiveWriter(cfg config.S3Config, version string, in *channel.TradeChannel, client objectPutter) *ArchiveWriter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxRecords < 1 {
		cfg.MaxRecords = 50000
	}
	return &ArchiveWriter{
		cfg:      cfg,
		version:  version,
		in:       in,
		client:   client,
		manifest: NewManifest(fmt.Sprintf("s3://%s/%s", cfg.Bucket, cfg.Prefix), cfg.Prefix),
		now:      time.Now,
		buffer:   make(map[string][]models.NormalizedMessage),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (w *ArchiveWriter) Name() string { return "s3" }

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flush_interval": w.cfg.FlushInterval.String(),
		"max_records":    w.cfg.MaxRecords,
	}).Info("starting archive writer")

	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *ArchiveWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushAll("shutdown")
			return
		case <-ticker.C:
			w.flushAll("interval")
		case trade, ok := <-w.in.C():
			if !ok {
				w.flushAll("shutdown")
				return
			}
			if full := w.add(trade); full != nil {
				w.flush(trade.Key(), full, "max_records")
				w.commitManifest()
			}
		}
	}
}

// add buffers trade and hands back the market's buffer once it is full.
func (w *ArchiveWriter) add(trade models.NormalizedMessage) []models.NormalizedMessage {
	key := trade.Key()
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	w.buffer[key] = append(w.buffer[key], trade)
	if len(w.buffer[key]) < w.cfg.MaxRecords {
		return nil
	}
	full := w.buffer[key]
	delete(w.buffer, key)
	return full
}

func (w *ArchiveWriter) flushAll(reason string) {
	w.bufMu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.NormalizedMessage)
	w.bufMu.Unlock()

	if len(buffers) == 0 {
		return
	}
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	keys := make([]string, 0, len(buffers))
	for k := range buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.flush(k, buffers[k], reason)
	}
	w.commitManifest()
}

func (w *ArchiveWriter) flush(key string, trades []models.NormalizedMessage, reason string) {
	if len(trades) == 0 {
		return
	}
	first := trades[0]
	flushedAt := w.now().UTC()
	objectKey := w.objectKey(first, flushedAt)
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"market":    key,
		"records":   len(trades),
		"s3_key":    objectKey,
		"reason":    reason,
		"operation": "flush",
	})

	data, err := encodeParquet(trades, w.cfg.Compression)
	if err != nil {
		w.fail(log, err, trades, "failed to create parquet file")
		return
	}

	start := time.Now()
	if err := w.upload(objectKey, data, "application/octet-stream"); err != nil {
		w.fail(log.WithFields(logger.Fields{"bucket": w.cfg.Bucket}), err, trades, "failed to upload to S3")
		return
	}

	size := int64(len(data))
	w.messages.Add(int64(len(trades)))
	w.batches.Add(1)
	w.bytes.Add(size)
	metrics.AddPublished(w.Name(), len(trades))
	logger.IncrementS3Write(size)
	logger.LogPerformanceEntry(log, "archive_writer", "upload", time.Since(start), logger.Fields{"file_size": size})

	minTS, maxTS := timeRange(trades)
	w.manifest.Add(DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", w.cfg.Bucket, objectKey),
		FileSize:    size,
		RecordCount: int64(len(trades)),
		Partition: map[string]any{
			"exchange": first.Exchange,
			"symbol":   first.Symbol,
			"quote":    first.QuoteCurrency,
			"date":     flushedAt.Format("2006-01-02"),
		},
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
	})
}

func (w *ArchiveWriter) fail(log *logger.Entry, err error, trades []models.NormalizedMessage, msg string) {
	w.errors.Add(1)
	metrics.IncrementPublishErrors(w.Name())
	if len(trades) > 0 {
		metrics.EmitDropMetric(w.log, metrics.DropMetricPublish, trades[0].Exchange, trades[0].Symbol, "s3")
	}
	log.WithError(err).Error(msg)
}

func (w *ArchiveWriter) commitManifest() {
	key, body, ok, err := w.manifest.Commit(w.now().UTC())
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"operation": "commit_manifest"})
	if err != nil {
		log.WithError(err).Warn("failed to encode manifest")
		return
	}
	if !ok {
		return
	}
	if err := w.upload(key, body, "application/json"); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Warn("failed to upload manifest")
	}
}

func (w *ArchiveWriter) upload(key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"compression":       w.cfg.Compression,
			"tradeflow-version": w.version,
		},
	}
	// uploads finish even when shutdown has cancelled the run context
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.cfg.Bucket, err)
	}
	return nil
}

// objectKey lays files out as
// prefix/exchange=x/symbol=BASE/quote=QUOTE/date=YYYY-MM-DD/hour=HH/file.parquet.
func (w *ArchiveWriter) objectKey(first models.NormalizedMessage, at time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s_%s.parquet",
		first.Exchange,
		strings.ToLower(first.Symbol),
		strings.ToLower(first.QuoteCurrency),
		at.Format("20060102150405"),
		uuid.NewString()[:8],
	)
	return path.Join(
		w.cfg.Prefix,
		"exchange="+first.Exchange,
		"symbol="+first.Symbol,
		"quote="+first.QuoteCurrency,
		"date="+at.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", at.Hour()),
		name,
	)
}

func timeRange(trades []models.NormalizedMessage) (time.Time, time.Time) {
	lo, hi := trades[0].Timestamp, trades[0].Timestamp
	for _, t := range trades[1:] {
		if t.Timestamp.Before(lo) {
			lo = t.Timestamp
		}
		if t.Timestamp.After(hi) {
			hi = t.Timestamp
		}
	}
	return lo, hi
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) Stats() metrics.WriterStats { return w.snapshot(w.in) }
