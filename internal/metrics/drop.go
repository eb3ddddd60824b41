package metrics

import "github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricRawFrame records frames evicted from a full connection buffer.
	DropMetricRawFrame DropMetric = "raw_frames_dropped"
	// DropMetricTrade records trades rejected by the normalizer.
	DropMetricTrade DropMetric = "trades_dropped"
	// DropMetricPublish records trades a publisher could not deliver.
	DropMetricPublish DropMetric = "publish_dropped"
	// DropMetricClient records trades skipped for a websocket client whose queue was full.
	DropMetricClient DropMetric = "client_trades_dropped"
)

// EmitDropMetric logs and emits a metric representing one dropped message.
// Optional metadata (exchange, symbol, stage) is added to the metric fields
// when provided, which enables downstream aggregation per exchange and stage.
// Raw frame drops also bump the Prometheus drop counter.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	if metric == DropMetricRawFrame {
		IncrementFramesDropped(exchange)
	}
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
