package metrics

import "github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"

// PipelineStats holds the counters of one convert/normalize pipeline.
type PipelineStats struct {
	Exchange         string
	FramesProcessed  int64
	FramesIgnored    int64
	FramesMalformed  int64
	TradesNormalized int64
	TradesDropped    int64
	InputLen         int
	InputCap         int
}

// ReportPipeline emits metrics for a pipeline.
func ReportPipeline(log *logger.Log, stats PipelineStats) {
	errorRate := float64(0)
	if stats.FramesProcessed > 0 {
		errorRate = float64(stats.FramesMalformed) / float64(stats.FramesProcessed)
	}

	fields := logger.Fields{"exchange": stats.Exchange}
	EmitMetric(log, "pipeline", "frames_processed", stats.FramesProcessed, "counter", fields)
	EmitMetric(log, "pipeline", "frames_malformed", stats.FramesMalformed, "counter", fields)
	EmitMetric(log, "pipeline", "trades_normalized", stats.TradesNormalized, "counter", fields)
	EmitMetric(log, "pipeline", "trades_dropped", stats.TradesDropped, "counter", fields)

	log.WithComponent("pipeline").WithFields(logger.Fields{
		"exchange":          stats.Exchange,
		"frames_processed":  stats.FramesProcessed,
		"frames_ignored":    stats.FramesIgnored,
		"frames_malformed":  stats.FramesMalformed,
		"trades_normalized": stats.TradesNormalized,
		"trades_dropped":    stats.TradesDropped,
		"error_rate":        errorRate,
		"input_len":         stats.InputLen,
		"input_cap":         stats.InputCap,
	}).Info("pipeline metrics")
}
