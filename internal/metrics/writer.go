package metrics

import "github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"

// WriterStats holds metrics for publisher components.
type WriterStats struct {
	MessagesWritten int64
	BatchesWritten  int64
	BytesWritten    int64
	ErrorsCount     int64
	QueueLen        int
	QueueCap        int
}

// ReportWriter emits common writer metrics using the provided logger and component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	avgBytesPerBatch := float64(0)
	if stats.BatchesWritten > 0 {
		avgBytesPerBatch = float64(stats.BytesWritten) / float64(stats.BatchesWritten)
	}

	EmitMetric(log, component, "messages_written", stats.MessagesWritten, "counter", nil)
	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"messages_written":    stats.MessagesWritten,
		"batches_written":     stats.BatchesWritten,
		"bytes_written":       stats.BytesWritten,
		"errors_count":        stats.ErrorsCount,
		"error_rate":          errorRate,
		"avg_bytes_per_batch": avgBytesPerBatch,
		"queue_len":           stats.QueueLen,
		"queue_cap":           stats.QueueCap,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
