package metrics

import (
	"context"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

// SizedBuffer is anything whose occupancy can be sampled.
// Kind groups buffers of the same role (raw, normalized) under one metric name.
type SizedBuffer interface {
	Name() string
	Kind() string
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits occupancy metrics for the given buffers every
// interval until the context is cancelled. When interval <= 0 a one-second
// cadence is used. buffers is called on every tick so connections added later
// are picked up.
func StartChannelSizeMetrics(ctx context.Context, buffers func() []SizedBuffer, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if buffers == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers() {
					if b == nil {
						continue
					}
					EmitMetric(log, component, b.Kind()+"_buffer_length", b.Len(), "gauge", logger.Fields{
						"buffer":   b.Name(),
						"capacity": b.Cap(),
					})
					logger.RecordChannelMessage(b.Name(), b.Len())
				}
			}
		}
	}()
}
