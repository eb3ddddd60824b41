package metrics

import (
	"strings"
	"sync/atomic"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
)

// Feature names an optional group of structured metrics.
type Feature string

const (
	// FeatureChannelSize covers the periodic *_buffer_length gauges.
	FeatureChannelSize Feature = "channel_size"
	// FeatureCloudWatch covers publishing to CloudWatch.
	FeatureCloudWatch Feature = "cloudwatch"
)

type featureSet struct {
	channelSize bool
	cloudWatch  bool
}

var features atomic.Pointer[featureSet]

func init() {
	features.Store(&featureSet{channelSize: true})
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	features.Store(&featureSet{
		channelSize: cfg.ChannelSize,
		cloudWatch:  cfg.CloudWatch.Enabled,
	})
}

// IsFeatureEnabled reports whether f is switched on.
func IsFeatureEnabled(f Feature) bool {
	set := features.Load()
	switch f {
	case FeatureChannelSize:
		return set.channelSize
	case FeatureCloudWatch:
		return set.cloudWatch
	default:
		return true
	}
}

func featureForMetric(name string) (Feature, bool) {
	if strings.HasSuffix(name, "_buffer_length") {
		return FeatureChannelSize, true
	}
	return "", false
}
