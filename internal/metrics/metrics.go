// Registers:
//
//	#tradeflow_frames_received_total
//	#tradeflow_frames_dropped_total
//	#tradeflow_frames_malformed_total
//	#tradeflow_frames_ignored_total
//	#tradeflow_trades_normalized_total
//	#tradeflow_trades_dropped_total
//	#tradeflow_reconnects_total
//	#tradeflow_published_total / tradeflow_publish_errors_total
//	#tradeflow_active_sessions
//	#go_* and process_* system metrics
//
// Handler exposes them for the status server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	framesReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	framesMalformed  *prometheus.CounterVec
	framesIgnored    *prometheus.CounterVec
	tradesNormalized *prometheus.CounterVec
	tradesDropped    *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	published        *prometheus.CounterVec
	publishErrors    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
)

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

// Init registers every collector once. Counters are no-ops before Init.
func Init() {
	once.Do(func() {
		framesReceived = counter("tradeflow_frames_received_total", "Raw frames read from exchange sockets", "exchange")
		framesDropped = counter("tradeflow_frames_dropped_total", "Raw frames evicted from a full connection buffer", "exchange")
		framesMalformed = counter("tradeflow_frames_malformed_total", "Trade frames that could not be decoded", "exchange")
		framesIgnored = counter("tradeflow_frames_ignored_total", "Non-trade frames such as pongs and acks", "exchange")
		tradesNormalized = counter("tradeflow_trades_normalized_total", "Trades emitted in canonical form", "exchange")
		tradesDropped = counter("tradeflow_trades_dropped_total", "Trades dropped during normalization", "exchange", "reason")
		reconnects = counter("tradeflow_reconnects_total", "Websocket reconnect attempts", "exchange")
		published = counter("tradeflow_published_total", "Trades accepted by a publisher", "sink")
		publishErrors = counter("tradeflow_publish_errors_total", "Failed publisher writes", "sink")
		activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeflow_active_sessions",
			Help: "Sessions currently held in the session registry",
		})

		registry.MustRegister(
			framesReceived, framesDropped, framesMalformed, framesIgnored,
			tradesNormalized, tradesDropped, reconnects, published, publishErrors,
			activeSessions,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

func inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

func add(vec *prometheus.CounterVec, n int, labels ...string) {
	if vec != nil && n > 0 {
		vec.WithLabelValues(labels...).Add(float64(n))
	}
}

func IncrementFramesReceived(exchange string)  { inc(framesReceived, exchange) }
func IncrementFramesDropped(exchange string)   { inc(framesDropped, exchange) }
func IncrementFramesMalformed(exchange string) { inc(framesMalformed, exchange) }
func IncrementFramesIgnored(exchange string)   { inc(framesIgnored, exchange) }
func IncrementReconnects(exchange string)      { inc(reconnects, exchange) }

func AddTradesNormalized(exchange string, n int) { add(tradesNormalized, n, exchange) }

// IncrementTradesDropped counts one trade rejected by the normalizer.
func IncrementTradesDropped(exchange, reason string) { inc(tradesDropped, exchange, reason) }

func AddPublished(sink string, n int)     { add(published, n, sink) }
func IncrementPublishErrors(sink string) { inc(publishErrors, sink) }

// SetActiveSessions mirrors the session registry count.
func SetActiveSessions(n int) {
	if activeSessions != nil {
		activeSessions.Set(float64(n))
	}
}
