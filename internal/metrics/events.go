package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

// Metric is one emitted measurement as listeners see it.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Type      string
	Fields    logger.Fields
}

// Exchange is the exchange label of the metric, if it has one.
func (m Metric) Exchange() string {
	s, _ := m.Fields["exchange"].(string)
	return s
}

type listener struct {
	id uint64
	fn func(Metric)
}

var (
	listenersMu  sync.Mutex
	listeners    atomic.Pointer[[]listener]
	nextListener uint64
)

// Listen calls fn with every metric emitted until stop is called. fn runs on
// the emitting goroutine and must not block.
func Listen(fn func(Metric)) (stop func()) {
	if fn == nil {
		return func() {}
	}
	listenersMu.Lock()
	nextListener++
	id := nextListener
	cur := currentListeners()
	next := make([]listener, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, listener{id: id, fn: fn})
	listeners.Store(&next)
	listenersMu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { removeListener(id) }) }
}

func removeListener(id uint64) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	cur := currentListeners()
	next := make([]listener, 0, len(cur))
	for _, l := range cur {
		if l.id != id {
			next = append(next, l)
		}
	}
	listeners.Store(&next)
}

func currentListeners() []listener {
	if p := listeners.Load(); p != nil {
		return *p
	}
	return nil
}

// recordMetric logs the metric and hands it to listeners. Unnamed metrics,
// non-numeric values and metrics of disabled features are skipped.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if f, gated := featureForMetric(name); gated && !IsFeatureEnabled(f) {
		return Metric{}, false
	}
	v, ok := toFloat64(value)
	if !ok {
		logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"metric": name}).Debug("non-numeric metric value dropped")
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now().UTC(),
		Component: component,
		Name:      name,
		Value:     v,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	line := make(logger.Fields, len(fields)+3)
	for k, val := range fields {
		m.Fields[k] = val
		line[k] = val
	}
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = v
	log.WithComponent(component).WithFields(line).Info("metric")

	for _, l := range currentListeners() {
		l.fn(m)
	}
	return m, true
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
