package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
)

const defaultHistory = 200

// ring keeps the most recent limit items. Safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &ring[T]{items: make([]T, limit)}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	r.items[r.next] = v
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns the retained items oldest first.
func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}

type metricRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Name      string                 `json:"name"`
	Value     float64                `json:"value"`
	Type      string                 `json:"type"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func metricRecordOf(m metrics.Metric) metricRecord {
	return metricRecord{
		Timestamp: m.Timestamp,
		Component: m.Component,
		Name:      m.Name,
		Value:     m.Value,
		Type:      m.Type,
		Fields:    m.Fields,
	}
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logHook captures log entries into a ring. It is a logrus.Hook and can be
// detached logically with close since logrus has no RemoveHook.
type logHook struct {
	records *ring[logRecord]
	enabled atomic.Bool
}

func newLogHook(limit int) *logHook {
	h := &logHook{records: newRing[logRecord](limit)}
	h.enabled.Store(true)
	return h
}

func (h *logHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *logHook) Fire(entry *logrus.Entry) error {
	if !h.enabled.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		rec.Component = component
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				rec.Fields[k] = val.Error()
			case fmt.Stringer:
				rec.Fields[k] = val.String()
			default:
				rec.Fields[k] = val
			}
		}
	}
	h.records.add(rec)
	return nil
}

func (h *logHook) close() {
	h.enabled.Store(false)
}
