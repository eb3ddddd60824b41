package writer

import (
	"fmt"
	"path"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DataFile describes one archived parquet object.
type DataFile struct {
	Path         string         `json:"path"`
	FileSize     int64          `json:"file_size_in_bytes"`
	RecordCount  int64          `json:"record_count"`
	Partition    map[string]any `json:"partition"`
	MinTimestamp time.Time      `json:"min_timestamp"`
	MaxTimestamp time.Time      `json:"max_timestamp"`
}

// Snapshot lists the files written by one flush.
type Snapshot struct {
	SnapshotID  string     `json:"snapshot-id"`
	TableUUID   string     `json:"table-uuid"`
	Location    string     `json:"location"`
	TimestampMs int64      `json:"timestamp-ms"`
	Files       []DataFile `json:"files"`
}

// Manifest collects data files between flushes so query engines can list a
// flush without scanning the bucket.
type Manifest struct {
	mu        sync.Mutex
	tableUUID string
	location  string
	prefix    string
	pending   []DataFile
}

func NewManifest(location, prefix string) *Manifest {
	return &Manifest{tableUUID: uuid.NewString(), location: location, prefix: prefix}
}

func (m *Manifest) Add(df DataFile) {
	m.mu.Lock()
	m.pending = append(m.pending, df)
	m.mu.Unlock()
}

// Commit drains the pending files into a snapshot document and returns the
// object key it belongs under. ok is false when nothing was added.
func (m *Manifest) Commit(now time.Time) (key string, body []byte, ok bool, err error) {
	m.mu.Lock()
	files := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(files) == 0 {
		return "", nil, false, nil
	}

	snap := Snapshot{
		SnapshotID:  uuid.NewString(),
		TableUUID:   m.tableUUID,
		Location:    m.location,
		TimestampMs: now.UnixMilli(),
		Files:       files,
	}
	body, err = json.Marshal(snap)
	if err != nil {
		m.mu.Lock()
		m.pending = append(files, m.pending...)
		m.mu.Unlock()
		return "", nil, false, err
	}
	key = path.Join(m.prefix, "_manifests", fmt.Sprintf("snapshot-%d.json", now.UnixNano()))
	return key, body, true, nil
}
