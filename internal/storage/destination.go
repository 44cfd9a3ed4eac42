package storage

import (
	"context"
	"sync"
	"time"

	"argus/pkg/models"
)

// Destination is one configured event sink. Store returns the number of
// bytes written so the manager can account for volume.
type Destination interface {
	Name() string
	Store(ctx context.Context, event *models.Event) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Destination type tags.
const (
	TypeColumnar = "columnar"
	TypeBus      = "bus"
	TypeKVStream = "kv_stream"
	TypeFile     = "file"
	TypeBlob     = "blob"
	TypeHTTP     = "http"
)

// Connection states reported in stats.
const (
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
	StatusConnecting   = "Connecting"
	StatusError        = "Error"
)

// Config describes one destination. Type selects the variant; the
// variant reads only its own fields.
type Config struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`

	// columnar
	Table string `json:"table,omitempty"`

	// bus
	Topic string `json:"topic,omitempty"`

	// kv_stream
	KeyTTL       time.Duration `json:"key_ttl,omitempty"`
	StreamMaxLen int64         `json:"stream_max_len,omitempty"`

	// file
	Path string `json:"path,omitempty"`

	// blob
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`

	// http
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// StorageStats is the per-destination counter set.
type StorageStats struct {
	EventsStored     uint64    `json:"events_stored"`
	BytesStored      uint64    `json:"bytes_stored"`
	Errors           uint64    `json:"errors"`
	LastStorageTime  time.Time `json:"last_storage_time"`
	AvgStorageTimeMs float64   `json:"avg_storage_time_ms"`
	ConnectionStatus string    `json:"connection_status"`
	StatusMessage    string    `json:"status_message,omitempty"`
	RatePerSec       float64   `json:"rate_per_sec"`
}

// statsTracker maintains StorageStats under a lock. The moving average
// is exponentially weighted; the rate is the previous one-second window.
type statsTracker struct {
	mu          sync.Mutex
	stats       StorageStats
	windowStart time.Time
	windowCount uint64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{stats: StorageStats{ConnectionStatus: StatusConnecting}}
}

func (t *statsTracker) recordSuccess(bytes int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.stats.EventsStored++
	t.stats.BytesStored += uint64(bytes)
	t.stats.LastStorageTime = now
	t.stats.ConnectionStatus = StatusConnected
	t.stats.StatusMessage = ""

	ms := float64(elapsed.Microseconds()) / 1000.0
	if t.stats.AvgStorageTimeMs == 0 {
		t.stats.AvgStorageTimeMs = ms
	} else {
		t.stats.AvgStorageTimeMs = t.stats.AvgStorageTimeMs*0.9 + ms*0.1
	}

	t.rollWindow(now)
	t.windowCount++
}

func (t *statsTracker) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Errors++
	t.stats.ConnectionStatus = StatusError
	if err != nil {
		t.stats.StatusMessage = err.Error()
	}
}

func (t *statsTracker) setStatus(status, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.ConnectionStatus = status
	t.stats.StatusMessage = msg
}

func (t *statsTracker) rollWindow(now time.Time) {
	if t.windowStart.IsZero() {
		t.windowStart = now
		return
	}
	elapsed := now.Sub(t.windowStart)
	if elapsed >= time.Second {
		t.stats.RatePerSec = float64(t.windowCount) / elapsed.Seconds()
		t.windowStart = now
		t.windowCount = 0
	}
}

func (t *statsTracker) snapshot() StorageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindow(time.Now())
	return t.stats
}
