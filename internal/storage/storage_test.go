package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/pkg/models"
)

func testEvent() *models.Event {
	return &models.Event{
		EventID:        "e1",
		TenantID:       "t1",
		EventTimestamp: 1700000000,
		SourceIP:       "10.0.0.1",
		SourceType:     "JSON",
		RawEvent:       `{"user":"alice"}`,
		EventCategory:  models.TaxonomyUnknown,
		EventOutcome:   models.TaxonomyUnknown,
		EventAction:    models.TaxonomyUnknown,
	}
}

func TestValidateTableName(t *testing.T) {
	assert.NoError(t, ValidateTableName("events_t1"))
	assert.NoError(t, ValidateTableName("siem.events_acme_corp"))

	assert.ErrorIs(t, ValidateTableName(""), ErrInvalidTable)
	assert.ErrorIs(t, ValidateTableName("events;--"), ErrInvalidTable)
	assert.ErrorIs(t, ValidateTableName(strings.Repeat("a", 65)), ErrInvalidTable)
	assert.ErrorIs(t, ValidateTableName("events_drop_me"), ErrInvalidTable)
	assert.ErrorIs(t, ValidateTableName("truncated_logs"), ErrInvalidTable)
}

func TestFileDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	dest, err := NewFileDestination("file", path)
	require.NoError(t, err)

	n, err := dest.Store(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	require.NoError(t, dest.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var stored models.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &stored))
	assert.Equal(t, "e1", stored.EventID)
}

func TestRedisKVDestination(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	dest := NewRedisKVDestination("redis", client, time.Hour, 100)
	n, err := dest.Store(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	val, err := client.Get(context.Background(), "t1:JSON:e1").Result()
	require.NoError(t, err)
	assert.Contains(t, val, `"event_id":"e1"`)

	entries, err := client.XRange(context.Background(), "events:JSON", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHTTPDestination(t *testing.T) {
	var received models.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	dest, err := NewHTTPDestination("http", server.URL, "", map[string]string{"X-Api-Key": "k"})
	require.NoError(t, err)

	_, err = dest.Store(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, "e1", received.EventID)
}

func TestHTTPDestination_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	dest, err := NewHTTPDestination("http", server.URL, http.MethodPut, nil)
	require.NoError(t, err)

	_, err = dest.Store(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestHTTPDestination_BadMethod(t *testing.T) {
	_, err := NewHTTPDestination("http", "http://example.com", http.MethodDelete, nil)
	assert.Error(t, err)
}

type fakeS3 struct {
	keys []string
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.keys = append(f.keys, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestBlobDestination_KeyLayout(t *testing.T) {
	fake := &fakeS3{}
	dest := NewBlobDestination("blob", "archive", "events/", fake)
	dest.now = func() time.Time { return time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC) }

	_, err := dest.Store(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, fake.keys, 1)
	assert.Equal(t, "events/2026/08/25/14/e1.json", fake.keys[0])
}

type stubDest struct {
	name  string
	bytes int
	err   error
}

func (s *stubDest) Name() string { return s.name }
func (s *stubDest) Store(ctx context.Context, e *models.Event) (int, error) {
	return s.bytes, s.err
}
func (s *stubDest) Ping(ctx context.Context) error { return s.err }
func (s *stubDest) Close() error                   { return nil }

func TestManager_StatsAndErrors(t *testing.T) {
	m := NewManager(logrus.New())
	m.Register(&stubDest{name: "good", bytes: 128})
	m.Register(&stubDest{name: "bad", err: errors.New("broken pipe")})

	err := m.Store(context.Background(), testEvent())
	require.Error(t, err)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats["good"].EventsStored)
	assert.Equal(t, uint64(128), stats["good"].BytesStored)
	assert.Equal(t, StatusConnected, stats["good"].ConnectionStatus)

	assert.Equal(t, uint64(1), stats["bad"].Errors)
	assert.Equal(t, StatusError, stats["bad"].ConnectionStatus)
	assert.Contains(t, stats["bad"].StatusMessage, "broken pipe")
}

func TestManager_PingAll(t *testing.T) {
	m := NewManager(logrus.New())
	m.Register(&stubDest{name: "good"})
	m.Register(&stubDest{name: "bad", err: errors.New("refused")})

	results := m.PingAll(context.Background())
	assert.NoError(t, results["good"])
	assert.Error(t, results["bad"])

	stats := m.Stats()
	assert.Equal(t, StatusConnected, stats["good"].ConnectionStatus)
	assert.Equal(t, StatusDisconnected, stats["bad"].ConnectionStatus)
}

func TestManager_RecordBatch(t *testing.T) {
	m := NewManager(logrus.New())
	m.Register(&stubDest{name: "columnar"})

	m.RecordBatch("columnar", 10, 5000, 100*time.Millisecond, nil)
	stats := m.Stats()
	assert.Equal(t, uint64(10), stats["columnar"].EventsStored)
	assert.Equal(t, uint64(5000), stats["columnar"].BytesStored)
	assert.Greater(t, stats["columnar"].AvgStorageTimeMs, 0.0)

	m.RecordBatch("columnar", 0, 0, 0, errors.New("insert failed"))
	stats = m.Stats()
	assert.Equal(t, uint64(1), stats["columnar"].Errors)
}
