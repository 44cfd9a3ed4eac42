package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/enrichment"
	"argus/internal/parsers"
	"argus/internal/storage"
	"argus/pkg/kafka"
	"argus/pkg/models"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	commits [][]kafka.Message
}

func (s *fakeSource) Poll(ctx context.Context) ([]kafka.Message, error) {
	s.mu.Lock()
	if len(s.batches) > 0 {
		batch := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSource) Commit(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, msgs)
	return nil
}

func (s *fakeSource) committed() []kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kafka.Message
	for _, c := range s.commits {
		out = append(out, c...)
	}
	return out
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int // attempts that error before writes start succeeding
	batches  [][]*models.Event
}

func (w *fakeWriter) StoreBatch(ctx context.Context, events []*models.Event) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return 0, errors.New("columnar store unavailable")
	}
	batch := make([]*models.Event, len(events))
	copy(batch, events)
	w.batches = append(w.batches, batch)
	return len(events) * 100, nil
}

func (w *fakeWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

type fakeDLQ struct {
	mu       sync.Mutex
	messages [][]byte
}

func (d *fakeDLQ) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, value)
	return nil
}

type fakeDestination struct {
	mu     sync.Mutex
	stored []*models.Event
}

func (d *fakeDestination) Name() string { return "mirror" }

func (d *fakeDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stored = append(d.stored, event)
	return 1, nil
}

func (d *fakeDestination) Ping(ctx context.Context) error { return nil }
func (d *fakeDestination) Close() error                   { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func envelopeMsg(t *testing.T, partition int32, offset int64, eventID string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(kafka.IngestEnvelope{
		EventID:    eventID,
		TenantID:   "t1",
		SourceIP:   "10.0.0.1",
		SourceType: "JSON",
		RawEvent:   `{"hostname":"fw01","severity":"high"}`,
	})
	require.NoError(t, err)
	return kafka.Message{
		Value:     value,
		Topic:     "security_events",
		Partition: partition,
		Offset:    offset,
	}
}

func newTestWorker(source *fakeSource, writer *fakeWriter, dlq DLQPublisher, cfg Config) *Worker {
	logger := testLogger()
	return NewWorker(source, parsers.NewRegistry(logger), enrichment.NewCaches(), nil,
		writer, storage.NewManager(logger), dlq, logger, Metrics{}, cfg)
}

func TestWorker_FlushAtBatchSize(t *testing.T) {
	source := &fakeSource{}
	writer := &fakeWriter{}
	w := newTestWorker(source, writer, nil, Config{BatchSize: 2, FlushBackoff: time.Millisecond})

	ctx := context.Background()
	w.handleMessage(ctx, envelopeMsg(t, 0, 0, "e0"))
	assert.Empty(t, source.committed(), "nothing commits before a flush")

	w.handleMessage(ctx, envelopeMsg(t, 0, 1, "e1"))
	require.NoError(t, w.flush(ctx))

	require.Equal(t, 1, writer.batchCount())
	assert.Len(t, writer.batches[0], 2)
	assert.Equal(t, "e0", writer.batches[0][0].EventID)

	committed := source.committed()
	require.Len(t, committed, 1, "one commit per partition, highest contiguous offset")
	assert.Equal(t, int64(1), committed[0].Offset)
}

func TestWorker_FailedFlushHoldsOffsets(t *testing.T) {
	source := &fakeSource{}
	writer := &fakeWriter{failures: 10}
	w := newTestWorker(source, writer, nil, Config{
		BatchSize:       10,
		FlushMaxRetries: 2,
		FlushBackoff:    time.Millisecond,
	})

	ctx := context.Background()
	w.handleMessage(ctx, envelopeMsg(t, 0, 0, "e0"))
	w.handleMessage(ctx, envelopeMsg(t, 0, 1, "e1"))

	require.Error(t, w.flush(ctx))
	assert.Len(t, w.buffer, 2, "failed flush keeps the batch for replay")
	assert.Empty(t, source.committed())

	writer.mu.Lock()
	writer.failures = 0
	writer.mu.Unlock()

	require.NoError(t, w.flush(ctx))
	assert.Empty(t, w.buffer)
	committed := source.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, int64(1), committed[0].Offset)
}

func TestWorker_UndecodableMessageDeadLettered(t *testing.T) {
	source := &fakeSource{}
	writer := &fakeWriter{}
	dlq := &fakeDLQ{}
	w := newTestWorker(source, writer, dlq, Config{DLQTopic: "security_events_dlq"})

	ctx := context.Background()
	w.handleMessage(ctx, kafka.Message{
		Value:     []byte("not json"),
		Topic:     "security_events",
		Partition: 0,
		Offset:    7,
	})

	assert.Empty(t, w.buffer, "bad messages never join the batch")
	require.Len(t, dlq.messages, 1)

	committed := source.committed()
	require.Len(t, committed, 1, "permanent drops commit immediately")
	assert.Equal(t, int64(7), committed[0].Offset)
}

func TestWorker_MissingMandatoryFieldDropped(t *testing.T) {
	source := &fakeSource{}
	writer := &fakeWriter{}
	dlq := &fakeDLQ{}
	w := newTestWorker(source, writer, dlq, Config{DLQTopic: "security_events_dlq"})

	value, err := json.Marshal(map[string]string{"event_id": "e1", "raw_event": "x"})
	require.NoError(t, err)
	w.handleMessage(context.Background(), kafka.Message{Value: value, Topic: "security_events", Offset: 3})

	assert.Empty(t, w.buffer)
	assert.Len(t, dlq.messages, 1)
	assert.Len(t, source.committed(), 1)
}

func TestWorker_BuildEventDefaults(t *testing.T) {
	w := newTestWorker(&fakeSource{}, &fakeWriter{}, nil, Config{})

	event := w.buildEvent(&kafka.IngestEnvelope{
		EventID:    "e1",
		TenantID:   "t1",
		SourceIP:   "10.0.0.1",
		SourceType: "JSON",
		RawEvent:   `{"hostname":"fw01"}`,
	})

	assert.Equal(t, "e1", event.EventID)
	assert.NotZero(t, event.EventTimestamp, "missing event time defaults to now")
	assert.NotZero(t, event.IngestionTimestamp)
	assert.Equal(t, models.TaxonomyUnknown, event.EventCategory)
	assert.Equal(t, models.ParsingStatusParsed, event.ParsingStatus)
}

func TestWorker_TimedFlush(t *testing.T) {
	source := &fakeSource{batches: [][]kafka.Message{
		{envelopeMsg(t, 0, 0, "e0")},
	}}
	writer := &fakeWriter{}
	w := newTestWorker(source, writer, nil, Config{
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		FlushBackoff: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return writer.batchCount() == 1 && len(source.committed()) == 1
	}, 2*time.Second, 10*time.Millisecond, "timed flush fires below batch size")

	cancel()
	<-done
}

func TestWorker_FanOutToSecondaries(t *testing.T) {
	logger := testLogger()
	source := &fakeSource{}
	writer := &fakeWriter{}
	mirror := &fakeDestination{}
	manager := storage.NewManager(logger)
	manager.Register(mirror)

	w := NewWorker(source, parsers.NewRegistry(logger), enrichment.NewCaches(), nil,
		writer, manager, nil, logger, Metrics{},
		Config{BatchSize: 10, Secondaries: []string{"mirror"}})

	ctx := context.Background()
	w.handleMessage(ctx, envelopeMsg(t, 0, 0, "e0"))
	w.handleMessage(ctx, envelopeMsg(t, 0, 1, "e1"))
	require.NoError(t, w.flush(ctx))

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Len(t, mirror.stored, 2)
	assert.Equal(t, "e0", mirror.stored[0].EventID)
}

func TestOffsetTracker_MonotonicCommits(t *testing.T) {
	tracker := newOffsetTracker()
	msgs := []kafka.Message{
		{Topic: "a", Partition: 0, Offset: 0},
		{Topic: "a", Partition: 0, Offset: 1},
		{Topic: "a", Partition: 0, Offset: 2},
	}
	for _, m := range msgs {
		tracker.Observe(m)
	}

	assert.Empty(t, tracker.Resolve(msgs[2]), "offset 2 is blocked behind 0 and 1")
	assert.Equal(t, 1, tracker.Pending())

	committable := tracker.Resolve(msgs[0])
	require.Len(t, committable, 1)
	assert.Equal(t, int64(0), committable[0].Offset)

	committable = tracker.Resolve(msgs[1])
	require.Len(t, committable, 1)
	assert.Equal(t, int64(2), committable[0].Offset, "resolving 1 releases the parked 2")
	assert.Zero(t, tracker.Pending())
}

func TestOffsetTracker_IndependentPartitions(t *testing.T) {
	tracker := newOffsetTracker()
	p0 := kafka.Message{Topic: "a", Partition: 0, Offset: 5}
	p1 := kafka.Message{Topic: "a", Partition: 1, Offset: 9}
	tracker.Observe(p0)
	tracker.Observe(p1)

	committable := tracker.Resolve(p0, p1)
	require.Len(t, committable, 2)
	offsets := map[int32]int64{}
	for _, m := range committable {
		offsets[m.Partition] = m.Offset
	}
	assert.Equal(t, int64(5), offsets[0])
	assert.Equal(t, int64(9), offsets[1])
}
