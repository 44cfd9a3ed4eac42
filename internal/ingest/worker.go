package ingest

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"argus/internal/enrichment"
	"argus/internal/parsers"
	"argus/internal/storage"
	"argus/pkg/kafka"
	"argus/pkg/models"
)

// MessageSource is the consuming side of the event bus. Commit must only
// advance past durably handled offsets; the worker guarantees that via
// its offset tracker.
type MessageSource interface {
	Poll(ctx context.Context) ([]kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// BatchWriter is the primary columnar sink for normalized events.
type BatchWriter interface {
	StoreBatch(ctx context.Context, events []*models.Event) (int, error)
}

// DLQPublisher receives permanently undecodable bus messages.
type DLQPublisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Config tunes the ingestion worker.
type Config struct {
	BatchSize       int           // flush at this many buffered events
	BatchTimeout    time.Duration // flush at this age regardless of size
	FlushMaxRetries int
	FlushBackoff    time.Duration
	DLQTopic        string
	DestinationName string   // stats key in the storage manager
	Table           string   // metric label for the columnar table
	ConsumerName    string   // recorded in DLQ payloads
	Secondaries     []string // extra destinations, written best-effort after the columnar flush
}

// Metrics are the ingestion counters. All fields are optional.
type Metrics struct {
	Processed     *prometheus.CounterVec   // source_type, status
	FlushDuration *prometheus.HistogramVec // table
	Pending       *prometheus.GaugeVec     // table
}

type pendingEvent struct {
	event *models.Event
	msg   kafka.Message
}

// Worker drives the ingestion pipeline: poll, decode, parse, enrich,
// batch, store, commit. Delivery is at-least-once: offsets commit only
// after the columnar write succeeds, so a crashed flush replays its
// batch. Permanently bad messages are dead-lettered and committed
// immediately so they cannot wedge a partition.
type Worker struct {
	source   MessageSource
	registry *parsers.Registry
	caches   *enrichment.Caches
	geo      *enrichment.GeoResolver
	writer   BatchWriter
	manager  *storage.Manager
	dlq      DLQPublisher
	logger   *logrus.Logger
	metrics  Metrics
	cfg      Config

	retry retrypolicy.RetryPolicy[any]

	buffer    []pendingEvent
	tracker   *offsetTracker
	lastFlush time.Time
}

func NewWorker(source MessageSource, registry *parsers.Registry, caches *enrichment.Caches, geo *enrichment.GeoResolver, writer BatchWriter, manager *storage.Manager, dlq DLQPublisher, logger *logrus.Logger, metrics Metrics, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.FlushMaxRetries <= 0 {
		cfg.FlushMaxRetries = 3
	}
	if cfg.FlushBackoff <= 0 {
		cfg.FlushBackoff = 500 * time.Millisecond
	}
	if cfg.DestinationName == "" {
		cfg.DestinationName = "clickhouse"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "ingest-worker"
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.FlushBackoff, 10*time.Second).
		WithMaxRetries(cfg.FlushMaxRetries).
		WithJitterFactor(0.1).
		Build()

	return &Worker{
		source:    source,
		registry:  registry,
		caches:    caches,
		geo:       geo,
		writer:    writer,
		manager:   manager,
		dlq:       dlq,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		retry:     retry,
		tracker:   newOffsetTracker(),
		lastFlush: time.Now(),
	}
}

// Run consumes until the context is cancelled. A final best-effort flush
// runs on shutdown; anything still unflushed replays on restart.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"batch_size":    w.cfg.BatchSize,
		"batch_timeout": w.cfg.BatchTimeout.String(),
	}).Info("Ingestion worker started")

	for {
		if ctx.Err() != nil {
			break
		}

		// A bounded poll so the timed flush fires even on a quiet topic.
		pollCtx, cancel := context.WithTimeout(ctx, w.pollInterval())
		msgs, err := w.source.Poll(pollCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			break
		}

		for _, msg := range msgs {
			w.handleMessage(ctx, msg)
			if len(w.buffer) >= w.cfg.BatchSize {
				if err := w.flush(ctx); err != nil {
					w.logger.WithError(err).Error("Batch flush failed, offsets held for retry")
				}
			}
		}

		if time.Since(w.lastFlush) >= w.cfg.BatchTimeout {
			if err := w.flush(ctx); err != nil {
				w.logger.WithError(err).Error("Timed flush failed, offsets held for retry")
			}
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.flush(flushCtx); err != nil {
		w.logger.WithError(err).Warn("Final flush failed, batch will replay on restart")
	}
	w.logger.Info("Ingestion worker stopped")
	return ctx.Err()
}

func (w *Worker) pollInterval() time.Duration {
	if w.cfg.BatchTimeout < time.Second {
		return w.cfg.BatchTimeout
	}
	return time.Second
}

// handleMessage decodes and enriches one bus message. Undecodable
// messages are dead-lettered and their offsets resolved immediately;
// valid events join the batch and resolve only after a flush.
func (w *Worker) handleMessage(ctx context.Context, msg kafka.Message) {
	w.tracker.Observe(msg)

	env, err := kafka.DecodeEnvelope(msg.Value)
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"error":     err.Error(),
		}).Warn("Dropping undecodable message")
		w.countProcessed("unknown", models.ParsingStatusError)
		w.deadLetter(ctx, msg, err)
		w.commit(ctx, w.tracker.Resolve(msg))
		return
	}

	event := w.buildEvent(env)
	w.buffer = append(w.buffer, pendingEvent{event: event, msg: msg})
	w.setPending(len(w.buffer))
}

// buildEvent runs the full enrichment chain for one envelope: parser
// dispatch, fold, taxonomy classification, threat marking, geo lookup.
func (w *Worker) buildEvent(env *kafka.IngestEnvelope) *models.Event {
	now := uint32(time.Now().Unix())

	event := &models.Event{
		EventID:            env.EventID,
		TenantID:           env.TenantID,
		EventTimestamp:     env.EventTimestamp,
		IngestionTimestamp: now,
		SourceIP:           env.SourceIP,
		SourceType:         env.SourceType,
		RawEvent:           env.RawEvent,
		EventCategory:      models.TaxonomyUnknown,
		EventOutcome:       models.TaxonomyUnknown,
		EventAction:        models.TaxonomyUnknown,
	}
	if event.EventTimestamp == 0 {
		event.EventTimestamp = now
	}

	binding := w.caches.Binding(env.SourceIP)
	result := w.registry.Dispatch(binding, w.caches.TenantParsers(env.TenantID), env.RawEvent)

	event.ParsingStatus = result.Status
	if result.Parsed != nil {
		result.Parsed.Fold(event)
	}
	if result.SourceTypeUsed != "" {
		event.SourceType = result.SourceTypeUsed
	}

	w.caches.Classify(event)
	if w.caches.IsThreat(event.SourceIP) {
		event.IsThreat = 1
	}
	w.geo.Enrich(event)

	w.countProcessed(event.SourceType, result.Status)
	return event
}

// flush writes the buffered batch to the columnar store with bounded
// retries. On success the batch's offsets resolve and commit; on failure
// the buffer is kept and nothing commits, so the events replay.
func (w *Worker) flush(ctx context.Context) error {
	w.lastFlush = time.Now()
	if len(w.buffer) == 0 {
		return nil
	}

	events := make([]*models.Event, len(w.buffer))
	msgs := make([]kafka.Message, len(w.buffer))
	for i, p := range w.buffer {
		events[i] = p.event
		msgs[i] = p.msg
	}

	start := time.Now()
	var bytes int
	err := failsafe.With(w.retry).WithContext(ctx).Run(func() error {
		n, storeErr := w.writer.StoreBatch(ctx, events)
		if storeErr != nil {
			w.logger.WithError(storeErr).WithField("events", len(events)).Warn("Columnar write failed")
			return storeErr
		}
		bytes = n
		return nil
	})
	elapsed := time.Since(start)

	if w.manager != nil {
		w.manager.RecordBatch(w.cfg.DestinationName, len(events), bytes, elapsed, err)
	}
	if err != nil {
		return err
	}

	if w.metrics.FlushDuration != nil {
		w.metrics.FlushDuration.WithLabelValues(w.cfg.Table).Observe(elapsed.Seconds())
	}

	w.logger.WithFields(logrus.Fields{
		"events":   len(events),
		"bytes":    bytes,
		"duration": elapsed.String(),
	}).Debug("Flushed batch")

	w.buffer = w.buffer[:0]
	w.setPending(0)
	w.commit(ctx, w.tracker.Resolve(msgs...))
	w.fanOut(ctx, events)
	return nil
}

// fanOut mirrors a flushed batch to the secondary destinations. These
// writes are best-effort: the columnar store is the system of record,
// and a failed mirror only surfaces in that destination's stats.
func (w *Worker) fanOut(ctx context.Context, events []*models.Event) {
	if w.manager == nil || len(w.cfg.Secondaries) == 0 {
		return
	}
	for _, name := range w.cfg.Secondaries {
		for _, event := range events {
			if err := w.manager.StoreTo(ctx, name, event); err != nil {
				// StoreTo already logged and counted the failure; skip the
				// rest of the batch for this destination.
				break
			}
		}
	}
}

func (w *Worker) commit(ctx context.Context, msgs []kafka.Message) {
	if len(msgs) == 0 {
		return
	}
	if err := w.source.Commit(ctx, msgs...); err != nil {
		// At-least-once: a failed commit only means replay after restart.
		w.logger.WithError(err).Warn("Offset commit failed")
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if w.dlq == nil || w.cfg.DLQTopic == "" {
		return
	}
	payload, err := kafka.EncodeDLQMessage(msg, cause, w.cfg.ConsumerName)
	if err != nil {
		w.logger.WithError(err).Error("Could not encode DLQ payload")
		return
	}
	if err := w.dlq.ProduceMessage(ctx, w.cfg.DLQTopic, msg.Key, payload, nil); err != nil {
		w.logger.WithError(err).Error("Could not publish to DLQ")
	}
}

func (w *Worker) countProcessed(sourceType, status string) {
	if w.metrics.Processed != nil {
		w.metrics.Processed.WithLabelValues(sourceType, status).Inc()
	}
}

func (w *Worker) setPending(n int) {
	if w.metrics.Pending != nil {
		w.metrics.Pending.WithLabelValues(w.cfg.Table).Set(float64(n))
	}
}
