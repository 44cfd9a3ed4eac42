package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes ingest envelopes to the bus. The producer is
// idempotent: acks from all in-sync replicas, unlimited retries, compressed
// batches, so re-sent batches do not duplicate events.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
	topic  string
}

// NewProducer creates a new Kafka producer for the given default topic.
func NewProducer(brokers []string, clientID, topic string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.RecordRetries(-1),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage publishes a raw message to a topic.
func (p *Producer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// PublishEnvelope publishes a single ingest envelope, keyed by event id so a
// partition sees each source's events in order.
func (p *Producer) PublishEnvelope(ctx context.Context, env *IngestEnvelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := map[string]string{"source_type": env.SourceType}
	if env.TenantID != "" {
		headers["tenant_id"] = env.TenantID
	}

	return p.ProduceMessage(ctx, p.topic, []byte(env.EventID), value, headers)
}

// PublishEnvelopeBatch publishes a batch of envelopes in one produce round.
func (p *Producer) PublishEnvelopeBatch(ctx context.Context, envs []IngestEnvelope) error {
	if len(envs) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(envs))
	for i := range envs {
		value, err := json.Marshal(&envs[i])
		if err != nil {
			return fmt.Errorf("failed to marshal envelope %s: %w", envs[i].EventID, err)
		}
		record := &kgo.Record{
			Topic: p.topic,
			Key:   []byte(envs[i].EventID),
			Value: value,
		}
		if envs[i].TenantID != "" {
			record.Headers = append(record.Headers, kgo.RecordHeader{
				Key:   "tenant_id",
				Value: []byte(envs[i].TenantID),
			})
		}
		records = append(records, record)
	}

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce batch: %w", err)
	}

	return nil
}

// HealthCheck pings the broker
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
