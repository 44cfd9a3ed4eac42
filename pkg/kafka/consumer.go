package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a generic Kafka message
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time

	// Record keeps the original record so offsets can be committed later,
	// after the message has been durably accepted downstream.
	Record *kgo.Record
}

// Consumer wraps a franz-go client with manual offset management. The
// ingestion worker decides when an offset is safe to commit: only after the
// event reached the columnar store, or after the message was judged
// permanently bad.
type Consumer struct {
	client  *kgo.Client
	logger  *logrus.Logger
	groupID string
}

// NewConsumer creates a new Kafka consumer subscribed to the given topics.
// Auto-commit is disabled; callers commit through Commit.
func NewConsumer(brokers []string, groupID, clientID string, topics []string, logger *logrus.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		logger:  logger,
		groupID: groupID,
	}, nil
}

// Poll fetches the next batch of messages. A poll error that is not a
// cancellation is logged and an empty batch returned; the stream is
// retry-on-error.
func (c *Consumer) Poll(ctx context.Context) ([]Message, error) {
	fetches := c.client.PollFetches(ctx)
	if errs := fetches.Errors(); len(errs) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Errorf("errors while polling: %v", errs)
		return nil, nil
	}

	var msgs []Message
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()

		hdrs := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			hdrs[h.Key] = string(h.Value)
		}

		msgs = append(msgs, Message{
			Key:       record.Key,
			Value:     record.Value,
			Headers:   hdrs,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
			Record:    record,
		})
	}
	return msgs, nil
}

// Commit marks the given messages' offsets as processed. Offsets commit
// monotonically per partition; committing a record implies every earlier
// offset in its partition, so callers must only pass messages whose
// predecessors are already resolved.
func (c *Consumer) Commit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		if m.Record != nil {
			records = append(records, m.Record)
		}
	}
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// HealthCheck pings the broker
func (c *Consumer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

func (c *Consumer) GetClient() *kgo.Client {
	return c.client
}
