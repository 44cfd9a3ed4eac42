package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"argus/pkg/kafka"
	"argus/pkg/models"
)

// BusDestination republishes normalized events to a Kafka topic through
// the idempotent producer (acks=all, unlimited retries, compression).
type BusDestination struct {
	name     string
	topic    string
	producer *kafka.Producer
}

func NewBusDestination(name, topic string, producer *kafka.Producer) *BusDestination {
	return &BusDestination{name: name, topic: topic, producer: producer}
}

func (d *BusDestination) Name() string { return d.name }

func (d *BusDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	headers := map[string]string{
		"tenant_id":   event.TenantID,
		"source_type": event.SourceType,
	}
	if err := d.producer.ProduceMessage(ctx, d.topic, []byte(event.EventID), body, headers); err != nil {
		return 0, fmt.Errorf("produce to %s: %w", d.topic, err)
	}
	return len(body), nil
}

func (d *BusDestination) Ping(ctx context.Context) error {
	return d.producer.HealthCheck()
}

func (d *BusDestination) Close() error {
	return d.producer.Close()
}
