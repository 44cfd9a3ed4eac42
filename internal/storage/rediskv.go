package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"argus/pkg/models"
)

// RedisKVDestination stores each event as a keyed JSON blob and appends
// it to a ring-trimmed per-source stream.
type RedisKVDestination struct {
	name         string
	client       goredis.UniversalClient
	keyTTL       time.Duration
	streamMaxLen int64
}

func NewRedisKVDestination(name string, client goredis.UniversalClient, keyTTL time.Duration, streamMaxLen int64) *RedisKVDestination {
	if streamMaxLen <= 0 {
		streamMaxLen = 10000
	}
	return &RedisKVDestination{
		name:         name,
		client:       client,
		keyTTL:       keyTTL,
		streamMaxLen: streamMaxLen,
	}
}

func (d *RedisKVDestination) Name() string { return d.name }

func (d *RedisKVDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	key := fmt.Sprintf("%s:%s:%s", event.TenantID, event.SourceType, event.EventID)
	if err := d.client.Set(ctx, key, body, d.keyTTL).Err(); err != nil {
		return 0, fmt.Errorf("set %s: %w", key, err)
	}

	stream := "events:" + event.SourceType
	err = d.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: d.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(body)},
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("xadd %s: %w", stream, err)
	}

	return len(body), nil
}

func (d *RedisKVDestination) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisKVDestination) Close() error {
	return d.client.Close()
}
