package rulepacks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still owns it, so an
// expired lock taken over by another apply is never released from here.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// tenantLock is the per-tenant distributed apply lock. Expired locks do
// not grant re-entry: a new Acquire is always required.
type tenantLock struct {
	client goredis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

func lockKey(tenantID string) string {
	return "rulepacks:apply:" + tenantID
}

// acquireLock takes the tenant's apply lock, polling until the wait
// budget runs out. A zero wait makes the acquire fail-fast.
func acquireLock(ctx context.Context, client goredis.UniversalClient, tenantID string, ttl, wait time.Duration) (*tenantLock, error) {
	lock := &tenantLock{
		client: client,
		key:    lockKey(tenantID),
		token:  uuid.New().String(),
		ttl:    ttl,
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := client.SetNX(ctx, lock.key, lock.token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire apply lock: %w", err)
		}
		if ok {
			return lock, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release frees the lock if this holder still owns it.
func (l *tenantLock) Release(ctx context.Context) {
	_ = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// idempotencyCache replays apply results for repeated Idempotency-Keys.
// Entries are keyed per tenant and expire after the configured TTL,
// which must outlive the longest apply.
type idempotencyCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

func idemKey(tenantID, key string) string {
	return fmt.Sprintf("rulepacks:idem:%s:%s", tenantID, key)
}

// Get returns the cached result for a key, or nil on first use.
func (c *idempotencyCache) Get(ctx context.Context, tenantID, key string) (*ApplyResult, error) {
	raw, err := c.client.Get(ctx, idemKey(tenantID, key)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	var result ApplyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &result, nil
}

// Put stores a completed result under the key.
func (c *idempotencyCache) Put(ctx context.Context, tenantID, key string, result *ApplyResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := c.client.Set(ctx, idemKey(tenantID, key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency entry: %w", err)
	}
	return nil
}
