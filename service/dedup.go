package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupKeyPrefix namespaces idempotency markers within the shared Redis
// keyspace this gateway's nodes all read and write.
const dedupKeyPrefix = "gateway:dedup:"

// DedupCache suppresses double-delivery of a broker message that was
// redelivered (e.g. a consumer crash between fetch and commit replays the
// same offset on restart). A message id is remembered for ttl; a second
// sighting within that window is treated as already delivered.
type DedupCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupCache builds a DedupCache backed by a Redis client at addr,
// remembering message ids for ttl.
func NewDedupCache(addr, password string, db int, ttl time.Duration) *DedupCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &DedupCache{client: client, ttl: ttl}
}

// Close releases the underlying Redis client.
func (d *DedupCache) Close() error {
	return d.client.Close()
}

// SeenBefore atomically records messageID as delivered and reports whether
// it had already been recorded, using SETNX semantics so concurrent
// dispatchers racing the same message agree on exactly one winner.
func (d *DedupCache) SeenBefore(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupKeyPrefix+messageID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis error: %w", err)
	}
	// SetNX returns true when the key was newly set, i.e. not seen before.
	return !ok, nil
}
