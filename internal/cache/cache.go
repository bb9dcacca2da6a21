// Package cache provides the TTL-keyed store used across the bot. Two
// interchangeable backends implement the same interface: an in-process LRU
// for single-instance deployments and a redis-backed adapter when instances
// share state. Callers are backend-agnostic; the backend is chosen once from
// typed configuration.
package cache

import (
	"context"
	"time"
)

// Handler receives a pub/sub payload. Invalidation handlers must be
// idempotent: duplicate messages for the same key are harmless.
type Handler func(payload string)

// Metrics is a snapshot of lookup counters. HitRate is hits/(hits+misses).
type Metrics struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
}

func computeRate(hits, misses uint64) Metrics {
	m := Metrics{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		m.HitRate = float64(hits) / float64(total)
	}
	return m
}

// Cache is the keyed store contract. A value is never returned after its TTL
// has passed, even if the backend has not physically evicted it yet. The
// Subscribe/Publish side transport carries cross-instance invalidation
// messages, which reference keys only, never values.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	// MGet returns one element per requested key, nil marking a miss.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	Subscribe(ctx context.Context, channel string, h Handler) error
	Publish(ctx context.Context, channel, payload string) error
	Unsubscribe(channel string) error

	Metrics() Metrics
	Close() error
}

// InvalidationChannel is the deployment-wide invalidation broadcast channel,
// shared by every cache instance.
const InvalidationChannel = "notebot:cache:invalidate"

// EnableInvalidation subscribes c to the shared invalidation channel and
// drops the named key locally whenever any instance broadcasts it. Receiving
// a message for an absent key is a no-op.
func EnableInvalidation(ctx context.Context, c Cache) error {
	return c.Subscribe(ctx, InvalidationChannel, func(key string) {
		_, _ = c.Delete(ctx, key)
	})
}

// BroadcastInvalidation tells every instance in the deployment to drop key.
func BroadcastInvalidation(ctx context.Context, c Cache, key string) error {
	return c.Publish(ctx, InvalidationChannel, key)
}
