package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
)

// Redis is the shared-store backend used when multiple bot instances run
// against one deployment. TTL expiry is enforced by the store itself, so a
// Get immediately after expiry is guaranteed to miss without any sweeper in
// this process. Keys are namespaced; pub/sub channels are not, since the
// invalidation channel is shared deployment-wide.
type Redis struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
	metrics   *obs.Metrics

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	wg      sync.WaitGroup
	closed  bool

	hits   uint64
	misses uint64
}

func NewRedis(rdb *redis.Client, namespace string, logger *zap.Logger, metrics *obs.Metrics) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		rdb:       rdb,
		namespace: namespace,
		logger:    logger,
		metrics:   metrics,
		pubsubs:   make(map[string]*redis.PubSub),
	}
}

func (r *Redis) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

func (r *Redis) observe(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.CacheOpsTotal.WithLabelValues("redis", result).Inc()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddUint64(&r.misses, 1)
		r.observe("miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	atomic.AddUint64(&r.hits, 1)
	r.observe("hit")
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = r.key(k)
	}
	vals, err := r.rdb.MGet(ctx, namespaced...).Result()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			atomic.AddUint64(&r.misses, 1)
			r.observe("miss")
			continue
		}
		atomic.AddUint64(&r.hits, 1)
		r.observe("hit")
		switch t := v.(type) {
		case string:
			out[i] = []byte(t)
		case []byte:
			out[i] = t
		}
	}
	return out, nil
}

// MSet writes every item with the same TTL. MSET has no per-key expiry, so
// this pipelines individual SETs instead.
func (r *Redis) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for k, v := range items {
		pipe.Set(ctx, r.key(k), v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe registers h for channel. The receive loop is owned by the cache
// and runs until Unsubscribe or Close; if the connection drops, go-redis
// reconnects the subscription itself.
func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("cache closed")
	}
	if _, ok := r.pubsubs[channel]; ok {
		return errors.New("already subscribed to " + channel)
	}

	ps := r.rdb.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a broken transport surfaces here
	// rather than silently in the receive loop.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	r.pubsubs[channel] = ps

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range ps.Channel() {
			h(msg.Payload)
		}
	}()
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Unsubscribe(channel string) error {
	r.mu.Lock()
	ps, ok := r.pubsubs[channel]
	delete(r.pubsubs, channel)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

func (r *Redis) Metrics() Metrics {
	return computeRate(atomic.LoadUint64(&r.hits), atomic.LoadUint64(&r.misses))
}

// Close stops every subscription receive loop. It does not close the
// underlying client, which is shared with other subsystems.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	pubsubs := r.pubsubs
	r.pubsubs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	var first error
	for _, ps := range pubsubs {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.wg.Wait()
	return first
}
