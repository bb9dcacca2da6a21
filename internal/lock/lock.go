// Package lock implements a distributed mutual-exclusion primitive over the
// shared key/value store. At most one valid owner exists per resource key at
// any instant, system-wide: acquisition is an atomic set-if-absent of a fresh
// random owner token, and release/extend mutate the key only after comparing
// the stored token against the caller's. TTL expiry is the sole recovery path
// from a crashed holder.
package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
)

const keyPrefix = "lock:"

// ErrNotAcquired is returned by WithLock when the lock could not be taken
// within the configured retry budget.
var ErrNotAcquired = errors.New("lock not acquired")

// Compare-and-delete: only the owner's token may remove the key. A blind DEL
// here could release a lock re-acquired by another holder after our own TTL
// already lapsed.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// Compare-and-expire: reset the TTL only while the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireOptions bounds the retry loop. MaxRetries zero is a single-attempt
// acquire; negative means the default.
type AcquireOptions struct {
	TTL        time.Duration // required
	MaxRetries int           // additional attempts after the first; 0 = single attempt, -1 = default 3
	RetryDelay time.Duration // fixed delay between attempts; default 100ms
}

// Handle records local ownership of an acquired lock. It is never shared
// across instances; the proof of ownership is the token stored under the key.
type Handle struct {
	ResourceKey string
	OwnerToken  string
	AcquiredAt  time.Time
	TTL         time.Duration
}

// Metrics is a snapshot of lock manager counters.
type Metrics struct {
	Acquisitions             int64
	Releases                 int64
	Timeouts                 int64
	Contentions              int64
	AverageAcquisitionTimeMs float64
	AverageHoldTimeMs        float64
}

// Manager coordinates lock ownership for one process instance. Each
// successful acquire stores a Handle so that Release and Extend can present
// the owning token without the caller threading it through.
type Manager struct {
	rdb     *redis.Client
	logger  *zap.Logger
	metrics *obs.Metrics

	mu      sync.Mutex
	handles map[string]Handle

	acquisitions   int64
	releases       int64
	timeouts       int64
	contentions    int64
	acquireTotalMS int64
	holdTotalMS    int64
}

func NewManager(rdb *redis.Client, logger *zap.Logger, metrics *obs.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		handles: make(map[string]Handle),
	}
}

func (m *Manager) observeLatency(op string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockOpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Manager) incAcquire(result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockAcquireTotal.WithLabelValues(result).Inc()
}

// Acquire attempts to take the lock for resourceKey. The first attempt plus
// up to opts.MaxRetries more are made, a fixed opts.RetryDelay apart. Returns
// (false, nil) when every attempt found the lock held; an error only on
// infrastructure failure or context cancellation.
func (m *Manager) Acquire(ctx context.Context, resourceKey string, opts AcquireOptions) (bool, error) {
	if resourceKey == "" {
		return false, errors.New("resourceKey required")
	}
	if opts.TTL <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}

	start := time.Now()
	// Token randomness is crypto-sourced via uuid v4, so tokens cannot
	// collide across instances and a stale holder can never pass the
	// ownership comparison.
	token := uuid.NewString()
	key := keyPrefix + resourceKey

	var attempts int
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		attempts = attempt + 1
		ok, err := m.rdb.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			m.observeLatency("acquire", start)
			m.logger.Error("lock acquire error",
				zap.String("resource", resourceKey),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return false, err
		}
		if ok {
			now := time.Now()
			m.mu.Lock()
			m.handles[resourceKey] = Handle{
				ResourceKey: resourceKey,
				OwnerToken:  token,
				AcquiredAt:  now,
				TTL:         opts.TTL,
			}
			m.mu.Unlock()

			atomic.AddInt64(&m.acquisitions, 1)
			atomic.AddInt64(&m.acquireTotalMS, time.Since(start).Milliseconds())
			m.incAcquire("success")
			m.observeLatency("acquire", start)
			m.logger.Debug("lock acquired",
				zap.String("resource", resourceKey),
				zap.Int("attempt", attempts),
				zap.Duration("ttl", opts.TTL))
			return true, nil
		}

		atomic.AddInt64(&m.contentions, 1)
		m.incAcquire("fail")

		if attempt == opts.MaxRetries {
			break
		}
		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	atomic.AddInt64(&m.timeouts, 1)
	m.incAcquire("timeout")
	m.observeLatency("acquire", start)
	m.logger.Info("lock acquire exhausted retries",
		zap.String("resource", resourceKey),
		zap.Int("attempts", attempts))
	return false, nil
}

// Release deletes the lock only if this manager's token still owns it.
// Returns false when the key is absent, expired, or owned by another holder.
func (m *Manager) Release(ctx context.Context, resourceKey string) (bool, error) {
	start := time.Now()
	defer m.observeLatency("release", start)

	m.mu.Lock()
	h, ok := m.handles[resourceKey]
	delete(m.handles, resourceKey)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	n, err := releaseScript.Run(ctx, m.rdb, []string{keyPrefix + resourceKey}, h.OwnerToken).Int()
	if err != nil {
		m.logger.Error("lock release error",
			zap.String("resource", resourceKey),
			zap.Error(err))
		return false, err
	}
	if n == 0 {
		// Expired or stolen after expiry; nothing to release.
		m.logger.Info("lock release skipped, not owner",
			zap.String("resource", resourceKey))
		return false, nil
	}

	atomic.AddInt64(&m.releases, 1)
	atomic.AddInt64(&m.holdTotalMS, time.Since(h.AcquiredAt).Milliseconds())
	return true, nil
}

// Extend resets the TTL if this manager's token still owns the lock. Long
// critical sections must call Extend before the current TTL lapses; Acquire
// itself has no heartbeat.
func (m *Manager) Extend(ctx context.Context, resourceKey string, newTTL time.Duration) (bool, error) {
	if newTTL <= 0 {
		return false, errors.New("newTTL must be > 0")
	}
	start := time.Now()
	defer m.observeLatency("extend", start)

	m.mu.Lock()
	h, ok := m.handles[resourceKey]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	n, err := extendScript.Run(ctx, m.rdb,
		[]string{keyPrefix + resourceKey}, h.OwnerToken, newTTL.Milliseconds()).Int()
	if err != nil {
		m.logger.Error("lock extend error",
			zap.String("resource", resourceKey),
			zap.Error(err))
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	m.mu.Lock()
	if cur, still := m.handles[resourceKey]; still && cur.OwnerToken == h.OwnerToken {
		cur.TTL = newTTL
		m.handles[resourceKey] = cur
	}
	m.mu.Unlock()
	return true, nil
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() Metrics {
	acq := atomic.LoadInt64(&m.acquisitions)
	rel := atomic.LoadInt64(&m.releases)

	out := Metrics{
		Acquisitions: acq,
		Releases:     rel,
		Timeouts:     atomic.LoadInt64(&m.timeouts),
		Contentions:  atomic.LoadInt64(&m.contentions),
	}
	if acq > 0 {
		out.AverageAcquisitionTimeMs = float64(atomic.LoadInt64(&m.acquireTotalMS)) / float64(acq)
	}
	if rel > 0 {
		out.AverageHoldTimeMs = float64(atomic.LoadInt64(&m.holdTotalMS)) / float64(rel)
	}
	return out
}

// WithLock runs fn under the lock and releases it on every exit path,
// including when fn fails; fn's error is returned after the release. When
// acquisition fails WithLock returns ErrNotAcquired without invoking fn.
func WithLock[T any](ctx context.Context, m *Manager, resourceKey string, opts AcquireOptions, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ok, err := m.Acquire(ctx, resourceKey, opts)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotAcquired
	}
	defer func() {
		// Release failures are logged inside Release; the caller's result
		// must not be masked by them.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = m.Release(relCtx, resourceKey)
	}()

	return fn(ctx)
}
