package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero = no expiry
	version   int64
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the non-shared in-process backend: an LRU bounded by entry count
// with per-entry expiry checked on every read, so an entry past its TTL is
// never returned even before eviction. Pub/sub is process-local; it exists so
// callers stay backend-agnostic, not to reach other instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	cap     int

	subsMu sync.RWMutex
	subs   map[string][]Handler

	hits    uint64
	misses  uint64
	metrics *obs.Metrics
}

func NewMemory(capacity int, metrics *obs.Metrics) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		cap:     capacity,
		subs:    make(map[string][]Handler),
		metrics: metrics,
	}
}

func (m *Memory) observe(result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.CacheOpsTotal.WithLabelValues("memory", result).Inc()
}

// lookup returns the live entry for key, removing it if expired.
// Caller holds m.mu.
func (m *Memory) lookup(key string, now time.Time) (*memoryEntry, bool) {
	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memoryEntry)
	if e.expired(now) {
		m.lru.Remove(el)
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, time.Now())
	if !ok {
		atomic.AddUint64(&m.misses, 1)
		m.observe("miss")
		return nil, false, nil
	}
	m.lru.MoveToFront(m.entries[key])
	atomic.AddUint64(&m.hits, 1)
	m.observe("hit")
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.value = value
		e.expiresAt = expires
		e.version++
		m.lru.MoveToFront(el)
		return nil
	}

	if m.lru.Len() >= m.cap {
		oldest := m.lru.Back()
		if oldest != nil {
			m.lru.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	m.entries[key] = m.lru.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expires,
		version:   1,
	})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	m.lru.Remove(el)
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key, time.Now())
	return ok, nil
}

func (m *Memory) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		e, ok := m.lookup(key, now)
		if !ok {
			atomic.AddUint64(&m.misses, 1)
			m.observe("miss")
			continue
		}
		atomic.AddUint64(&m.hits, 1)
		m.observe("hit")
		out[i] = e.value
	}
	return out, nil
}

func (m *Memory) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for k, v := range items {
		if err := m.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, h Handler) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs[channel] = append(m.subs[channel], h)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.subsMu.RLock()
	handlers := make([]Handler, len(m.subs[channel]))
	copy(handlers, m.subs[channel])
	m.subsMu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (m *Memory) Unsubscribe(channel string) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	delete(m.subs, channel)
	return nil
}

func (m *Memory) Metrics() Metrics {
	return computeRate(atomic.LoadUint64(&m.hits), atomic.LoadUint64(&m.misses))
}

func (m *Memory) Close() error {
	m.subsMu.Lock()
	m.subs = make(map[string][]Handler)
	m.subsMu.Unlock()

	m.mu.Lock()
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	m.mu.Unlock()
	return nil
}
