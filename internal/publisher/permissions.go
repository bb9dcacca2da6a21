package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/cache"
	"github.com/opennotes-ai/opennotes-sub002/internal/chat"
)

const permKeyPrefix = "perm:"

// PermissionSnapshot is a derived, cached fact about one channel with a
// fixed freshness window. It is recomputed from the platform on expiry, not
// proactively refreshed.
type PermissionSnapshot struct {
	ChannelID string    `json:"channel_id"`
	CanSend   bool      `json:"can_send"`
	CanThread bool      `json:"can_thread"`
	CachedAt  time.Time `json:"cached_at"`
}

// permCache fronts the chat-platform permission lookup with the keyed cache
// so a busy channel isn't re-queried on every score event.
type permCache struct {
	store  cache.Cache
	lookup chat.PermissionLookup
	ttl    time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string]struct{} // channels cached by this instance, for Clear
}

func newPermCache(store cache.Cache, lookup chat.PermissionLookup, ttl time.Duration, logger *zap.Logger) *permCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &permCache{
		store:  store,
		lookup: lookup,
		ttl:    ttl,
		logger: logger,
		keys:   make(map[string]struct{}),
	}
}

func (p *permCache) get(ctx context.Context, channelID string) (PermissionSnapshot, error) {
	key := permKeyPrefix + channelID

	if raw, found, err := p.store.Get(ctx, key); err == nil && found {
		var snap PermissionSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return snap, nil
		}
		// Corrupt entry: drop it and fall through to a fresh lookup.
		_, _ = p.store.Delete(ctx, key)
	}

	// The lookup is idempotent, so a transient failure gets one bounded
	// retry before the caller's fail-closed policy kicks in.
	perms, err := p.lookup.ChannelPermissions(ctx, channelID)
	if err != nil {
		select {
		case <-ctx.Done():
			return PermissionSnapshot{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if perms, err = p.lookup.ChannelPermissions(ctx, channelID); err != nil {
			return PermissionSnapshot{}, err
		}
	}
	snap := PermissionSnapshot{
		ChannelID: channelID,
		CanSend:   perms.CanSend,
		CanThread: perms.CanThread,
		CachedAt:  time.Now(),
	}

	if raw, err := json.Marshal(snap); err == nil {
		if err := p.store.Set(ctx, key, raw, p.ttl); err != nil {
			p.logger.Warn("permission snapshot not cached",
				zap.String("channel_id", channelID),
				zap.Error(err))
		} else {
			p.mu.Lock()
			p.keys[key] = struct{}{}
			p.mu.Unlock()
		}
	}
	return snap, nil
}

// clear drops every snapshot this instance cached.
func (p *permCache) clear(ctx context.Context) {
	p.mu.Lock()
	keys := make([]string, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	p.keys = make(map[string]struct{})
	p.mu.Unlock()

	for _, k := range keys {
		_, _ = p.store.Delete(ctx, k)
	}
}
