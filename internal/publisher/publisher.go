// Package publisher decides, for each score-update event, whether to perform
// the one visible, irreversible side effect in the system: posting a note
// reply into a chat channel. Each gating check is independently sufficient
// to suppress. Identity and state checks fail closed: if the publisher
// cannot confirm "not a duplicate", it must not post. Only the optional
// relevance enrichment fails open.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/backend"
	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
	"github.com/opennotes-ai/opennotes-sub002/internal/cache"
	"github.com/opennotes-ai/opennotes-sub002/internal/chat"
	"github.com/opennotes-ai/opennotes-sub002/internal/lock"
	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
)

const (
	// DefaultScoreThreshold is the shared default below which a note is
	// never auto-posted; servers may configure their own.
	DefaultScoreThreshold = 0.70

	// DefaultCooldownWindow is the minimum gap between two posts in the
	// same channel.
	DefaultCooldownWindow = 5 * time.Minute

	// DefaultPermissionTTL is the freshness window for cached channel
	// permission snapshots.
	DefaultPermissionTTL = 5 * time.Minute

	postLockTTL = 30 * time.Second
)

// Sentinels for the in-lock duplicate recheck, so the decision switch can
// tell "another holder already posted" and "could not confirm" apart from a
// genuine post failure.
var (
	errAlreadyPosted = errors.New("reply already posted for original message")
	errRecheckFailed = errors.New("duplicate recheck failed")
)

// Backend is the slice of the notes service the publisher consults. The
// duplicate and cooldown state it serves is authoritative; the publisher
// never caches it locally.
type Backend interface {
	CheckDuplicate(ctx context.Context, originalMessageID string) (backend.DuplicateResult, error)
	GetLastPost(ctx context.Context, channelID string) (time.Time, bool, error)
	GetNoteContent(ctx context.Context, noteID string) (backend.NoteContent, error)
	RecordPost(ctx context.Context, noteID, channelID, originalMessageID string) error
	CheckRelevance(ctx context.Context, noteID, channelID string) (bool, error)
}

type Config struct {
	DefaultThreshold float64            // 0 means DefaultScoreThreshold
	ServerThresholds map[string]float64 // per-server override
	CooldownWindow   time.Duration
	PermissionTTL    time.Duration
	SendAttempts     int
}

// Metrics is a snapshot of decision counters.
type Metrics struct {
	Posted     int64
	Suppressed int64
	Errored    int64
}

// Publisher consumes score-update events and gates the posting side effect.
// Construct with New, wire HandleScoreUpdate as the bus handler.
type Publisher struct {
	cfg     Config
	backend Backend
	sender  chat.Sender
	configs ConfigSource
	locks   *lock.Manager
	perms   *permCache
	logger  *zap.Logger
	metrics *obs.Metrics

	posted     int64
	suppressed int64
	errored    int64
}

func New(
	cfg Config,
	be Backend,
	sender chat.Sender,
	permLookup chat.PermissionLookup,
	permStore cache.Cache,
	configs ConfigSource,
	locks *lock.Manager,
	logger *zap.Logger,
	metrics *obs.Metrics,
) *Publisher {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultScoreThreshold
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = DefaultCooldownWindow
	}
	if cfg.PermissionTTL <= 0 {
		cfg.PermissionTTL = DefaultPermissionTTL
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		cfg:     cfg,
		backend: be,
		sender:  sender,
		configs: configs,
		locks:   locks,
		perms:   newPermCache(permStore, permLookup, cfg.PermissionTTL, logger),
		logger:  logger,
		metrics: metrics,
	}
}

func (p *Publisher) thresholdFor(serverID string) float64 {
	if t, ok := p.cfg.ServerThresholds[serverID]; ok && t > 0 {
		return t
	}
	return p.cfg.DefaultThreshold
}

func (p *Publisher) suppress(ev bus.ScoreUpdateEvent, reason string, err error) {
	atomic.AddInt64(&p.suppressed, 1)
	if p.metrics != nil {
		p.metrics.DecisionTotal.WithLabelValues("suppressed", reason).Inc()
	}
	fields := []zap.Field{
		zap.String("note_id", ev.NoteID),
		zap.String("original_message_id", ev.OriginalMessageID),
		zap.String("channel_id", ev.ChannelID),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		p.logger.Warn("auto-post suppressed", fields...)
		return
	}
	p.logger.Info("auto-post suppressed", fields...)
}

func (p *Publisher) fail(ev bus.ScoreUpdateEvent, stage string, err error) {
	atomic.AddInt64(&p.errored, 1)
	if p.metrics != nil {
		p.metrics.DecisionTotal.WithLabelValues("errored", stage).Inc()
	}
	p.logger.Error("auto-post abandoned",
		zap.String("note_id", ev.NoteID),
		zap.String("original_message_id", ev.OriginalMessageID),
		zap.String("channel_id", ev.ChannelID),
		zap.String("stage", stage),
		zap.Error(err))
}

// HandleScoreUpdate runs one decision cycle. It never returns an error and
// never panics past its call site: every failure resolves to a suppressed or
// errored outcome, logged with enough identifiers to reconstruct the
// decision. Delivery is at-least-once, so a redelivered event re-runs the
// cycle and is caught by the backend's duplicate record.
func (p *Publisher) HandleScoreUpdate(ctx context.Context, ev bus.ScoreUpdateEvent) {
	// Threshold and confidence gate: cheap, local, checked first.
	if ev.Score < p.thresholdFor(ev.ServerID) || ev.Confidence != bus.ConfidenceStandard {
		p.suppress(ev, "threshold", nil)
		return
	}

	// Identity, cooldown, and config checks run concurrently. Any failure,
	// not just a negative answer, suppresses the whole event.
	var (
		dup       backend.DuplicateResult
		lastAt    time.Time
		lastFound bool
		enabled   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dup, err = p.backend.CheckDuplicate(gctx, ev.OriginalMessageID)
		return err
	})
	g.Go(func() error {
		var err error
		lastAt, lastFound, err = p.backend.GetLastPost(gctx, ev.ChannelID)
		return err
	})
	g.Go(func() error {
		var err error
		enabled, err = p.configs.PostingEnabled(gctx, ev.ServerID, ev.ChannelID)
		return err
	})
	if err := g.Wait(); err != nil {
		p.suppress(ev, "check_failed", err)
		return
	}

	if dup.Exists {
		p.suppress(ev, "duplicate", nil)
		return
	}
	if lastFound && time.Since(lastAt) < p.cfg.CooldownWindow {
		p.suppress(ev, "cooldown", nil)
		return
	}
	if !enabled {
		p.suppress(ev, "config", nil)
		return
	}

	snap, err := p.perms.get(ctx, ev.ChannelID)
	if err != nil {
		p.suppress(ev, "permission", err)
		return
	}
	if !snap.CanSend || !snap.CanThread {
		p.suppress(ev, "permission", nil)
		return
	}

	// Optional relevance enrichment: an unreachable check proceeds as if it
	// passed, unlike everything above.
	if relevant, err := p.backend.CheckRelevance(ctx, ev.NoteID, ev.ChannelID); err != nil {
		p.logger.Info("relevance check unavailable, proceeding",
			zap.String("note_id", ev.NoteID),
			zap.Error(err))
	} else if !relevant {
		p.suppress(ev, "relevance", nil)
		return
	}

	// The post itself runs under a distributed lock on the original message.
	// The pre-lock duplicate check above races concurrent instances handling
	// the same redelivered event (both can read "no duplicate" before either
	// has recorded a post), so the check is repeated inside the critical
	// section, where read-then-record is serialized.
	_, err = lock.WithLock(ctx, p.locks, "post:"+ev.OriginalMessageID, lock.AcquireOptions{
		TTL:        postLockTTL,
		MaxRetries: 2,
		RetryDelay: 250 * time.Millisecond,
	}, func(ctx context.Context) (struct{}, error) {
		dup, err := p.backend.CheckDuplicate(ctx, ev.OriginalMessageID)
		if err != nil {
			return struct{}{}, fmt.Errorf("%w: %v", errRecheckFailed, err)
		}
		if dup.Exists {
			return struct{}{}, errAlreadyPosted
		}
		return struct{}{}, p.post(ctx, ev)
	})
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrNotAcquired):
		p.suppress(ev, "locked", nil)
	case errors.Is(err, errAlreadyPosted):
		p.suppress(ev, "duplicate", nil)
	case errors.Is(err, errRecheckFailed):
		p.suppress(ev, "check_failed", err)
	case errors.Is(err, chat.ErrTargetGone):
		// The original message or channel vanished: handled, not retried.
		p.suppress(ev, "target_gone", nil)
	default:
		p.fail(ev, "post", err)
	}
}

// post performs the side effect: fetch content, send the reply threaded to
// the original message, then record the post so future duplicate and
// cooldown checks see it.
func (p *Publisher) post(ctx context.Context, ev bus.ScoreUpdateEvent) error {
	content, err := p.backend.GetNoteContent(ctx, ev.NoteID)
	if err != nil {
		return fmt.Errorf("note content: %w", err)
	}

	msgID, err := chat.SendWithRetry(ctx, p.sender, chat.SendRequest{
		ChannelID: ev.ChannelID,
		Content:   FormatReply(ev, content.Summary),
		ReplyTo:   ev.OriginalMessageID,
	}, p.cfg.SendAttempts)
	if err != nil {
		return err
	}

	atomic.AddInt64(&p.posted, 1)
	if p.metrics != nil {
		p.metrics.DecisionTotal.WithLabelValues("posted", "ok").Inc()
	}
	p.logger.Info("note reply posted",
		zap.String("note_id", ev.NoteID),
		zap.String("original_message_id", ev.OriginalMessageID),
		zap.String("channel_id", ev.ChannelID),
		zap.String("posted_message_id", msgID))

	if err := p.backend.RecordPost(ctx, ev.NoteID, ev.ChannelID, ev.OriginalMessageID); err != nil {
		// The reply is already visible; losing the record only weakens
		// future duplicate checks, so log loudly but don't fail the cycle.
		p.logger.Error("post record not persisted",
			zap.String("note_id", ev.NoteID),
			zap.String("original_message_id", ev.OriginalMessageID),
			zap.Error(err))
	}
	return nil
}

// FormatReply renders the posted reply: score as a percentage, the
// confidence label, the rating count, and the note summary.
func FormatReply(ev bus.ScoreUpdateEvent, summary string) string {
	return fmt.Sprintf("Community note (%.0f%% helpful, %s confidence, %d ratings):\n%s",
		ev.Score*100, ev.Confidence, ev.RatingCount, summary)
}

// ClearPermissionCache drops every cached permission snapshot; the next
// event per channel re-queries the platform.
func (p *Publisher) ClearPermissionCache(ctx context.Context) {
	p.perms.clear(ctx)
}

// Stop releases cached state. The consuming loop is owned by the bus, so
// there is no goroutine to join here.
func (p *Publisher) Stop(ctx context.Context) {
	p.ClearPermissionCache(ctx)
}

func (p *Publisher) Metrics() Metrics {
	return Metrics{
		Posted:     atomic.LoadInt64(&p.posted),
		Suppressed: atomic.LoadInt64(&p.suppressed),
		Errored:    atomic.LoadInt64(&p.errored),
	}
}
