package publisher_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-ai/opennotes-sub002/internal/backend"
	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
	"github.com/opennotes-ai/opennotes-sub002/internal/cache"
	"github.com/opennotes-ai/opennotes-sub002/internal/chat"
	"github.com/opennotes-ai/opennotes-sub002/internal/lock"
	"github.com/opennotes-ai/opennotes-sub002/internal/publisher"
)

type fakeBackend struct {
	dupExists   bool
	dupErr      error
	lastAt      time.Time
	lastFound   bool
	lastErr     error
	summary     string
	contentErr  error
	relevant    bool
	relevantErr error
	recordErr   error

	recorded int32
}

func (f *fakeBackend) CheckDuplicate(context.Context, string) (backend.DuplicateResult, error) {
	return backend.DuplicateResult{Exists: f.dupExists}, f.dupErr
}

func (f *fakeBackend) GetLastPost(context.Context, string) (time.Time, bool, error) {
	return f.lastAt, f.lastFound, f.lastErr
}

func (f *fakeBackend) GetNoteContent(context.Context, string) (backend.NoteContent, error) {
	return backend.NoteContent{Summary: f.summary}, f.contentErr
}

func (f *fakeBackend) RecordPost(context.Context, string, string, string) error {
	atomic.AddInt32(&f.recorded, 1)
	return f.recordErr
}

func (f *fakeBackend) CheckRelevance(context.Context, string, string) (bool, error) {
	return f.relevant, f.relevantErr
}

type fakeSender struct {
	err   error
	sends int32
	last  chat.SendRequest
}

func (f *fakeSender) SendMessage(_ context.Context, req chat.SendRequest) (string, error) {
	atomic.AddInt32(&f.sends, 1)
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return "posted-1", nil
}

type fakePerms struct {
	perms   chat.Permissions
	err     error
	lookups int32
}

func (f *fakePerms) ChannelPermissions(context.Context, string) (chat.Permissions, error) {
	atomic.AddInt32(&f.lookups, 1)
	return f.perms, f.err
}

type fixture struct {
	pub     *publisher.Publisher
	backend *fakeBackend
	sender  *fakeSender
	perms   *fakePerms
}

func newFixture(t *testing.T, cfg publisher.Config) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	be := &fakeBackend{summary: "Earlier reporting contradicts this claim.", relevant: true}
	sender := &fakeSender{}
	perms := &fakePerms{perms: chat.Permissions{CanSend: true, CanThread: true}}

	pub := publisher.New(cfg, be, sender, perms,
		cache.NewMemory(64, nil),
		&publisher.StaticConfig{DefaultEnabled: true},
		lock.NewManager(rdb, nil, nil),
		nil, nil)
	return &fixture{pub: pub, backend: be, sender: sender, perms: perms}
}

func event() bus.ScoreUpdateEvent {
	return bus.ScoreUpdateEvent{
		NoteID:            "note-1",
		Score:             0.85,
		Confidence:        bus.ConfidenceStandard,
		RatingCount:       12,
		OriginalMessageID: "orig-1",
		ChannelID:         "chan-1",
		ServerID:          "srv-1",
		Timestamp:         time.Now(),
	}
}

func TestPostsWhenAllChecksPass(t *testing.T) {
	f := newFixture(t, publisher.Config{})

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.EqualValues(t, 1, atomic.LoadInt32(&f.sender.sends))
	require.EqualValues(t, 1, atomic.LoadInt32(&f.backend.recorded))
	require.Equal(t, "chan-1", f.sender.last.ChannelID)
	require.Equal(t, "orig-1", f.sender.last.ReplyTo)
	require.Contains(t, f.sender.last.Content, "85% helpful")
	require.Contains(t, f.sender.last.Content, "standard confidence")
	require.Contains(t, f.sender.last.Content, "12 ratings")
	require.True(t, strings.HasSuffix(f.sender.last.Content, f.backend.summary))

	m := f.pub.Metrics()
	require.EqualValues(t, 1, m.Posted)
	require.Zero(t, m.Suppressed)
	require.Zero(t, m.Errored)
}

func TestThresholdAndConfidenceGate(t *testing.T) {
	f := newFixture(t, publisher.Config{})

	below := event()
	below.Score = 0.65
	f.pub.HandleScoreUpdate(context.Background(), below)

	provisional := event()
	provisional.Confidence = bus.ConfidenceProvisional
	f.pub.HandleScoreUpdate(context.Background(), provisional)

	require.Zero(t, atomic.LoadInt32(&f.sender.sends))
	require.EqualValues(t, 2, f.pub.Metrics().Suppressed)
}

func TestPerServerThresholdOverride(t *testing.T) {
	f := newFixture(t, publisher.Config{
		ServerThresholds: map[string]float64{"srv-1": 0.90},
	})

	f.pub.HandleScoreUpdate(context.Background(), event()) // 0.85 < 0.90
	require.Zero(t, atomic.LoadInt32(&f.sender.sends))

	ev := event()
	ev.Score = 0.95
	f.pub.HandleScoreUpdate(context.Background(), ev)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.sender.sends))
}

func TestDuplicateSuppressed(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.backend.dupExists = true

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.Zero(t, atomic.LoadInt32(&f.sender.sends))
	require.EqualValues(t, 1, f.pub.Metrics().Suppressed)
}

func TestCooldownBoundary(t *testing.T) {
	f := newFixture(t, publisher.Config{CooldownWindow: 5 * time.Minute})
	f.backend.lastFound = true

	f.backend.lastAt = time.Now().Add(-2 * time.Minute)
	f.pub.HandleScoreUpdate(context.Background(), event())
	require.Zero(t, atomic.LoadInt32(&f.sender.sends), "inside the cooldown window")

	f.backend.lastAt = time.Now().Add(-6 * time.Minute)
	f.pub.HandleScoreUpdate(context.Background(), event())
	require.EqualValues(t, 1, atomic.LoadInt32(&f.sender.sends), "outside the cooldown window")
}

func TestCheckFailureSuppressesFailClosed(t *testing.T) {
	for name, mutate := range map[string]func(*fakeBackend){
		"duplicate": func(b *fakeBackend) { b.dupErr = errors.New("backend down") },
		"last post": func(b *fakeBackend) { b.lastErr = errors.New("backend down") },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, publisher.Config{})
			mutate(f.backend)

			f.pub.HandleScoreUpdate(context.Background(), event())

			require.Zero(t, atomic.LoadInt32(&f.sender.sends))
			require.EqualValues(t, 1, f.pub.Metrics().Suppressed)
			require.Zero(t, f.pub.Metrics().Errored)
		})
	}
}

func TestMissingPermissionSuppresses(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.perms.perms = chat.Permissions{CanSend: true, CanThread: false}

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.Zero(t, atomic.LoadInt32(&f.sender.sends))
}

func TestPermissionLookupErrorSuppressesFailClosed(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.perms.err = errors.New("gateway unavailable")

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.Zero(t, atomic.LoadInt32(&f.sender.sends))
	require.EqualValues(t, 1, f.pub.Metrics().Suppressed)
}

func TestPermissionSnapshotCachedAcrossEvents(t *testing.T) {
	f := newFixture(t, publisher.Config{})

	f.pub.HandleScoreUpdate(context.Background(), event())
	second := event()
	second.OriginalMessageID = "orig-2"
	second.NoteID = "note-2"
	f.pub.HandleScoreUpdate(context.Background(), second)

	require.EqualValues(t, 2, atomic.LoadInt32(&f.sender.sends))
	require.EqualValues(t, 1, atomic.LoadInt32(&f.perms.lookups),
		"second event for the same channel should hit the cache")

	// Clearing forces the next event back to the platform.
	f.pub.ClearPermissionCache(context.Background())
	third := event()
	third.OriginalMessageID = "orig-3"
	f.pub.HandleScoreUpdate(context.Background(), third)
	require.EqualValues(t, 2, atomic.LoadInt32(&f.perms.lookups))
}

func TestRelevanceFailsOpen(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.backend.relevantErr = errors.New("relevance service timeout")

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.EqualValues(t, 1, atomic.LoadInt32(&f.sender.sends),
		"an unreachable relevance check must not block the post")
}

func TestIrrelevantNoteSuppressed(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.backend.relevant = false

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.Zero(t, atomic.LoadInt32(&f.sender.sends))
}

func TestTargetGoneIsHandledNotErrored(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.sender.err = chat.ErrTargetGone

	f.pub.HandleScoreUpdate(context.Background(), event())

	m := f.pub.Metrics()
	require.EqualValues(t, 1, m.Suppressed)
	require.Zero(t, m.Errored)
	require.Zero(t, atomic.LoadInt32(&f.backend.recorded))
}

func TestSendFailureErrored(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.sender.err = errors.New("gateway 502")

	f.pub.HandleScoreUpdate(context.Background(), event())

	m := f.pub.Metrics()
	require.EqualValues(t, 1, m.Errored)
	require.Zero(t, m.Posted)
	require.Zero(t, atomic.LoadInt32(&f.backend.recorded))
}

func TestRecordFailureStillCountsAsPosted(t *testing.T) {
	f := newFixture(t, publisher.Config{})
	f.backend.recordErr = errors.New("write timeout")

	f.pub.HandleScoreUpdate(context.Background(), event())

	require.EqualValues(t, 1, f.pub.Metrics().Posted)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.sender.sends))
}

func TestPostingDisabledByConfig(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	be := &fakeBackend{summary: "s", relevant: true}
	sender := &fakeSender{}
	perms := &fakePerms{perms: chat.Permissions{CanSend: true, CanThread: true}}

	pub := publisher.New(publisher.Config{}, be, sender, perms,
		cache.NewMemory(8, nil),
		&publisher.StaticConfig{
			DefaultEnabled: true,
			Channels:       map[string]bool{"chan-1": false},
		},
		lock.NewManager(rdb, nil, nil), nil, nil)

	pub.HandleScoreUpdate(context.Background(), event())
	require.Zero(t, atomic.LoadInt32(&sender.sends))

	other := event()
	other.ChannelID = "chan-2"
	pub.HandleScoreUpdate(context.Background(), other)
	require.EqualValues(t, 1, atomic.LoadInt32(&sender.sends))
}

// racingBackend holds every pre-lock duplicate check at a barrier until two
// callers have read exists=false, reproducing concurrent delivery of one
// redelivered event to two instances. Later checks see the real record.
type racingBackend struct {
	mu       sync.Mutex
	recorded bool

	firstChecks int32
	barrier     sync.WaitGroup
}

func newRacingBackend() *racingBackend {
	b := &racingBackend{}
	b.barrier.Add(2)
	return b
}

func (b *racingBackend) CheckDuplicate(context.Context, string) (backend.DuplicateResult, error) {
	if atomic.AddInt32(&b.firstChecks, 1) <= 2 {
		b.barrier.Done()
		b.barrier.Wait()
		return backend.DuplicateResult{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return backend.DuplicateResult{Exists: b.recorded}, nil
}

func (b *racingBackend) GetLastPost(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (b *racingBackend) GetNoteContent(context.Context, string) (backend.NoteContent, error) {
	return backend.NoteContent{Summary: "s"}, nil
}

func (b *racingBackend) RecordPost(context.Context, string, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorded = true
	return nil
}

func (b *racingBackend) CheckRelevance(context.Context, string, string) (bool, error) {
	return true, nil
}

func TestSameEventAcrossInstancesPostsOnce(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	be := newRacingBackend()
	sender := &fakeSender{}

	// Two publishers sharing only the store, like separate bot instances
	// both receiving the same redelivered score update.
	newInstance := func() *publisher.Publisher {
		return publisher.New(publisher.Config{}, be, sender,
			&fakePerms{perms: chat.Permissions{CanSend: true, CanThread: true}},
			cache.NewMemory(8, nil),
			&publisher.StaticConfig{DefaultEnabled: true},
			lock.NewManager(rdb, nil, nil), nil, nil)
	}
	a, b := newInstance(), newInstance()

	var wg sync.WaitGroup
	for _, p := range []*publisher.Publisher{a, b} {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.HandleScoreUpdate(context.Background(), event())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&sender.sends),
		"one redelivered event must produce exactly one post across instances")
	require.EqualValues(t, 1, a.Metrics().Posted+b.Metrics().Posted)
	require.EqualValues(t, 1, a.Metrics().Suppressed+b.Metrics().Suppressed)
}
