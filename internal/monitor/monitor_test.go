package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
	"github.com/opennotes-ai/opennotes-sub002/internal/monitor"
)

type fakeClassifier struct {
	mu     sync.Mutex
	err    error
	accept func(bus.ChatMessage) bool
	calls  int
}

func (f *fakeClassifier) ClassifyMessages(_ context.Context, msgs []bus.ChatMessage) ([]bus.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []bus.ChatMessage
	for _, m := range msgs {
		if f.accept == nil || f.accept(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []bus.ChatMessage
}

func (f *fakePublisher) PublishBatches(_ context.Context, msgs []bus.ChatMessage, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msgs...)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDrainForwardsAcceptedMessages(t *testing.T) {
	cls := &fakeClassifier{accept: func(m bus.ChatMessage) bool { return m.Content != "skip" }}
	pub := &fakePublisher{}

	m := monitor.New(monitor.Config{
		QueueSize:     100,
		DrainInterval: 10 * time.Millisecond,
		DrainBatch:    50,
	}, cls, pub, nil, nil)

	m.Start(context.Background())
	defer m.Stop()

	for i := 0; i < 5; i++ {
		m.Submit(bus.ChatMessage{MessageID: fmt.Sprintf("m-%d", i), Content: "keep"})
	}
	m.Submit(bus.ChatMessage{MessageID: "m-skip", Content: "skip"})

	waitFor(t, func() bool { return pub.count() == 5 })

	qm := m.QueueMetrics()
	require.EqualValues(t, 6, qm.Dequeued)
	require.Zero(t, qm.CurrentSize)
}

func TestClassifierFailureAbandonsTickAndLoopContinues(t *testing.T) {
	cls := &fakeClassifier{err: errors.New("classifier down")}
	pub := &fakePublisher{}

	m := monitor.New(monitor.Config{
		QueueSize:     100,
		DrainInterval: 10 * time.Millisecond,
		DrainBatch:    50,
	}, cls, pub, nil, nil)

	m.Start(context.Background())
	defer m.Stop()

	m.Submit(bus.ChatMessage{MessageID: "doomed"})

	// Wait for the failed tick, then recover the classifier and submit again.
	waitFor(t, func() bool {
		cls.mu.Lock()
		defer cls.mu.Unlock()
		return cls.calls >= 1
	})
	require.Zero(t, pub.count(), "failed classification must not publish")

	cls.mu.Lock()
	cls.err = nil
	cls.mu.Unlock()

	m.Submit(bus.ChatMessage{MessageID: "survivor"})
	waitFor(t, func() bool { return pub.count() == 1 })

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, "survivor", pub.published[0].MessageID)
}

func TestStopInterruptsConsumer(t *testing.T) {
	m := monitor.New(monitor.Config{
		QueueSize:     10,
		DrainInterval: time.Hour, // never ticks; Stop must not wait for one
	}, &fakeClassifier{}, &fakePublisher{}, nil, nil)

	m.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not interrupt the drain wait")
	}

	// Idempotent.
	m.Stop()
}

func TestSubmitOverflowCountsAndSheds(t *testing.T) {
	m := monitor.New(monitor.Config{
		QueueSize:     3,
		DrainInterval: time.Hour,
	}, &fakeClassifier{}, &fakePublisher{}, nil, nil)

	for i := 0; i < 5; i++ {
		m.Submit(bus.ChatMessage{MessageID: fmt.Sprintf("m-%d", i)})
	}

	qm := m.QueueMetrics()
	require.Equal(t, 3, qm.CurrentSize)
	require.EqualValues(t, 2, qm.Overflows)
}
