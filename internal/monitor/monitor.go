// Package monitor ingests raw chat messages for scoring. Submissions land in
// a bounded queue so a burst of traffic can never grow the pipeline's memory
// unboundedly; a consumer task drains the queue on an interval, forwards the
// drained items to the classifier, and publishes the accepted subset onto the
// bus as batches.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
	"github.com/opennotes-ai/opennotes-sub002/internal/queue"
)

// Classifier decides which drained messages are worth scoring.
type Classifier interface {
	ClassifyMessages(ctx context.Context, msgs []bus.ChatMessage) ([]bus.ChatMessage, error)
}

// BatchPublisher emits accepted messages onto the batch stream.
type BatchPublisher interface {
	PublishBatches(ctx context.Context, msgs []bus.ChatMessage, cutoff time.Time)
}

type Config struct {
	QueueName     string
	QueueSize     int
	DrainInterval time.Duration
	DrainBatch    int // max items pulled per tick
}

// Monitor owns its consumer goroutine explicitly: Start launches it, Stop
// cancels and waits, and the loop exits only on cancellation. A failed tick
// abandons that tick's items and the loop keeps running.
type Monitor struct {
	cfg        Config
	q          *queue.BoundedQueue[bus.ChatMessage]
	classifier Classifier
	publisher  BatchPublisher
	logger     *zap.Logger
	metrics    *obs.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(cfg Config, classifier Classifier, publisher BatchPublisher, logger *zap.Logger, metrics *obs.Metrics) *Monitor {
	if cfg.QueueName == "" {
		cfg.QueueName = "ingest"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 2 * time.Second
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:        cfg,
		q:          queue.NewBounded[bus.ChatMessage](cfg.QueueSize),
		classifier: classifier,
		publisher:  publisher,
		logger:     logger,
		metrics:    metrics,
	}
}

// Submit queues one message for the next drain. It never blocks and never
// fails; under overload the oldest pending message is shed and counted.
func (m *Monitor) Submit(msg bus.ChatMessage) {
	evicted := m.q.Enqueue(msg)
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(m.cfg.QueueName).Set(float64(m.q.Len()))
		if evicted {
			m.metrics.QueueOverflowTotal.WithLabelValues(m.cfg.QueueName).Inc()
		}
	}
	if evicted {
		m.logger.Warn("ingest queue overflow, oldest message shed",
			zap.String("queue", m.cfg.QueueName))
	}
}

// QueueMetrics exposes the underlying queue counters.
func (m *Monitor) QueueMetrics() queue.Metrics {
	return m.q.Metrics()
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go func() {
		defer close(m.done)
		m.run(runCtx)
	}()
}

// Stop interrupts the consumer deterministically, even mid-wait, and blocks
// until it has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.started = false
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	t := time.NewTicker(m.cfg.DrainInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.drainOnce(ctx)
		}
	}
}

func (m *Monitor) drainOnce(ctx context.Context) {
	msgs := m.q.DequeueBatch(m.cfg.DrainBatch)
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(m.cfg.QueueName).Set(float64(m.q.Len()))
	}
	if len(msgs) == 0 {
		return
	}
	cutoff := time.Now()

	accepted, err := m.classifier.ClassifyMessages(ctx, msgs)
	if err != nil {
		// Transient classifier failure: abandon this tick's items without
		// side effects and keep consuming.
		m.logger.Error("classification failed, batch abandoned",
			zap.Int("messages", len(msgs)),
			zap.Error(err))
		return
	}
	if len(accepted) == 0 {
		m.logger.Debug("no messages accepted for scoring",
			zap.Int("drained", len(msgs)))
		return
	}

	m.publisher.PublishBatches(ctx, accepted, cutoff)
	m.logger.Info("forwarded accepted messages",
		zap.Int("drained", len(msgs)),
		zap.Int("accepted", len(accepted)))
}
