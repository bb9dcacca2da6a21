// Package bus carries the two event streams between bot instances and their
// external collaborators: raw content batches headed for scoring, and score
// updates for already-scored notes. Both share one NATS transport. Batch
// delivery is best-effort; score updates ride a JetStream durable consumer
// with at-least-once delivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
)

type Config struct {
	URL          string
	BatchSubject string
	ScoreSubject string
	StreamName   string
	DurableName  string
	BatchSize    int
	ProducedBy   string // instance identifier stamped on outgoing batches
}

// Bus owns the transport connection. Construction via Connect is fatal on
// failure by contract: the process must not serve without it, so main exits
// rather than starting any dependent subsystem.
type Bus struct {
	cfg     Config
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *zap.Logger
	metrics *obs.Metrics

	consume jetstream.ConsumeContext
	closed  chan struct{}
}

func Connect(ctx context.Context, cfg Config, logger *zap.Logger, metrics *obs.Metrics) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("bus url required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	closed := make(chan struct{})
	nc, err := nats.Connect(cfg.URL,
		nats.Name("notebot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("bus connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// The score stream must exist before any consumer binds to it.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.ScoreSubject},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	logger.Info("event bus connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.StreamName))

	return &Bus{cfg: cfg, nc: nc, js: js, logger: logger, metrics: metrics, closed: closed}, nil
}

func (b *Bus) observePublish(subject, result string) {
	if b.metrics == nil {
		return
	}
	b.metrics.BusPublishTotal.WithLabelValues(subject, result).Inc()
}

// PublishBatches partitions msgs into fixed-size NoteBatch chunks and
// publishes each on the batch subject. Publish failures are logged and
// swallowed: ingestion must not block or fail because the bus is briefly
// unavailable, and the producing workflow simply loses that chunk.
func (b *Bus) PublishBatches(ctx context.Context, msgs []ChatMessage, cutoff time.Time) {
	if len(msgs) == 0 {
		return
	}

	chunks := partition(msgs, b.cfg.BatchSize)
	batchID := uuid.NewString()
	for i, chunk := range chunks {
		batch := NoteBatch{
			BatchID:      batchID,
			BatchIndex:   i,
			TotalBatches: len(chunks),
			Messages:     chunk,
			ProducedBy:   b.cfg.ProducedBy,
			Cutoff:       cutoff,
		}
		payload, err := json.Marshal(batch)
		if err != nil {
			b.observePublish(b.cfg.BatchSubject, "error")
			b.logger.Error("batch marshal failed",
				zap.String("batch_id", batchID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		if err := b.nc.Publish(b.cfg.BatchSubject, payload); err != nil {
			b.observePublish(b.cfg.BatchSubject, "error")
			b.logger.Error("batch publish failed",
				zap.String("batch_id", batchID),
				zap.Int("index", i),
				zap.Int("messages", len(chunk)),
				zap.Error(err))
			continue
		}
		b.observePublish(b.cfg.BatchSubject, "ok")
	}

	b.logger.Debug("published message batches",
		zap.String("batch_id", batchID),
		zap.Int("batches", len(chunks)),
		zap.Int("messages", len(msgs)))
}

// PublishScoreUpdate emits one score-update event onto the durable stream.
// In production the external scorer does this; the bot itself uses it only
// from load tooling.
func (b *Bus) PublishScoreUpdate(ctx context.Context, ev ScoreUpdateEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, b.cfg.ScoreSubject, payload); err != nil {
		b.observePublish(b.cfg.ScoreSubject, "error")
		return err
	}
	b.observePublish(b.cfg.ScoreSubject, "ok")
	return nil
}

// SubscribeScoreUpdates binds a durable consumer and invokes handler for
// every backlog and newly-arriving event. Events are acked after the handler
// returns, so a crash mid-handler redelivers (at-least-once); idempotency
// rests on the backend-owned duplicate and cooldown state, not on the bus.
// Malformed payloads are terminated rather than redelivered forever.
func (b *Bus) SubscribeScoreUpdates(ctx context.Context, handler func(context.Context, ScoreUpdateEvent)) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       b.cfg.DurableName,
		FilterSubject: b.cfg.ScoreSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", b.cfg.DurableName, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var ev ScoreUpdateEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			if b.metrics != nil {
				b.metrics.BusConsumeTotal.WithLabelValues(b.cfg.ScoreSubject, "error").Inc()
			}
			b.logger.Error("score update decode failed", zap.Error(err))
			_ = msg.Term()
			return
		}
		handler(ctx, ev)
		if err := msg.Ack(); err != nil {
			b.logger.Error("score update ack failed",
				zap.String("note_id", ev.NoteID),
				zap.Error(err))
			return
		}
		if b.metrics != nil {
			b.metrics.BusConsumeTotal.WithLabelValues(b.cfg.ScoreSubject, "ok").Inc()
		}
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	b.consume = cc
	return nil
}

// Close stops the consumer and drains the connection. Drain itself only
// initiates the flush, so Close blocks until the connection's closed callback
// fires (or a timeout passes) to keep in-flight publishes from being cut off
// by process exit.
func (b *Bus) Close() {
	if b.consume != nil {
		b.consume.Stop()
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Error("bus drain failed", zap.Error(err))
		return
	}
	if !awaitDrain(b.closed, 10*time.Second) {
		b.logger.Warn("bus drain did not complete before timeout")
	}
}

// awaitDrain waits for the connection's closed callback, bounding how long
// shutdown can hang on an unresponsive broker.
func awaitDrain(closed <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func partition(msgs []ChatMessage, size int) [][]ChatMessage {
	if size <= 0 {
		size = 1
	}
	var out [][]ChatMessage
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[start:end])
	}
	return out
}
