package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opennotes-ai/opennotes-sub002/internal/api"
	"github.com/opennotes-ai/opennotes-sub002/internal/backend"
	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
	"github.com/opennotes-ai/opennotes-sub002/internal/cache"
	"github.com/opennotes-ai/opennotes-sub002/internal/chat"
	"github.com/opennotes-ai/opennotes-sub002/internal/config"
	"github.com/opennotes-ai/opennotes-sub002/internal/lock"
	"github.com/opennotes-ai/opennotes-sub002/internal/monitor"
	"github.com/opennotes-ai/opennotes-sub002/internal/obs"
	"github.com/opennotes-ai/opennotes-sub002/internal/publisher"
	"github.com/opennotes-ai/opennotes-sub002/internal/redisstore"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.NewLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	// The bus is load-bearing: without it the process can neither ingest nor
	// react, so a failed connect ends the process before anything starts.
	eventBus, err := bus.Connect(ctx, bus.Config{
		URL:          cfg.NatsURL,
		BatchSubject: cfg.BatchSubject,
		ScoreSubject: cfg.ScoreSubject,
		StreamName:   cfg.StreamName,
		DurableName:  cfg.DurableName,
		BatchSize:    cfg.BatchSize,
		ProducedBy:   "notebot-" + uuid.NewString()[:8],
	}, logger, metrics)
	if err != nil {
		logger.Fatal("bus connect", zap.Error(err))
	}
	defer eventBus.Close()

	rdb, err := redisstore.Open(ctx, redisstore.Config{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err != nil {
		logger.Fatal("redis open", zap.Error(err))
	}
	defer rdb.Close()

	var store cache.Cache
	switch cfg.CacheBackend {
	case config.CacheMemory:
		store = cache.NewMemory(4096, metrics)
	default:
		store = cache.NewRedis(rdb, cfg.CacheNamespace, logger, metrics)
	}
	if err := cache.EnableInvalidation(ctx, store); err != nil {
		logger.Fatal("cache invalidation subscribe", zap.Error(err))
	}

	locks := lock.NewManager(rdb, logger, metrics)

	notesAPI := backend.New(cfg.BackendBaseURL, &http.Client{Timeout: 10 * time.Second})
	relay := chat.NewRelaySender(cfg.ChatRelayURL, &http.Client{Timeout: 10 * time.Second})

	mon := monitor.New(monitor.Config{
		QueueName:     "ingest",
		QueueSize:     cfg.QueueSize,
		DrainInterval: cfg.DrainInterval,
		DrainBatch:    cfg.BatchSize * 4,
	}, notesAPI, eventBus, logger, metrics)
	mon.Start(ctx)
	defer mon.Stop()

	pub := publisher.New(publisher.Config{
		DefaultThreshold: cfg.ScoreThreshold,
	}, notesAPI, relay, relay, store,
		&publisher.StaticConfig{DefaultEnabled: true},
		locks, logger, metrics)
	defer pub.Stop(context.Background())

	if err := eventBus.SubscribeScoreUpdates(ctx, pub.HandleScoreUpdate); err != nil {
		logger.Fatal("score subscription", zap.Error(err))
	}

	apiServer := api.NewServer(api.Components{
		Locks:     locks,
		Queue:     mon.QueueMetrics,
		Cache:     store,
		Publisher: pub,
	})

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("notebot up", zap.String("addr", cfg.ListenAddr))
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}

	wg.Wait()
	logger.Info("notebot stopped")
}
