package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CacheBackend selects one of the closed set of cache implementations.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

type Config struct {
	ListenAddr string

	RedisAddr string
	RedisDB   int

	NatsURL      string
	BatchSubject string
	ScoreSubject string
	StreamName   string
	DurableName  string
	BatchSize    int

	BackendBaseURL string
	ChatRelayURL   string

	CacheBackend   CacheBackend
	CacheNamespace string

	QueueSize     int
	DrainInterval time.Duration

	ScoreThreshold float64
	Debug          bool
}

// FromEnv reads configuration from the environment. This is the only place
// the process touches env vars; everything downstream receives the typed
// struct.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:     getenv("NOTEBOT_ADDR", ":8080"),
		RedisAddr:      getenv("NOTEBOT_REDIS_ADDR", "localhost:6379"),
		NatsURL:        getenv("NOTEBOT_NATS_URL", "nats://localhost:4222"),
		BatchSubject:   getenv("NOTEBOT_BATCH_SUBJECT", "notes.ingest.batches"),
		ScoreSubject:   getenv("NOTEBOT_SCORE_SUBJECT", "notes.scores.updates"),
		StreamName:     getenv("NOTEBOT_STREAM", "NOTE_SCORES"),
		DurableName:    getenv("NOTEBOT_DURABLE", "notebot-gate"),
		BackendBaseURL: getenv("NOTEBOT_BACKEND_URL", "http://localhost:9000"),
		ChatRelayURL:   getenv("NOTEBOT_CHAT_RELAY_URL", "http://localhost:9100"),
		CacheNamespace: getenv("NOTEBOT_CACHE_NAMESPACE", "notebot"),
	}

	var err error
	if cfg.RedisDB, err = getint("NOTEBOT_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = getint("NOTEBOT_BATCH_SIZE", 25); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = getint("NOTEBOT_QUEUE_SIZE", 1000); err != nil {
		return Config{}, err
	}

	drainMS, err := getint("NOTEBOT_DRAIN_INTERVAL_MS", 2000)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainInterval = time.Duration(drainMS) * time.Millisecond

	threshold := getenv("NOTEBOT_SCORE_THRESHOLD", "")
	if threshold == "" {
		cfg.ScoreThreshold = 0 // publisher falls back to its shared default
	} else {
		cfg.ScoreThreshold, err = strconv.ParseFloat(threshold, 64)
		if err != nil {
			return Config{}, fmt.Errorf("NOTEBOT_SCORE_THRESHOLD: %w", err)
		}
	}

	switch b := CacheBackend(getenv("NOTEBOT_CACHE_BACKEND", string(CacheRedis))); b {
	case CacheMemory, CacheRedis:
		cfg.CacheBackend = b
	default:
		return Config{}, fmt.Errorf("unknown cache backend %q (want memory|redis)", b)
	}

	cfg.Debug = os.Getenv("NOTEBOT_DEBUG") != ""
	return cfg, nil
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getint(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}
