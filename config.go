package escrow

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

type (
	Config struct {
		Store                StoreConfig
		Logger               *zap.Logger
		MaxRetries           int  `env:"ESCROW_MAX_RETRIES"`
		CacheSize            int  `env:"ESCROW_CACHE_SIZE"`
		EnableSnapshotWorker bool `env:"ESCROW_SNAPSHOT_WORKER"`
	}

	StoreConfig struct {
		Hibernator   Hibernator
		Addr         string        `env:"ESCROW_REDIS_ADDR"`
		Password     string        `env:"ESCROW_REDIS_PASSWORD"`
		Prefix       string        `env:"ESCROW_REDIS_PREFIX"`
		DB           int           `env:"ESCROW_REDIS_DB"`
		WorkerCount  int           `env:"ESCROW_SNAPSHOT_WORKERS"`
		MaxQueueSize int           `env:"ESCROW_SNAPSHOT_QUEUE_SIZE"`
		SaveTimeout  time.Duration `env:"ESCROW_SNAPSHOT_SAVE_TIMEOUT"`
	}
)

const (
	DefaultRedisEndpoint       = "localhost:6379"
	DefaultRedisPrefix         = "escrow"
	DefaultRedisDB             = 0
	DefaultSnapshotWorkers     = 4
	DefaultSnapshotQueueSize   = 1024
	DefaultSnapshotSaveTimeout = 30 * time.Second
	DefaultMaxRetries          = 16
	DefaultExecutorCacheSize   = 4096
)

func DefaultConfig() Config {
	return Config{
		Store:                DefaultStoreConfig(),
		MaxRetries:           DefaultMaxRetries,
		CacheSize:            DefaultExecutorCacheSize,
		EnableSnapshotWorker: true,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Addr:         DefaultRedisEndpoint,
		Password:     "",
		DB:           DefaultRedisDB,
		Prefix:       DefaultRedisPrefix,
		WorkerCount:  DefaultSnapshotWorkers,
		MaxQueueSize: DefaultSnapshotQueueSize,
		SaveTimeout:  DefaultSnapshotSaveTimeout,
	}
}

// ConfigFromEnv returns DefaultConfig overlaid with any ESCROW_* variables
// present in the environment
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
