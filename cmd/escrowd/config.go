package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	escrow "github.com/logistic-platform/logistics-contract"
	"github.com/logistic-platform/logistics-contract/relay"
)

type (
	config struct {
		Escrow          escrow.Config
		Relay           relay.Config
		HTTPAddr        string        `env:"ESCROWD_HTTP_ADDR"`
		ShutdownTimeout time.Duration `env:"ESCROWD_SHUTDOWN_TIMEOUT"`
		Hibernate       string        `env:"ESCROWD_HIBERNATE"`
		HibernateGroup  string        `env:"ESCROWD_HIBERNATE_GROUP"`
		Consumer        string        `env:"ESCROWD_CONSUMER"`
		BoltPath        string        `env:"ESCROWD_BOLT_PATH"`
		DatabaseURL     string        `env:"DATABASE_URL"`
		KafkaBrokers    []string      `env:"ESCROWD_KAFKA_BROKERS" envSeparator:","`
		Development     bool          `env:"ESCROWD_DEV"`
	}
)

const (
	hibernateNone     = ""
	hibernateBolt     = "bolt"
	hibernatePostgres = "postgres"
)

func loadConfig() (config, error) {
	cfg := config{
		Escrow:          escrow.DefaultConfig(),
		Relay:           relay.DefaultConfig(),
		HTTPAddr:        ":8080",
		ShutdownTimeout: 10 * time.Second,
		BoltPath:        "escrow-hibernate.db",
		HibernateGroup:  defaultHibernateGroup,
		Consumer:        defaultConsumer(),
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	switch cfg.Hibernate {
	case hibernateNone, hibernateBolt, hibernatePostgres:
	default:
		return cfg, fmt.Errorf("unknown hibernate backend %q", cfg.Hibernate)
	}
	return cfg, nil
}

// defaultConsumer names this process within feed consumer groups
func defaultConsumer() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "escrowd-0"
}
