// Package relay forwards the public escrow feed to a Kafka topic
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	escrow "github.com/logistic-platform/logistics-contract"
)

type (
	// Producer is the part of *kgo.Client the relay needs
	Producer interface {
		ProduceSync(context.Context, ...*kgo.Record) kgo.ProduceResults
	}

	// Feed is where the relay reads records from
	Feed interface {
		PollFeed(
			ctx context.Context, group, consumer string, timeout time.Duration,
			handler escrow.RecordHandler,
		) error
	}

	// Relay moves feed records to Kafka with at-least-once delivery: a
	// record is acknowledged on the feed only after Kafka accepts it
	Relay struct {
		feed     Feed
		producer Producer
		logger   *zap.Logger
		config   Config
	}

	// Config names the Kafka topic and feed consumer identity
	Config struct {
		Topic        string        `env:"ESCROW_RELAY_TOPIC"`
		Group        string        `env:"ESCROW_RELAY_GROUP"`
		Consumer     string        `env:"ESCROW_RELAY_CONSUMER"`
		PollTimeout  time.Duration `env:"ESCROW_RELAY_POLL_TIMEOUT"`
		RetryBackoff time.Duration `env:"ESCROW_RELAY_RETRY_BACKOFF"`
	}

	message struct {
		StreamID string        `json:"stream_id"`
		Event    *escrow.Event `json:"event"`
	}
)

const (
	DefaultTopic        = "escrow.feed"
	DefaultGroup        = "kafka-relay"
	DefaultPollTimeout  = 5 * time.Second
	DefaultRetryBackoff = time.Second

	headerEventType = "event-type"
)

func DefaultConfig() Config {
	return Config{
		Topic:        DefaultTopic,
		Group:        DefaultGroup,
		Consumer:     "relay-0",
		PollTimeout:  DefaultPollTimeout,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// NewClient builds a franz-go client producing to cfg.Topic
func NewClient(brokers []string, cfg Config) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
}

func New(
	feed Feed, producer Producer, cfg Config, logger *zap.Logger,
) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		feed:     feed,
		producer: producer,
		logger:   logger.Named("relay"),
		config:   cfg,
	}
}

// Run forwards records until ctx is done. Failures are logged and retried
// after the configured backoff
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		r.logger.Warn("relay step failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.config.RetryBackoff):
		}
	}
}

// Step forwards at most one feed record
func (r *Relay) Step(ctx context.Context) error {
	return r.feed.PollFeed(ctx,
		r.config.Group, r.config.Consumer, r.config.PollTimeout, r.Forward,
	)
}

// Forward produces one record to Kafka, keyed by account so each account's
// records stay ordered within a partition
func (r *Relay) Forward(ctx context.Context, rec *escrow.Record) error {
	if rec.Event == nil {
		return errors.New("feed record has no event")
	}

	value, err := json.Marshal(message{
		StreamID: rec.StreamID,
		Event:    rec.Event,
	})
	if err != nil {
		return err
	}

	res := r.producer.ProduceSync(ctx, &kgo.Record{
		Topic: r.config.Topic,
		Key:   []byte(rec.Event.AccountID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerEventType, Value: []byte(rec.Event.Type)},
		},
	})
	if err := res.FirstErr(); err != nil {
		return err
	}

	r.logger.Debug("record relayed",
		zap.String("stream_id", rec.StreamID),
		zap.String("account_id", string(rec.Event.AccountID)),
		zap.String("event_type", string(rec.Event.Type)),
	)
	return nil
}
