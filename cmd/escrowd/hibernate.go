package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	escrow "github.com/logistic-platform/logistics-contract"
)

type (
	// hibernation moves settled accounts to cold storage. It follows the
	// public feed through its own consumer group, so settlements committed
	// by any replica, or while escrowd was down, are all picked up
	hibernation struct {
		feed     feed
		target   hibernator
		logger   *zap.Logger
		group    string
		consumer string
		timeout  time.Duration
		backoff  time.Duration
	}

	feed interface {
		PollFeed(
			ctx context.Context, group, consumer string,
			timeout time.Duration, handler escrow.RecordHandler,
		) error
	}

	hibernator interface {
		Hibernate(context.Context, escrow.AccountID) error
	}
)

const (
	defaultHibernateGroup = "hibernator"
	hibernatePollTimeout  = 5 * time.Second
	hibernateBackoff      = time.Second
)

func newHibernation(
	f feed, target hibernator, cfg config, logger *zap.Logger,
) *hibernation {
	return &hibernation{
		feed:     f,
		target:   target,
		logger:   logger.Named("hibernation"),
		group:    cfg.HibernateGroup,
		consumer: cfg.Consumer,
		timeout:  hibernatePollTimeout,
		backoff:  hibernateBackoff,
	}
}

// Run hibernates settled accounts until ctx is done
func (h *hibernation) Run(ctx context.Context) error {
	for {
		err := h.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		h.logger.Warn("hibernation step failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.backoff):
		}
	}
}

// Step handles at most one feed record
func (h *hibernation) Step(ctx context.Context) error {
	return h.feed.PollFeed(ctx, h.group, h.consumer, h.timeout, h.handle)
}

// handle hibernates the account of a settlement record. A record delivered
// again after its account already left Redis is acknowledged
func (h *hibernation) handle(ctx context.Context, rec *escrow.Record) error {
	switch rec.Event.Type {
	case escrow.EventReleased, escrow.EventRefunded:
	default:
		return nil
	}

	id := rec.Event.AccountID
	err := h.target.Hibernate(ctx, id)
	if errors.Is(err, escrow.ErrAccountNotFound) {
		h.logger.Debug("account already hibernated",
			zap.String("account_id", string(id)),
		)
		return nil
	}
	return err
}
