package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// Record is one entry of the public feed: a creation, release or
	// refund, in commit order
	Record struct {
		StreamID string `json:"stream_id"`
		Event    *Event `json:"event"`
	}

	// RecordHandler handles a single feed record. Returning an error
	// leaves the record pending for redelivery
	RecordHandler func(context.Context, *Record) error
)

// ErrFeedRecordMalformed indicates a feed entry could not be decoded
var ErrFeedRecordMalformed = errors.New("feed record malformed")

const (
	// DefaultMinIdle is the idle duration before a pending record is
	// reclaimed from a stalled consumer
	DefaultMinIdle = 30 * time.Second

	feedField = "event"
)

// ReadFeed returns up to count records committed after the given stream ID.
// An empty after reads from the beginning. count must be positive
func (s *Store) ReadFeed(
	ctx context.Context, after string, count int64,
) ([]*Record, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: non-positive feed count %d",
			ErrInvalidInput, count,
		)
	}
	start, limit := "-", count
	if after != "" {
		start, limit = after, count+1
	}
	msgs, err := s.client.XRangeN(ctx, s.feedKey(), start, "+", limit).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*Record, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == after {
			continue
		}
		rec, err := parseRecord(msg)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	if int64(len(res)) > count {
		res = res[:count]
	}
	return res, nil
}

// PollFeed delivers one record to handler through the named consumer group,
// waiting up to timeout for a new one. Records idle longer than
// DefaultMinIdle in another consumer are reclaimed first. A record is
// acknowledged only after handler succeeds and is never removed from the
// feed
func (s *Store) PollFeed(
	ctx context.Context, group, consumer string, timeout time.Duration,
	handler RecordHandler,
) error {
	if handler == nil {
		return errors.New("feed handler is required")
	}

	stream := s.feedKey()
	if err := s.ensureFeedGroup(ctx, stream, group); err != nil {
		return err
	}

	rec, err := s.recoverFeed(ctx, stream, group, consumer, handler)
	if err != nil || rec {
		return err
	}

	block := timeout
	if block <= 0 {
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil
	}

	return s.handleRecord(ctx, stream, group, streams[0].Messages[0], handler)
}

func (s *Store) recoverFeed(
	ctx context.Context, stream, group, consumer string,
	handler RecordHandler,
) (bool, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  DefaultMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return false, err
	}

	s.logger.Warn("reclaimed idle feed record",
		zap.String("group", group),
		zap.String("consumer", consumer),
		zap.String("stream_id", msgs[0].ID),
	)
	return true, s.handleRecord(ctx, stream, group, msgs[0], handler)
}

func (s *Store) handleRecord(
	ctx context.Context, stream, group string, msg redis.XMessage,
	handler RecordHandler,
) error {
	rec, err := parseRecord(msg)
	if err != nil {
		return err
	}
	if err := handler(ctx, rec); err != nil {
		return err
	}
	return s.client.XAck(ctx, stream, group, msg.ID).Err()
}

func (s *Store) ensureFeedGroup(
	ctx context.Context, stream, group string,
) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func parseRecord(msg redis.XMessage) (*Record, error) {
	raw, ok := msg.Values[feedField]
	if !ok {
		return nil, ErrFeedRecordMalformed
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, ErrFeedRecordMalformed
	}

	ev := &Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return &Record{StreamID: msg.ID, Event: ev}, nil
}
