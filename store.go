package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/kode4food/caravan/topic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// Store persists account event logs, authorizations, payouts and the
	// public feed in Redis
	Store struct {
		vault           *Vault
		client          *redis.Client
		prefix          string
		producer        topic.Producer[*Event]
		appendEventsLua *redis.Script
		putSnapshotLua  *redis.Script
		getSnapshotLua  *redis.Script
		getHibernateLua *redis.Script
		transferLua     *redis.Script
		snapshotWorker  *SnapshotWorker
		hibernator      Hibernator
		logger          *zap.Logger
		config          StoreConfig
	}

	// SnapshotResult holds the events recorded after a snapshot
	SnapshotResult struct {
		AdditionalEvents []*Event
		NextSequence     int64
		ShouldSnapshot   bool
	}
)

const (
	RedisConnectTimeout = 5 * time.Second

	eventsSuffix      = ":events"
	snapshotValSuffix = ":snapshot:val"
	snapshotSeqSuffix = ":snapshot:seq"

	authOpMint    = "mint"
	authOpConsume = "consume"

	luaRejectUnauthorized = "unauthorized"
)

// NewStore opens a Store that publishes committed events to the Vault's hub
func (v *Vault) NewStore(cfg StoreConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(v.ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &Store{
		vault:           v,
		client:          client,
		prefix:          cfg.Prefix,
		producer:        v.hub.newProducer(),
		appendEventsLua: redis.NewScript(luaAppendEvents),
		putSnapshotLua:  redis.NewScript(luaPutSnapshot),
		getSnapshotLua:  redis.NewScript(luaGetSnapshot),
		getHibernateLua: redis.NewScript(luaGetHibernate),
		transferLua:     redis.NewScript(luaTransferAuthorization),
		hibernator:      cfg.Hibernator,
		logger:          v.logger.Named("store"),
		config:          cfg,
	}

	if v.config.EnableSnapshotWorker {
		s.snapshotWorker = NewSnapshotWorker(s, cfg, s.logger)
	}
	return s, nil
}

// Vault returns the Vault the Store was opened from
func (s *Store) Vault() *Vault {
	return s.vault
}

func (s *Store) Close() error {
	if s.snapshotWorker != nil {
		s.snapshotWorker.Stop()
	}
	if s.producer != nil {
		s.producer.Close()
	}
	return s.client.Close()
}

// AppendEvents commits events at the expected sequence together with their
// effects. A lost race returns *VersionConflictError, an authorization that
// is not bound to the account returns ErrUnauthorized
func (s *Store) AppendEvents(
	ctx context.Context, id AccountID, atSeq int64, evs []*Event, fx Effects,
) error {
	if len(evs) == 0 {
		return nil
	}

	authKey := s.authKey("")
	authOp := ""
	holder := ""
	switch {
	case fx.Mint != nil:
		authKey = s.authKey(fx.Mint.ID)
		authOp = authOpMint
		holder = string(fx.Mint.Holder)
	case fx.Consume != "":
		authKey = s.authKey(fx.Consume)
		authOp = authOpConsume
	}

	recipient := ""
	amount := int64(0)
	if fx.Payout != nil {
		recipient = string(fx.Payout.Recipient)
		amount = fx.Payout.Amount
	}

	share := ""
	if fx.Share {
		share = "1"
	}

	keys := []string{
		s.accountKey(id, eventsSuffix),
		s.feedKey(),
		s.payoutsKey(),
		authKey,
		s.accountsKey(),
		s.sharedKey(),
	}

	var feed, entries []any
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if ev.Type.Recorded() {
			feed = append(feed, string(data))
		}
		entries = append(entries, string(data))
	}

	args := []any{
		atSeq, string(id), authOp, holder, recipient,
		strconv.FormatInt(amount, 10), share, len(feed),
	}
	args = append(args, feed...)
	args = append(args, entries...)

	result, err := s.appendEventsLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return ErrUnexpectedLuaResult
	}

	switch res[0].(int64) {
	case 1:
		s.publish(evs)
		return nil
	case 0:
		var raw []any
		if len(res) > 2 {
			raw, _ = res[2].([]any)
		}
		return s.handleVersionConflict(raw, atSeq, res[1].(int64))
	default:
		if res[1] == luaRejectUnauthorized {
			return fmt.Errorf("%w: authorization not bound to account %s",
				ErrUnauthorized, id,
			)
		}
		return fmt.Errorf("append rejected: %v", res[1])
	}
}

func (s *Store) publish(evs []*Event) {
	if s.producer == nil {
		return
	}
	for _, ev := range evs {
		if s.vault.hub.hasSubscribers(ev) {
			s.producer.Send() <- ev
		}
	}
}

// GetEvents returns an account's events starting at the given sequence,
// falling back to the Hibernator once the hot log is gone
func (s *Store) GetEvents(
	ctx context.Context, id AccountID, fromSeq int64,
) ([]*Event, error) {
	eventsKey := s.accountKey(id, eventsSuffix)
	raw, err := s.client.LRange(ctx, eventsKey, fromSeq, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 || s.hibernator == nil {
		return s.unmarshalEvents(fromSeq, toAny(raw))
	}

	exists, err := s.client.Exists(ctx, eventsKey).Result()
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return []*Event{}, nil
	}
	return s.loadHibernatedEvents(ctx, id, fromSeq)
}

// GetSnapshot decodes the latest snapshot into target and returns the events
// recorded after it
func (s *Store) GetSnapshot(
	ctx context.Context, id AccountID, target any,
) (*SnapshotResult, error) {
	keys := []string{
		s.accountKey(id, snapshotValSuffix),
		s.accountKey(id, snapshotSeqSuffix),
		s.accountKey(id, eventsSuffix),
	}

	result, err := s.getSnapshotLua.Run(ctx, s.client, keys).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) < 3 {
		return nil, ErrUnexpectedLuaResult
	}

	snapData := res[0].(string)
	snapSeq := res[1].(int64)
	rawEvents, _ := res[2].([]any)

	if snapData == "" && len(rawEvents) == 0 && s.hibernator != nil {
		return s.loadHibernatedSnapshot(ctx, id, target)
	}

	if snapData != "" {
		if err := json.Unmarshal([]byte(snapData), target); err != nil {
			return nil, err
		}
	}

	events, err := s.unmarshalEvents(snapSeq, rawEvents)
	if err != nil {
		return nil, err
	}

	eventsSize := 0
	for _, ev := range rawEvents {
		eventsSize += len(ev.(string))
	}

	return &SnapshotResult{
		AdditionalEvents: events,
		NextSequence:     snapSeq,
		ShouldSnapshot:   eventsSize > len(snapData),
	}, nil
}

// PutSnapshot stores value as the account's snapshot at sequence, unless a
// newer snapshot is already stored
func (s *Store) PutSnapshot(
	ctx context.Context, id AccountID, value any, sequence int64,
) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = s.putSnapshotLua.Run(
		ctx, s.client,
		[]string{
			s.accountKey(id, snapshotValSuffix),
			s.accountKey(id, snapshotSeqSuffix),
		},
		string(data), sequence,
	).Result()
	return err
}

// ListAccounts returns the ID of every account ever created, sorted
func (s *Store) ListAccounts(ctx context.Context) ([]AccountID, error) {
	return s.members(ctx, s.accountsKey())
}

// SharedAccounts returns the IDs of published accounts, sorted
func (s *Store) SharedAccounts(ctx context.Context) ([]AccountID, error) {
	return s.members(ctx, s.sharedKey())
}

func (s *Store) members(ctx context.Context, key string) ([]AccountID, error) {
	raw, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]AccountID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, AccountID(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// GetAuthorization returns a live authorization
func (s *Store) GetAuthorization(
	ctx context.Context, id AuthorizationID,
) (*Authorization, error) {
	fields, err := s.client.HGetAll(ctx, s.authKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrAuthorizationNotFound
	}
	return &Authorization{
		ID:        id,
		AccountID: AccountID(fields["account"]),
		Holder:    Address(fields["holder"]),
	}, nil
}

// TransferAuthorization moves custody of a live authorization from one
// holder to another
func (s *Store) TransferAuthorization(
	ctx context.Context, id AuthorizationID, from, to Address,
) error {
	res, err := s.transferLua.Run(
		ctx, s.client, []string{s.authKey(id)}, string(from), string(to),
	).Int64()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrAuthorizationNotFound
	default:
		return fmt.Errorf("%w: %s does not hold authorization", ErrUnauthorized, from)
	}
}

// Payouts returns the total settled to the given party
func (s *Store) Payouts(ctx context.Context, to Address) (int64, error) {
	total, err := s.client.HGet(ctx, s.payoutsKey(), string(to)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return total, err
}

func (s *Store) handleVersionConflict(
	rawEvents []any, expectedSeq, actualSeq int64,
) error {
	newEvs, err := s.unmarshalEvents(expectedSeq, rawEvents)
	if err != nil {
		return err
	}

	return &VersionConflictError{
		ExpectedSequence: expectedSeq,
		ActualSequence:   actualSeq,
		NewEvents:        newEvs,
	}
}

func (s *Store) accountKey(id AccountID, suffix string) string {
	return fmt.Sprintf("%s:account:%s%s", s.prefix, id, suffix)
}

func (s *Store) authKey(id AuthorizationID) string {
	return fmt.Sprintf("%s:auth:%s", s.prefix, id)
}

func (s *Store) payoutsKey() string {
	return s.prefix + ":payouts"
}

func (s *Store) feedKey() string {
	return s.prefix + ":feed"
}

func (s *Store) accountsKey() string {
	return s.prefix + ":accounts"
}

func (s *Store) sharedKey() string {
	return s.prefix + ":shared"
}

func (s *Store) unmarshalEvents(startSeq int64, data []any) ([]*Event, error) {
	events := make([]*Event, 0, len(data))
	for i, item := range data {
		ev := &Event{}
		if err := json.Unmarshal([]byte(item.(string)), ev); err != nil {
			return nil, err
		}
		ev.Sequence = startSeq + int64(i)
		events = append(events, ev)
	}
	return events, nil
}

func toAny(strs []string) []any {
	res := make([]any, len(strs))
	for i, s := range strs {
		res[i] = s
	}
	return res
}
