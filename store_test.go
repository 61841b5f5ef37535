package escrow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	escrow "github.com/logistic-platform/logistics-contract"
)

func TestVersionConflictError(t *testing.T) {
	err := &escrow.VersionConflictError{
		ExpectedSequence: 0,
		ActualSequence:   5,
		NewEvents:        []*escrow.Event{{}, {}},
	}

	assert.Contains(t, err.Error(), "version conflict")
	assert.Contains(t, err.Error(), "expected sequence 0")
	assert.Contains(t, err.Error(), "but at 5")
}

func TestAppendEvents(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	id := escrow.AccountID("acct-1")

	created := createdEvent(t, id, 250)
	auth := &escrow.Authorization{ID: "auth-1", AccountID: id, Holder: payer}
	err := env.store.AppendEvents(ctx, id, 0, []*escrow.Event{created},
		escrow.Effects{Mint: auth},
	)
	require.NoError(t, err)

	evs, err := env.store.GetEvents(ctx, id, 0)
	assert.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, escrow.EventCreated, evs[0].Type)
	assert.Equal(t, int64(0), evs[0].Sequence)

	data, err := escrow.Decode[escrow.Created](evs[0])
	assert.NoError(t, err)
	assert.Equal(t, int64(250), data.Amount)

	stored, err := env.store.GetAuthorization(ctx, "auth-1")
	assert.NoError(t, err)
	assert.Equal(t, auth, stored)

	ids, err := env.store.ListAccounts(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []escrow.AccountID{id}, ids)

	assert.NoError(t, env.store.AppendEvents(ctx, id, 1, nil, escrow.Effects{}))
}

func TestAppendConflict(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	id := escrow.AccountID("acct-1")

	ev := createdEvent(t, id, 10)
	err := env.store.AppendEvents(ctx, id, 0, []*escrow.Event{ev},
		escrow.Effects{},
	)
	require.NoError(t, err)

	err = env.store.AppendEvents(ctx, id, 0, []*escrow.Event{ev},
		escrow.Effects{Payout: &escrow.Payout{Recipient: payee, Amount: 10}},
	)
	var conflict *escrow.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(0), conflict.ExpectedSequence)
	assert.Equal(t, int64(1), conflict.ActualSequence)
	require.Len(t, conflict.NewEvents, 1)
	assert.Equal(t, escrow.EventCreated, conflict.NewEvents[0].Type)

	err = env.store.AppendEvents(ctx, id, 3, []*escrow.Event{ev},
		escrow.Effects{},
	)
	require.True(t, errors.As(err, &conflict))
	assert.Empty(t, conflict.NewEvents)

	total, err := env.store.Payouts(ctx, payee)
	assert.NoError(t, err)
	assert.Zero(t, total)
}

func TestAppendRejectsUnboundAuthorization(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	acc, auth := env.create(t, 100)
	settle := &escrow.Event{
		Timestamp: epoch,
		Type:      escrow.EventReleased,
		AccountID: acc.ID,
		Data:      json.RawMessage(`{}`),
	}

	err := env.store.AppendEvents(ctx, acc.ID, 1, []*escrow.Event{settle},
		escrow.Effects{
			Consume: "someone-elses",
			Payout:  &escrow.Payout{Recipient: payee, Amount: 100},
		},
	)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	evs, err := env.store.GetEvents(ctx, acc.ID, 0)
	assert.NoError(t, err)
	assert.Len(t, evs, 1)

	total, err := env.store.Payouts(ctx, payee)
	assert.NoError(t, err)
	assert.Zero(t, total)

	recs, err := env.store.ReadFeed(ctx, "", 10)
	assert.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = env.store.GetAuthorization(ctx, auth.ID)
	assert.NoError(t, err)
}

func TestGetEventsFromSequence(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	acc, _ := env.create(t, 100)
	_, err := env.svc.PublishAccount(ctx, acc.ID, payer)
	require.NoError(t, err)

	evs, err := env.store.GetEvents(ctx, acc.ID, 1)
	assert.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, escrow.EventPublished, evs[0].Type)
	assert.Equal(t, int64(1), evs[0].Sequence)

	evs, err = env.store.GetEvents(ctx, acc.ID, 5)
	assert.NoError(t, err)
	assert.Empty(t, evs)
}

func TestStoreKeys(t *testing.T) {
	env := setupTestEnv(t)
	acc, auth := env.create(t, 100)

	assert.True(t, env.server.Exists("test:account:"+string(acc.ID)+":events"))
	assert.True(t, env.server.Exists("test:auth:"+string(auth.ID)))
	assert.True(t, env.server.Exists("test:feed"))
	assert.True(t, env.server.Exists("test:accounts"))
	assert.False(t, env.server.Exists("test:shared"))
	assert.Equal(t,
		string(payer), env.server.HGet("test:auth:"+string(auth.ID), "holder"),
	)
}

func TestPayoutsUnknownParty(t *testing.T) {
	env := setupTestEnv(t)
	total, err := env.store.Payouts(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.Zero(t, total)
}

func TestAuthorizationMissing(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.store.GetAuthorization(ctx, "missing")
	assert.ErrorIs(t, err, escrow.ErrAuthorizationNotFound)

	err = env.store.TransferAuthorization(ctx, "missing", payer, payee)
	assert.ErrorIs(t, err, escrow.ErrAuthorizationNotFound)
}

func createdEvent(
	t *testing.T, id escrow.AccountID, amount int64,
) *escrow.Event {
	t.Helper()
	data, err := json.Marshal(escrow.Created{
		ID:          id,
		ReferenceID: "ref",
		Amount:      amount,
		Payer:       payer,
		Payee:       payee,
		Deadline:    escrow.AsUnixMilli(epoch.Add(time.Hour)),
		CreatedAt:   escrow.AsUnixMilli(epoch),
	})
	require.NoError(t, err)
	return &escrow.Event{
		Timestamp: epoch,
		Type:      escrow.EventCreated,
		AccountID: id,
		Data:      data,
	}
}
