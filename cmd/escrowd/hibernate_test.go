package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	escrow "github.com/logistic-platform/logistics-contract"
	"github.com/logistic-platform/logistics-contract/hibernate/boltdb"
)

type hibernateEnv struct {
	server *miniredis.Miniredis
	store  *escrow.Store
	svc    *escrow.Service
	worker *hibernation
}

func TestHibernationFollowsFeed(t *testing.T) {
	env := setupHibernateEnv(t)
	ctx := context.Background()

	released, auth := env.create(t)
	active, _ := env.create(t)

	_, err := env.svc.ReleasePayment(ctx, released.ID, auth)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, env.worker.Step(ctx))
	}

	assert.False(t, env.server.Exists(eventsKey(released.ID)))
	assert.True(t, env.server.Exists(eventsKey(active.ID)))

	acc, err := env.svc.Account(ctx, released.ID)
	require.NoError(t, err)
	assert.True(t, acc.IsReleased())
	assert.Equal(t, int64(0), acc.Balance)

	require.NoError(t, env.worker.Step(ctx))
}

func TestHibernationRedelivery(t *testing.T) {
	env := setupHibernateEnv(t)
	ctx := context.Background()

	acc, auth := env.create(t)
	_, err := env.svc.ReleasePayment(ctx, acc.ID, auth)
	require.NoError(t, err)

	rec := &escrow.Record{
		StreamID: "1-0",
		Event: &escrow.Event{
			Type:      escrow.EventReleased,
			AccountID: acc.ID,
		},
	}
	require.NoError(t, env.worker.handle(ctx, rec))
	assert.False(t, env.server.Exists(eventsKey(acc.ID)))
	assert.NoError(t, env.worker.handle(ctx, rec))
}

func TestHibernationSkipsActive(t *testing.T) {
	env := setupHibernateEnv(t)
	ctx := context.Background()

	acc, _ := env.create(t)
	rec := &escrow.Record{
		Event: &escrow.Event{Type: escrow.EventCreated, AccountID: acc.ID},
	}
	assert.NoError(t, env.worker.handle(ctx, rec))
	assert.True(t, env.server.Exists(eventsKey(acc.ID)))
}

func TestHibernationFailureIsReturned(t *testing.T) {
	boom := errors.New("cold storage down")
	h := &hibernation{
		target: hibernatorFunc(func(context.Context, escrow.AccountID) error {
			return boom
		}),
		logger: zaptest.NewLogger(t),
	}
	err := h.handle(context.Background(), &escrow.Record{
		Event: &escrow.Event{Type: escrow.EventRefunded, AccountID: "a"},
	})
	assert.ErrorIs(t, err, boom)
}

type hibernatorFunc func(context.Context, escrow.AccountID) error

func (f hibernatorFunc) Hibernate(ctx context.Context, id escrow.AccountID) error {
	return f(ctx, id)
}

func eventsKey(id escrow.AccountID) string {
	return "test:account:" + string(id) + ":events"
}

func setupHibernateEnv(t *testing.T) *hibernateEnv {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cold, err := boltdb.Open(filepath.Join(t.TempDir(), "cold.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cold.Close() })

	logger := zaptest.NewLogger(t)
	cfg := escrow.DefaultConfig()
	cfg.Logger = logger
	cfg.Store.Addr = server.Addr()
	cfg.Store.Prefix = "test"
	cfg.Store.Hibernator = cold

	v, err := escrow.NewVault(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	store, err := v.NewStore(cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := escrow.NewService(store)
	worker := newHibernation(store, svc, config{
		HibernateGroup: defaultHibernateGroup,
		Consumer:       "escrowd-test",
	}, logger)
	worker.timeout = 0

	return &hibernateEnv{
		server: server,
		store:  store,
		svc:    svc,
		worker: worker,
	}
}

func (e *hibernateEnv) create(
	t *testing.T,
) (*escrow.Account, *escrow.Authorization) {
	t.Helper()
	acc, auth, err := e.svc.CreateEscrow(context.Background(), "alice",
		escrow.CreateRequest{
			ReferenceID: "order-7",
			Payee:       "bob",
			Amount:      250,
			Deadline:    escrow.UnixMilli(0),
		},
	)
	require.NoError(t, err)
	return acc, auth
}
