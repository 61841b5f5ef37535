package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	escrow "github.com/logistic-platform/logistics-contract"
	"github.com/logistic-platform/logistics-contract/hibernate/postgres"
)

func TestConnectRequiresDSN(t *testing.T) {
	_, err := postgres.Connect(context.Background(), "")
	assert.ErrorContains(t, err, "empty connection string")
}

func TestHibernator(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	h, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	defer h.Close()

	id := escrow.AccountID(uuid.NewString())
	_, err = h.Get(ctx, id)
	assert.ErrorIs(t, err, escrow.ErrHibernateNotFound)

	rec := &escrow.HibernateRecord{
		Events: []json.RawMessage{
			json.RawMessage(`{"type":"escrow.created"}`),
			json.RawMessage(`{"type":"escrow.refunded"}`),
		},
	}
	require.NoError(t, h.Put(ctx, id, rec))
	require.NoError(t, h.Put(ctx, id, &escrow.HibernateRecord{}))

	got, err := h.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Events, 2)
	assert.Nil(t, got.Snapshot)
}
