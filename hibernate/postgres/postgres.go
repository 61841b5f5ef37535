// Package postgres keeps hibernated escrow accounts in a PostgreSQL table,
// one JSONB row per account
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	escrow "github.com/logistic-platform/logistics-contract"
)

// Hibernator is a pgxpool-backed escrow.Hibernator
type Hibernator struct {
	pool *pgxpool.Pool
}

const schema = `
	CREATE TABLE IF NOT EXISTS escrow_hibernated (
		account_id TEXT PRIMARY KEY,
		record JSONB NOT NULL,
		hibernated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

var _ escrow.Hibernator = (*Hibernator)(nil)

// Connect opens a pool against connString and makes sure the table exists
func Connect(ctx context.Context, connString string) (*Hibernator, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect pool: %w", err)
	}

	h := New(pool)
	if err := h.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return h, nil
}

// New wraps an existing pool. Call Migrate before first use
func New(pool *pgxpool.Pool) *Hibernator {
	return &Hibernator{pool: pool}
}

// Migrate creates the hibernation table if it is missing
func (h *Hibernator) Migrate(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (h *Hibernator) Close() {
	h.pool.Close()
}

// Get returns the hibernated record for id, or escrow.ErrHibernateNotFound
func (h *Hibernator) Get(
	ctx context.Context, id escrow.AccountID,
) (*escrow.HibernateRecord, error) {
	const query = `
		SELECT record
		FROM escrow_hibernated
		WHERE account_id = $1
	`

	var payload []byte
	err := h.pool.QueryRow(ctx, query, string(id)).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, escrow.ErrHibernateNotFound
		}
		return nil, fmt.Errorf("postgres: query record: %w", err)
	}

	var rec escrow.HibernateRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal record: %w", err)
	}
	return &rec, nil
}

// Put stores the record for id. A record that already exists is kept
func (h *Hibernator) Put(
	ctx context.Context, id escrow.AccountID, rec *escrow.HibernateRecord,
) error {
	const query = `
		INSERT INTO escrow_hibernated (account_id, record)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal record: %w", err)
	}
	if _, err := h.pool.Exec(ctx, query, string(id), payload); err != nil {
		return fmt.Errorf("postgres: insert record: %w", err)
	}
	return nil
}
