// Package boltdb keeps hibernated escrow accounts in a local bbolt file
package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	escrow "github.com/logistic-platform/logistics-contract"
)

// Hibernator is a bbolt-backed escrow.Hibernator
type Hibernator struct {
	db *bbolt.DB
}

const accountBucket = "accounts"

var _ escrow.Hibernator = (*Hibernator)(nil)

// Open opens or creates the bbolt file at path
func Open(path string) (*Hibernator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("hibernate path is required")
	}

	db, err := bbolt.Open(
		filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second},
	)
	if err != nil {
		return nil, fmt.Errorf("open hibernate db: %w", err)
	}

	h := &Hibernator{db: db}
	if err := h.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *Hibernator) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// Get returns the hibernated record for id, or escrow.ErrHibernateNotFound
func (h *Hibernator) Get(
	ctx context.Context, id escrow.AccountID,
) (*escrow.HibernateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec escrow.HibernateRecord
	err := h.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(accountBucket)).Get([]byte(id))
		if payload == nil {
			return escrow.ErrHibernateNotFound
		}
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal hibernate record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores the record for id. An existing record is left untouched since
// settled accounts never change
func (h *Hibernator) Put(
	ctx context.Context, id escrow.AccountID, rec *escrow.HibernateRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("account id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal hibernate record: %w", err)
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(accountBucket))
		if bucket.Get([]byte(id)) != nil {
			return nil
		}
		return bucket.Put([]byte(id), payload)
	})
}

func (h *Hibernator) ensureBuckets() error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(accountBucket))
		if err != nil {
			return fmt.Errorf("create accounts bucket: %w", err)
		}
		return nil
	})
}
