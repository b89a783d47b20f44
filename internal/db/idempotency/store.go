// Package idempotencydb persists idempotency records in Postgres. The unique
// constraint on idempotency_key plus ON CONFLICT handling makes check and
// mark one atomic operation under concurrent duplicate deliveries.
package idempotencydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"caravel/internal/idempotency"

	"github.com/google/uuid"
)

// Store implements idempotency.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency_records table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			idempotency_key TEXT PRIMARY KEY,
			aggregate_id UUID,
			is_processed BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at TIMESTAMPTZ,
			error TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Get reads one record by key.
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, aggregate_id, is_processed, processed_at, error, retry_count, created_at
		FROM idempotency_records
		WHERE idempotency_key = $1`,
		key,
	)

	var rec idempotency.Record
	var aggregateID uuid.NullUUID
	var processedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&rec.Key, &aggregateID, &rec.Processed, &processedAt, &errMsg, &rec.RetryCount, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if aggregateID.Valid {
		rec.AggregateID = &aggregateID.UUID
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	return &rec, nil
}

// MarkProcessed records the key as processed with a conditional insert.
// Zero rows affected means another caller already processed it. A failure
// marker left by RecordFailure does not count as processed and is upgraded
// in place.
func (s *Store) MarkProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) (bool, error) {
	var agg uuid.NullUUID
	if aggregateID != nil {
		agg = uuid.NullUUID{UUID: *aggregateID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, aggregate_id, is_processed, processed_at, created_at)
		VALUES ($1, $2, TRUE, $3, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET is_processed = TRUE,
			    processed_at = EXCLUDED.processed_at,
			    aggregate_id = EXCLUDED.aggregate_id
			WHERE idempotency_records.is_processed = FALSE`,
		key, agg, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordFailure upserts a failure note and bumps the retry counter.
func (s *Store) RecordFailure(ctx context.Context, key string, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, error, retry_count, created_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET error = EXCLUDED.error,
			    retry_count = idempotency_records.retry_count + 1`,
		key, message, time.Now().UTC(),
	)
	return err
}

// DeleteOlderThan purges records created before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
