// Package outboxdb persists outbox messages in Postgres. Rows are inserted
// by the saga store's transaction; this store serves the dispatcher and the
// retention job.
package outboxdb

import (
	"context"
	"database/sql"
	"time"

	"caravel/internal/outbox"

	"github.com/google/uuid"
)

// Store implements outbox.Store backed by Postgres.
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

// InitSchema creates the outbox_messages table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id UUID PRIMARY KEY,
			message_type TEXT NOT NULL,
			correlation_id UUID NOT NULL,
			payload BYTEA NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_created
			ON outbox_messages (status, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns up to limit pending messages, oldest first to bound
// staleness.
func (s *Store) Pending(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_type, correlation_id, payload, status, attempts, created_at, published_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		string(outbox.StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkPublished flips a message to published and stamps it.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET status = $2, published_at = $3
		WHERE id = $1`,
		id, string(outbox.StatusPublished), at,
	)
	return err
}

// RecordAttempt increments the attempt counter and returns the new count.
func (s *Store) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE outbox_messages SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts`,
		id,
	).Scan(&attempts)
	return attempts, err
}

// MarkFailed flips a message to failed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET status = $2
		WHERE id = $1`,
		id, string(outbox.StatusFailed),
	)
	return err
}

// FailedByCorrelation returns failed messages for one correlation id.
func (s *Store) FailedByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_type, correlation_id, payload, status, attempts, created_at, published_at
		FROM outbox_messages
		WHERE status = $1 AND correlation_id = $2
		ORDER BY created_at ASC`,
		string(outbox.StatusFailed), correlationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Requeue flips a failed message back to pending with a fresh attempt budget.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET status = $2, attempts = 0
		WHERE id = $1 AND status = $3`,
		id, string(outbox.StatusPending), string(outbox.StatusFailed),
	)
	return err
}

// PurgePublished deletes published rows older than the cutoff and returns
// the purged count.
func (s *Store) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_messages
		WHERE status = $1 AND published_at < $2`,
		string(outbox.StatusPublished), olderThan,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]outbox.Message, error) {
	var msgs []outbox.Message
	for rows.Next() {
		var msg outbox.Message
		var status string
		var publishedAt sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.Type, &msg.CorrelationID, &msg.Payload, &status, &msg.Attempts, &msg.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		msg.Status = outbox.Status(status)
		if publishedAt.Valid {
			msg.PublishedAt = &publishedAt.Time
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
