// Package sagadb persists saga instances in Postgres. State writes, outbox
// inserts and idempotency records share one transaction, so an instance
// never advances without its outbound events and dedup mark.
package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caravel/internal/outbox"
	"caravel/internal/saga"

	"github.com/google/uuid"
)

// Store implements saga.Store backed by Postgres.
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

// InitSchema creates the saga_instances table if it does not exist.
// The outbox and idempotency tables are owned by their own stores.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_instances (
			correlation_id UUID PRIMARY KEY,
			state TEXT NOT NULL,
			version BIGINT NOT NULL,
			reservation_id UUID NOT NULL,
			tracking_code TEXT NOT NULL DEFAULT '',
			tour_id UUID NOT NULL,
			tour_title TEXT NOT NULL DEFAULT '',
			external_user_id TEXT NOT NULL DEFAULT '',
			user_full_name TEXT NOT NULL DEFAULT '',
			total_amount_rials BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			bill_id UUID NOT NULL,
			bill_number TEXT NOT NULL DEFAULT '',
			payment_id UUID NOT NULL,
			gateway_transaction_id TEXT NOT NULL DEFAULT '',
			gateway_reference TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

const instanceColumns = `correlation_id, state, version, reservation_id, tracking_code,
		tour_id, tour_title, external_user_id, user_full_name, total_amount_rials,
		currency, bill_id, bill_number, payment_id, gateway_transaction_id,
		gateway_reference, failure_reason, error_code, created_at, updated_at`

// Load reads one instance by correlation id.
func (s *Store) Load(ctx context.Context, correlationID uuid.UUID) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE correlation_id = $1`,
		correlationID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// CreateWithEffects inserts a new instance, its outbound messages and the
// idempotency record in one transaction.
func (s *Store) CreateWithEffects(ctx context.Context, inst *saga.Instance, msgs []outbox.Message, idempotencyKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO saga_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (correlation_id) DO NOTHING`,
		instanceArgs(inst)...,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Another delivery created the instance first.
		return false, saga.ErrVersionConflict
	}

	return s.finishEffects(ctx, tx, inst, msgs, idempotencyKey)
}

// SaveWithVersionCheck persists a transition guarded by the version token.
func (s *Store) SaveWithVersionCheck(ctx context.Context, inst *saga.Instance, expectedVersion int64, msgs []outbox.Message, idempotencyKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE saga_instances SET
			state = $2, version = $3, bill_id = $4, bill_number = $5,
			payment_id = $6, gateway_transaction_id = $7, gateway_reference = $8,
			failure_reason = $9, error_code = $10, updated_at = $11
		WHERE correlation_id = $1 AND version = $12`,
		inst.CorrelationID, string(inst.State), inst.Version, inst.BillID, inst.BillNumber,
		inst.PaymentID, inst.GatewayTransactionID, inst.GatewayReference,
		inst.FailureReason, inst.ErrorCode, inst.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, saga.ErrVersionConflict
	}

	return s.finishEffects(ctx, tx, inst, msgs, idempotencyKey)
}

// finishEffects inserts the outbound messages and the idempotency record,
// then commits. A conflicting key that is already processed rolls everything
// back: the caller's effect already happened. A conflicting failure marker
// (left by RecordFailure on an earlier errored delivery) is upgraded in
// place so redelivery can still commit the transition.
func (s *Store) finishEffects(ctx context.Context, tx *sql.Tx, inst *saga.Instance, msgs []outbox.Message, idempotencyKey string) (bool, error) {
	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (id, message_type, correlation_id, payload, status, attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, msg.Type, msg.CorrelationID, msg.Payload, string(msg.Status), msg.Attempts, msg.CreatedAt,
		); err != nil {
			return false, fmt.Errorf("enqueue outbox %s: %w", msg.Type, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, aggregate_id, is_processed, processed_at, created_at)
		VALUES ($1, $2, TRUE, $3, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET is_processed = TRUE,
			    processed_at = EXCLUDED.processed_at,
			    aggregate_id = EXCLUDED.aggregate_id
			WHERE idempotency_records.is_processed = FALSE`,
		idempotencyKey, inst.CorrelationID, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// StuckBefore lists non-terminal instances not updated since the cutoff.
func (s *Store) StuckBefore(ctx context.Context, cutoff time.Time, limit int) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE state NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`,
		string(saga.StateCompleted), string(saga.StateFailed), cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, *inst)
	}
	return stuck, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*saga.Instance, error) {
	var inst saga.Instance
	var state string
	err := row.Scan(
		&inst.CorrelationID, &state, &inst.Version, &inst.ReservationID, &inst.TrackingCode,
		&inst.TourID, &inst.TourTitle, &inst.ExternalUserID, &inst.UserFullName, &inst.TotalAmountRials,
		&inst.Currency, &inst.BillID, &inst.BillNumber, &inst.PaymentID, &inst.GatewayTransactionID,
		&inst.GatewayReference, &inst.FailureReason, &inst.ErrorCode, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.State = saga.State(state)
	return &inst, nil
}

func instanceArgs(inst *saga.Instance) []any {
	return []any{
		inst.CorrelationID, string(inst.State), inst.Version, inst.ReservationID, inst.TrackingCode,
		inst.TourID, inst.TourTitle, inst.ExternalUserID, inst.UserFullName, inst.TotalAmountRials,
		inst.Currency, inst.BillID, inst.BillNumber, inst.PaymentID, inst.GatewayTransactionID,
		inst.GatewayReference, inst.FailureReason, inst.ErrorCode, inst.CreatedAt, inst.UpdatedAt,
	}
}
