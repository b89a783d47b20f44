// Package idempotency collapses duplicate deliveries into single effects:
// a unit of work identified by a key runs at most once.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one row in the idempotency_records table. At most one record
// exists per key; Processed implies the guarded effect durably occurred.
type Record struct {
	Key         string
	AggregateID *uuid.UUID
	Processed   bool
	ProcessedAt *time.Time
	Error       *string
	RetryCount  int
	CreatedAt   time.Time
}

// ErrNotFound signals a key with no record.
var ErrNotFound = errors.New("idempotency record not found")

// Store persists idempotency records. MarkProcessed must be an atomic upsert
// (unique constraint + conflict handling), never read-then-write: concurrent
// duplicate deliveries race, and exactly one caller may win.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// MarkProcessed records the key as processed. Returns false when the key
	// was already recorded by another caller.
	MarkProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) (bool, error)
	// RecordFailure notes a failed processing attempt against the key.
	RecordFailure(ctx context.Context, key string, message string) error
	// DeleteOlderThan purges records created before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Guard wraps a Store with the dedup policy used by consumers.
type Guard struct {
	store Store
	now   func() time.Time
}

// NewGuard constructs a Guard.
func NewGuard(store Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

// IsProcessed reports whether the key's effect already occurred.
func (g *Guard) IsProcessed(ctx context.Context, key string) (bool, error) {
	rec, err := g.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	return rec.Processed, nil
}

// MarkProcessed records the key. Returns false when another caller won.
func (g *Guard) MarkProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) (bool, error) {
	return g.store.MarkProcessed(ctx, key, aggregateID)
}

// GetStatus returns the record for a key, or nil when none exists.
func (g *Guard) GetStatus(ctx context.Context, key string) (*Record, error) {
	rec, err := g.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// RecordFailure notes a failed attempt so poisoned keys are visible.
func (g *Guard) RecordFailure(ctx context.Context, key string, message string) error {
	return g.store.RecordFailure(ctx, key, message)
}

// CleanupOldRecords purges records older than the retention window and
// returns the purged count. Safe because records are only consulted within
// the delivery-replay horizon, never for business queries.
func (g *Guard) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := g.now().UTC().AddDate(0, 0, -retentionDays)
	return g.store.DeleteOlderThan(ctx, cutoff)
}
