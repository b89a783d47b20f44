// Package saga drives the reservation payment saga: a persisted state
// machine that correlates integration events to one logical transaction and
// advances it under optimistic concurrency.
package saga

import (
	"context"
	"errors"
	"time"

	"caravel/internal/outbox"

	"github.com/google/uuid"
)

// State is a node in the saga transition graph.
type State string

const (
	StateInitial              State = "initial"
	StateAwaitingBillCreation State = "awaiting_bill_creation"
	StateAwaitingPayment      State = "awaiting_payment"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// Terminal reports whether the state has no outgoing edges.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Instance is one saga row, keyed by correlation id. Business fields are a
// denormalized snapshot so outbound events can be emitted without querying
// other contexts.
type Instance struct {
	CorrelationID uuid.UUID
	State         State
	Version       int64

	ReservationID    uuid.UUID
	TrackingCode     string
	TourID           uuid.UUID
	TourTitle        string
	ExternalUserID   string
	UserFullName     string
	TotalAmountRials int64
	Currency         string

	BillID     uuid.UUID
	BillNumber string

	PaymentID            uuid.UUID
	GatewayTransactionID string
	GatewayReference     string
	FailureReason        string
	ErrorCode            string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound signals a missing saga instance.
var ErrNotFound = errors.New("saga instance not found")

// ErrVersionConflict signals that another delivery advanced the instance
// first; the caller re-reads and re-evaluates.
var ErrVersionConflict = errors.New("saga version conflict")

// ErrTooManyConflicts signals the engine gave up re-evaluating after
// repeated version conflicts; the transport redelivers.
var ErrTooManyConflicts = errors.New("too many version conflicts")

// Store persists saga instances together with their transactional effects.
// Both write methods must atomically persist the instance, insert the
// outbound messages, and record the idempotency key in one local transaction.
// They return false without error when the idempotency key was already
// recorded (the whole transaction rolls back: duplicate delivery).
type Store interface {
	Load(ctx context.Context, correlationID uuid.UUID) (*Instance, error)
	// CreateWithEffects inserts a new instance. A correlation id collision
	// surfaces as ErrVersionConflict so the engine re-reads.
	CreateWithEffects(ctx context.Context, inst *Instance, msgs []outbox.Message, idempotencyKey string) (bool, error)
	// SaveWithVersionCheck persists a transition guarded by
	// WHERE version = expectedVersion; a lost race surfaces as
	// ErrVersionConflict.
	SaveWithVersionCheck(ctx context.Context, inst *Instance, expectedVersion int64, msgs []outbox.Message, idempotencyKey string) (bool, error)
	// StuckBefore lists non-terminal instances not updated since the cutoff.
	StuckBefore(ctx context.Context, cutoff time.Time, limit int) ([]Instance, error)
}

// Outcome classifies the result of handling one event.
type Outcome string

const (
	// OutcomeApplied means a transition was committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDropped means no edge matched the current state (redundant
	// redelivery or guard mismatch). Not an error.
	OutcomeDropped Outcome = "dropped"
	// OutcomeDuplicate means the idempotency key was already recorded.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result reports what handling an event did.
type Result struct {
	Outcome  Outcome
	State    State
	Messages []outbox.Message
}
