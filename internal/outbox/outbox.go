// Package outbox implements the transactional outbox: outbound events are
// persisted alongside the state change that produced them and handed to the
// transport by a background dispatcher.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Message is one row in the outbox_messages table.
type Message struct {
	ID            uuid.UUID
	Type          string
	CorrelationID uuid.UUID
	Payload       []byte
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Store persists outbox messages. Rows are inserted by the saga store inside
// the transaction that produced them; only the dispatcher mutates status.
type Store interface {
	// Pending returns up to limit pending messages, oldest first.
	Pending(ctx context.Context, limit int) ([]Message, error)
	// MarkPublished flips a message to published and stamps it.
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordAttempt increments the attempt counter and returns the new count.
	RecordAttempt(ctx context.Context, id uuid.UUID) (int, error)
	// MarkFailed flips a message to failed after the dispatcher gives up.
	MarkFailed(ctx context.Context, id uuid.UUID) error
	// FailedByCorrelation returns failed messages for one correlation id.
	FailedByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]Message, error)
	// Requeue flips a failed message back to pending.
	Requeue(ctx context.Context, id uuid.UUID) error
	// PurgePublished deletes published rows older than the cutoff.
	PurgePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Publisher delivers a message to the transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
