// Package events defines the integration events exchanged between the
// reservation, billing and payment contexts, and the envelope that carries
// them over the transport.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type names as they appear on the wire.
const (
	TypeReservationHeld             = "ReservationHeld"
	TypeCreateBill                  = "CreateBill"
	TypeBillCreated                 = "BillCreated"
	TypeReservationReadyToComplete  = "ReservationReadyToComplete"
	TypePaymentCompleted            = "PaymentCompleted"
	TypePaymentFailed               = "PaymentFailed"
	TypeReservationPaymentCompleted = "ReservationPaymentCompleted"
	TypeReservationPaymentFailed    = "ReservationPaymentFailed"
)

// ReferenceTypeReservation marks a bill or payment as belonging to a reservation.
const ReferenceTypeReservation = "Reservation"

// ErrUnknownEventType signals an event type with no correlation rule.
var ErrUnknownEventType = errors.New("unknown event type")

// Envelope wraps a serialized event with the metadata needed for routing,
// correlation and deduplication.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// ReservationHeld starts a saga. CorrelationID == ReservationID.
type ReservationHeld struct {
	ReservationID    uuid.UUID `json:"reservation_id"`
	TrackingCode     string    `json:"tracking_code"`
	TourID           uuid.UUID `json:"tour_id"`
	TourTitle        string    `json:"tour_title"`
	ExternalUserID   string    `json:"external_user_id"`
	UserFullName     string    `json:"user_full_name"`
	TotalAmountRials int64     `json:"total_amount_rials"`
	Currency         string    `json:"currency"`
}

// BillMetadata ties a bill back to the entity it was created for.
type BillMetadata struct {
	ReferenceID   uuid.UUID `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
}

// CreateBill asks the billing context to issue a bill.
type CreateBill struct {
	ReferenceID    uuid.UUID    `json:"reference_id"`
	ReferenceType  string       `json:"reference_type"`
	ExternalUserID string       `json:"external_user_id"`
	UserFullName   string       `json:"user_full_name"`
	AmountRials    int64        `json:"amount_rials"`
	Currency       string       `json:"currency"`
	BillTitle      string       `json:"bill_title"`
	Description    string       `json:"description"`
	Metadata       BillMetadata `json:"metadata"`
}

// BillCreated reports that the billing context issued a bill.
type BillCreated struct {
	BillID     uuid.UUID    `json:"bill_id"`
	BillNumber string       `json:"bill_number"`
	Metadata   BillMetadata `json:"metadata"`
}

// ReservationReadyToComplete tells the reservation context the bill exists.
type ReservationReadyToComplete struct {
	ReservationID    uuid.UUID `json:"reservation_id"`
	BillID           uuid.UUID `json:"bill_id"`
	BillNumber       string    `json:"bill_number"`
	TotalAmountRials int64     `json:"total_amount_rials"`
	Currency         string    `json:"currency"`
	ExternalUserID   string    `json:"external_user_id"`
	UserFullName     string    `json:"user_full_name"`
	EventID          uuid.UUID `json:"event_id"`
	OccurredOn       time.Time `json:"occurred_on"`
	EventVersion     int       `json:"event_version"`
}

// PaymentCompleted reports a successful payment against a reference.
type PaymentCompleted struct {
	PaymentID            uuid.UUID `json:"payment_id"`
	ReferenceID          uuid.UUID `json:"reference_id"`
	ReferenceType        string    `json:"reference_type"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	GatewayReference     string    `json:"gateway_reference"`
}

// PaymentFailed reports a failed payment against a reference.
type PaymentFailed struct {
	PaymentID            uuid.UUID `json:"payment_id"`
	ReferenceID          uuid.UUID `json:"reference_id"`
	ReferenceType        string    `json:"reference_type"`
	FailureReason        string    `json:"failure_reason"`
	ErrorCode            string    `json:"error_code"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
}

// ReservationPaymentCompleted is the terminal success notification.
type ReservationPaymentCompleted struct {
	ReservationID        uuid.UUID `json:"reservation_id"`
	PaymentID            uuid.UUID `json:"payment_id"`
	BillID               uuid.UUID `json:"bill_id"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	GatewayReference     string    `json:"gateway_reference"`
	TotalAmountRials     int64     `json:"total_amount_rials"`
	Currency             string    `json:"currency"`
	EventID              uuid.UUID `json:"event_id"`
	OccurredOn           time.Time `json:"occurred_on"`
}

// ReservationPaymentFailed is the terminal failure notification.
type ReservationPaymentFailed struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	PaymentID     uuid.UUID `json:"payment_id"`
	BillID        uuid.UUID `json:"bill_id"`
	FailureReason string    `json:"failure_reason"`
	ErrorCode     string    `json:"error_code"`
	EventID       uuid.UUID `json:"event_id"`
	OccurredOn    time.Time `json:"occurred_on"`
}

// NewEnvelope serializes the payload and wraps it with a fresh event id.
func NewEnvelope(eventType string, correlationID uuid.UUID, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return Envelope{
		ID:            uuid.New(),
		Type:          eventType,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       data,
	}, nil
}

// CorrelationID derives the saga correlation id from a raw inbound payload.
// Payment events correlate only when they reference a reservation.
func CorrelationID(eventType string, payload []byte) (uuid.UUID, error) {
	switch eventType {
	case TypeReservationHeld:
		var ev ReservationHeld
		if err := json.Unmarshal(payload, &ev); err != nil {
			return uuid.Nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return ev.ReservationID, nil
	case TypeBillCreated:
		var ev BillCreated
		if err := json.Unmarshal(payload, &ev); err != nil {
			return uuid.Nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return ev.Metadata.ReferenceID, nil
	case TypePaymentCompleted:
		var ev PaymentCompleted
		if err := json.Unmarshal(payload, &ev); err != nil {
			return uuid.Nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		if ev.ReferenceType != ReferenceTypeReservation {
			return uuid.Nil, nil
		}
		return ev.ReferenceID, nil
	case TypePaymentFailed:
		var ev PaymentFailed
		if err := json.Unmarshal(payload, &ev); err != nil {
			return uuid.Nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		if ev.ReferenceType != ReferenceTypeReservation {
			return uuid.Nil, nil
		}
		return ev.ReferenceID, nil
	default:
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// IdempotencyKey derives a deterministic key from the envelope so redelivery
// of the same logical message is detectable without external coordination.
func IdempotencyKey(env Envelope) string {
	sum := sha256.Sum256(env.Payload)
	return fmt.Sprintf("%s:%s:%s", env.Type, env.CorrelationID, hex.EncodeToString(sum[:8]))
}
