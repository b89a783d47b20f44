package events

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewEnvelope(t *testing.T) {
	reservationID := uuid.New()
	env, err := NewEnvelope(TypeReservationHeld, reservationID, ReservationHeld{
		ReservationID: reservationID,
		TrackingCode:  "TRK-001",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID == uuid.Nil {
		t.Fatal("expected a fresh event id")
	}
	if env.Type != TypeReservationHeld {
		t.Fatalf("unexpected type %q", env.Type)
	}
	if env.CorrelationID != reservationID {
		t.Fatalf("unexpected correlation id %s", env.CorrelationID)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("expected occurred-at to be set")
	}

	var decoded ReservationHeld
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.TrackingCode != "TRK-001" {
		t.Fatalf("unexpected tracking code %q", decoded.TrackingCode)
	}
}

func TestCorrelationID_ReservationHeld(t *testing.T) {
	reservationID := uuid.New()
	payload, _ := json.Marshal(ReservationHeld{ReservationID: reservationID})

	got, err := CorrelationID(TypeReservationHeld, payload)
	if err != nil {
		t.Fatalf("correlation id: %v", err)
	}
	if got != reservationID {
		t.Fatalf("expected %s, got %s", reservationID, got)
	}
}

func TestCorrelationID_BillCreatedUsesMetadata(t *testing.T) {
	reservationID := uuid.New()
	payload, _ := json.Marshal(BillCreated{
		BillID:     uuid.New(),
		BillNumber: "B-42",
		Metadata:   BillMetadata{ReferenceID: reservationID, ReferenceType: ReferenceTypeReservation},
	})

	got, err := CorrelationID(TypeBillCreated, payload)
	if err != nil {
		t.Fatalf("correlation id: %v", err)
	}
	if got != reservationID {
		t.Fatalf("expected %s, got %s", reservationID, got)
	}
}

func TestCorrelationID_PaymentForOtherReference(t *testing.T) {
	payload, _ := json.Marshal(PaymentCompleted{
		PaymentID:     uuid.New(),
		ReferenceID:   uuid.New(),
		ReferenceType: "Invoice",
	})

	got, err := CorrelationID(TypePaymentCompleted, payload)
	if err != nil {
		t.Fatalf("correlation id: %v", err)
	}
	if got != uuid.Nil {
		t.Fatalf("expected nil correlation for non-reservation payment, got %s", got)
	}
}

func TestCorrelationID_PaymentFailedForReservation(t *testing.T) {
	reservationID := uuid.New()
	payload, _ := json.Marshal(PaymentFailed{
		PaymentID:     uuid.New(),
		ReferenceID:   reservationID,
		ReferenceType: ReferenceTypeReservation,
		FailureReason: "insufficient funds",
	})

	got, err := CorrelationID(TypePaymentFailed, payload)
	if err != nil {
		t.Fatalf("correlation id: %v", err)
	}
	if got != reservationID {
		t.Fatalf("expected %s, got %s", reservationID, got)
	}
}

func TestCorrelationID_UnknownType(t *testing.T) {
	_, err := CorrelationID("SomethingElse", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected unknown event type error, got %v", err)
	}
}

func TestCorrelationID_MalformedPayload(t *testing.T) {
	if _, err := CorrelationID(TypeReservationHeld, []byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	reservationID := uuid.New()
	payload, _ := json.Marshal(ReservationHeld{ReservationID: reservationID})

	a := Envelope{ID: uuid.New(), Type: TypeReservationHeld, CorrelationID: reservationID, Payload: payload}
	b := Envelope{ID: uuid.New(), Type: TypeReservationHeld, CorrelationID: reservationID, Payload: payload}

	if IdempotencyKey(a) != IdempotencyKey(b) {
		t.Fatal("expected identical keys for identical type, correlation and payload")
	}
	if !strings.HasPrefix(IdempotencyKey(a), TypeReservationHeld+":") {
		t.Fatalf("unexpected key shape %q", IdempotencyKey(a))
	}
}

func TestIdempotencyKey_VariesByPayload(t *testing.T) {
	reservationID := uuid.New()
	p1, _ := json.Marshal(ReservationHeld{ReservationID: reservationID, TrackingCode: "A"})
	p2, _ := json.Marshal(ReservationHeld{ReservationID: reservationID, TrackingCode: "B"})

	a := Envelope{Type: TypeReservationHeld, CorrelationID: reservationID, Payload: p1}
	b := Envelope{Type: TypeReservationHeld, CorrelationID: reservationID, Payload: p2}

	if IdempotencyKey(a) == IdempotencyKey(b) {
		t.Fatal("expected different keys for different payloads")
	}
}
