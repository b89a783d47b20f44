package saga

import (
	"context"
	"encoding/json"
	"testing"

	"caravel/internal/events"

	"github.com/google/uuid"
)

func TestTransitions_CreateBillEffectContent(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store, func(string, ...any) {})
	reservationID := uuid.New()

	res, err := engine.Handle(context.Background(), heldEnvelope(t, reservationID))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var cmd events.CreateBill
	if err := json.Unmarshal(res.Messages[0].Payload, &cmd); err != nil {
		t.Fatalf("decode CreateBill: %v", err)
	}
	if cmd.ReferenceID != reservationID || cmd.ReferenceType != events.ReferenceTypeReservation {
		t.Fatalf("unexpected reference %+v", cmd)
	}
	if cmd.Metadata.ReferenceID != reservationID || cmd.Metadata.ReferenceType != events.ReferenceTypeReservation {
		t.Fatalf("unexpected metadata %+v", cmd.Metadata)
	}
	if cmd.AmountRials != 1_500_000 || cmd.Currency != "IRR" {
		t.Fatalf("amount not carried: %+v", cmd)
	}
	if cmd.BillTitle != "Tour reservation TRK-7" {
		t.Fatalf("unexpected bill title %q", cmd.BillTitle)
	}
	if res.Messages[0].CorrelationID != reservationID {
		t.Fatalf("effect correlation id mismatch: %s", res.Messages[0].CorrelationID)
	}
}

func TestTransitions_ReadyToCompleteCarriesBill(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store, func(string, ...any) {})
	ctx := context.Background()
	reservationID := uuid.New()
	billID := uuid.New()

	if _, err := engine.Handle(ctx, heldEnvelope(t, reservationID)); err != nil {
		t.Fatalf("handle held: %v", err)
	}
	res, err := engine.Handle(ctx, billCreatedEnvelope(t, reservationID, billID))
	if err != nil {
		t.Fatalf("handle bill created: %v", err)
	}

	var ev events.ReservationReadyToComplete
	if err := json.Unmarshal(res.Messages[0].Payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ReservationID != reservationID || ev.BillID != billID || ev.BillNumber != "B-1001" {
		t.Fatalf("bill not carried: %+v", ev)
	}
	if ev.EventID == uuid.Nil || ev.OccurredOn.IsZero() || ev.EventVersion != 1 {
		t.Fatalf("event metadata not set: %+v", ev)
	}
}

func TestPaymentGuard(t *testing.T) {
	reservationID := uuid.New()
	inst := &Instance{CorrelationID: reservationID}

	cases := []struct {
		name    string
		payload events.PaymentCompleted
		want    bool
	}{
		{
			name:    "matching reservation",
			payload: events.PaymentCompleted{ReferenceID: reservationID, ReferenceType: events.ReferenceTypeReservation},
			want:    true,
		},
		{
			name:    "other reservation",
			payload: events.PaymentCompleted{ReferenceID: uuid.New(), ReferenceType: events.ReferenceTypeReservation},
			want:    false,
		},
		{
			name:    "other reference type",
			payload: events.PaymentCompleted{ReferenceID: reservationID, ReferenceType: "Invoice"},
			want:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, _ := json.Marshal(tc.payload)
			env := events.Envelope{Type: events.TypePaymentCompleted, CorrelationID: reservationID, Payload: data}
			got, err := paymentGuard(inst, env)
			if err != nil {
				t.Fatalf("guard: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPaymentGuard_DecodeError(t *testing.T) {
	env := events.Envelope{Type: events.TypePaymentCompleted, Payload: []byte(`{`)}
	if _, err := paymentGuard(&Instance{}, env); err == nil {
		t.Fatal("expected decode error")
	}
}
