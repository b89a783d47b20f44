package consume

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"caravel/internal/events"
	"caravel/internal/idempotency"
	"caravel/internal/saga"
	"caravel/internal/transport"

	"github.com/google/uuid"
)

func newTestProcessor(t *testing.T) (*Processor, *saga.MemoryStore) {
	t.Helper()
	store := saga.NewMemoryStore()
	engine := saga.NewEngine(store, func(string, ...any) {})
	guard := idempotency.NewGuard(store)
	return NewProcessor(engine, guard, func(string, ...any) {}), store
}

func heldInbound(t *testing.T, reservationID uuid.UUID) transport.Inbound {
	t.Helper()
	payload, err := json.Marshal(events.ReservationHeld{
		ReservationID:    reservationID,
		TrackingCode:     "TRK-1",
		TotalAmountRials: 900_000,
		Currency:         "IRR",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return transport.Inbound{ID: "1-0", Type: events.TypeReservationHeld, Payload: payload}
}

func TestProcess_AppliesEvent(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()
	reservationID := uuid.New()

	var outcomes []saga.Outcome
	p.OnOutcome = func(eventType string, outcome saga.Outcome) {
		outcomes = append(outcomes, outcome)
	}

	if err := p.Process(ctx, heldInbound(t, reservationID)); err != nil {
		t.Fatalf("process: %v", err)
	}

	inst, err := store.Load(ctx, reservationID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.State != saga.StateAwaitingBillCreation {
		t.Fatalf("unexpected state %s", inst.State)
	}
	if len(outcomes) != 1 || outcomes[0] != saga.OutcomeApplied {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
}

func TestProcess_DuplicateDeliveryShortCircuits(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()
	reservationID := uuid.New()
	msg := heldInbound(t, reservationID)

	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	var outcomes []saga.Outcome
	p.OnOutcome = func(eventType string, outcome saga.Outcome) {
		outcomes = append(outcomes, outcome)
	}
	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0] != saga.OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome, got %v", outcomes)
	}
	if msgs := store.Messages(); len(msgs) != 1 {
		t.Fatalf("duplicate delivery produced effects: %d", len(msgs))
	}
}

func TestProcess_AcksNonReservationPayment(t *testing.T) {
	p, store := newTestProcessor(t)
	payload, _ := json.Marshal(events.PaymentCompleted{
		PaymentID:     uuid.New(),
		ReferenceID:   uuid.New(),
		ReferenceType: "Invoice",
	})
	msg := transport.Inbound{ID: "1-0", Type: events.TypePaymentCompleted, Payload: payload}

	if err := p.Process(context.Background(), msg); err != nil {
		t.Fatalf("expected ack for foreign payment, got %v", err)
	}
	if msgs := store.Messages(); len(msgs) != 0 {
		t.Fatalf("foreign payment produced effects: %d", len(msgs))
	}
}

func TestProcess_RejectsMissingType(t *testing.T) {
	p, _ := newTestProcessor(t)
	msg := transport.Inbound{ID: "1-0", Payload: []byte(`{}`)}

	if err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestProcess_RejectsInvalidJSON(t *testing.T) {
	p, _ := newTestProcessor(t)
	msg := transport.Inbound{ID: "1-0", Type: events.TypeReservationHeld, Payload: []byte(`{broken`)}

	if err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestProcess_RejectsUnknownType(t *testing.T) {
	p, _ := newTestProcessor(t)
	msg := transport.Inbound{ID: "1-0", Type: "MysteryEvent", Payload: []byte(`{}`)}

	err := p.Process(context.Background(), msg)
	if !errors.Is(err, events.ErrUnknownEventType) {
		t.Fatalf("expected unknown event type error, got %v", err)
	}
}

type flakyEngine struct {
	real     Engine
	failures int
}

func (f *flakyEngine) Handle(ctx context.Context, env events.Envelope) (saga.Result, error) {
	if f.failures > 0 {
		f.failures--
		return saga.Result{}, errors.New("store unavailable")
	}
	return f.real.Handle(ctx, env)
}

func TestProcess_RedeliveryAfterEngineErrorStillApplies(t *testing.T) {
	store := saga.NewMemoryStore()
	engine := saga.NewEngine(store, func(string, ...any) {})
	guard := idempotency.NewGuard(store)
	p := NewProcessor(&flakyEngine{real: engine, failures: 1}, guard, func(string, ...any) {})
	ctx := context.Background()
	reservationID := uuid.New()
	msg := heldInbound(t, reservationID)

	if err := p.Process(ctx, msg); err == nil {
		t.Fatal("expected the first delivery to fail")
	}

	env := events.Envelope{Type: msg.Type, CorrelationID: reservationID, Payload: msg.Payload}
	key := events.IdempotencyKey(env)
	rec, err := guard.GetStatus(ctx, key)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec == nil || rec.Processed || rec.RetryCount != 1 {
		t.Fatalf("expected a failure marker, got %+v", rec)
	}

	// The failure marker must not suppress the redelivered transition.
	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	inst, err := store.Load(ctx, reservationID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.State != saga.StateAwaitingBillCreation {
		t.Fatalf("redelivery did not advance the saga: %s", inst.State)
	}
	if msgs := store.Messages(); len(msgs) != 1 {
		t.Fatalf("expected 1 effect, got %d", len(msgs))
	}
	rec, err = guard.GetStatus(ctx, key)
	if err != nil {
		t.Fatalf("get status after redelivery: %v", err)
	}
	if rec == nil || !rec.Processed {
		t.Fatalf("expected the key to be processed, got %+v", rec)
	}
}

type failingEngine struct{}

func (failingEngine) Handle(ctx context.Context, env events.Envelope) (saga.Result, error) {
	return saga.Result{}, errors.New("store unavailable")
}

func TestProcess_EngineErrorRecordsFailure(t *testing.T) {
	store := saga.NewMemoryStore()
	guard := idempotency.NewGuard(store)
	p := NewProcessor(failingEngine{}, guard, func(string, ...any) {})
	ctx := context.Background()
	reservationID := uuid.New()
	msg := heldInbound(t, reservationID)

	if err := p.Process(ctx, msg); err == nil {
		t.Fatal("expected engine error to propagate")
	}

	payload := msg.Payload
	env := events.Envelope{Type: msg.Type, CorrelationID: reservationID, Payload: payload}
	rec, err := guard.GetStatus(ctx, events.IdempotencyKey(env))
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec == nil || rec.RetryCount != 1 {
		t.Fatalf("expected a failure record, got %+v", rec)
	}
}
