package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"caravel/internal/events"
	"caravel/internal/outbox"

	"github.com/google/uuid"
)

// Edge is one entry in the transition table. Guard and Apply receive the
// instance as it is before the transition (nil for the creation edge).
type Edge struct {
	From      State
	EventType string
	Next      State
	// Guard decides whether the event correlates with this instance.
	// A false return drops the event without error.
	Guard func(inst *Instance, env events.Envelope) (bool, error)
	// Apply snapshots business fields from the event onto the instance.
	Apply func(inst *Instance, env events.Envelope) error
	// Effects builds the outbound messages enqueued with the transition.
	Effects func(inst *Instance, env events.Envelope) ([]outbox.Message, error)
}

// Transitions is the saga graph: reservation held, bill created, then
// payment completed or failed. Events matching no edge from the current
// state are dropped by the engine.
func Transitions() []Edge {
	return []Edge{
		{
			From:      StateInitial,
			EventType: events.TypeReservationHeld,
			Next:      StateAwaitingBillCreation,
			Apply: func(inst *Instance, env events.Envelope) error {
				var ev events.ReservationHeld
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					return fmt.Errorf("decode %s: %w", env.Type, err)
				}
				inst.ReservationID = ev.ReservationID
				inst.TrackingCode = ev.TrackingCode
				inst.TourID = ev.TourID
				inst.TourTitle = ev.TourTitle
				inst.ExternalUserID = ev.ExternalUserID
				inst.UserFullName = ev.UserFullName
				inst.TotalAmountRials = ev.TotalAmountRials
				inst.Currency = ev.Currency
				return nil
			},
			Effects: func(inst *Instance, env events.Envelope) ([]outbox.Message, error) {
				cmd := events.CreateBill{
					ReferenceID:    inst.ReservationID,
					ReferenceType:  events.ReferenceTypeReservation,
					ExternalUserID: inst.ExternalUserID,
					UserFullName:   inst.UserFullName,
					AmountRials:    inst.TotalAmountRials,
					Currency:       inst.Currency,
					BillTitle:      fmt.Sprintf("Tour reservation %s", inst.TrackingCode),
					Description:    inst.TourTitle,
					Metadata: events.BillMetadata{
						ReferenceID:   inst.CorrelationID,
						ReferenceType: events.ReferenceTypeReservation,
					},
				}
				return buildMessages(inst.CorrelationID, events.TypeCreateBill, cmd)
			},
		},
		{
			From:      StateAwaitingBillCreation,
			EventType: events.TypeBillCreated,
			Next:      StateAwaitingPayment,
			Guard: func(inst *Instance, env events.Envelope) (bool, error) {
				var ev events.BillCreated
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					return false, fmt.Errorf("decode %s: %w", env.Type, err)
				}
				return ev.Metadata.ReferenceID == inst.CorrelationID &&
					ev.Metadata.ReferenceType == events.ReferenceTypeReservation, nil
			},
			Apply: func(inst *Instance, env events.Envelope) error {
				var ev events.BillCreated
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					return fmt.Errorf("decode %s: %w", env.Type, err)
				}
				inst.BillID = ev.BillID
				inst.BillNumber = ev.BillNumber
				return nil
			},
			Effects: func(inst *Instance, env events.Envelope) ([]outbox.Message, error) {
				ev := events.ReservationReadyToComplete{
					ReservationID:    inst.ReservationID,
					BillID:           inst.BillID,
					BillNumber:       inst.BillNumber,
					TotalAmountRials: inst.TotalAmountRials,
					Currency:         inst.Currency,
					ExternalUserID:   inst.ExternalUserID,
					UserFullName:     inst.UserFullName,
					EventID:          uuid.New(),
					OccurredOn:       time.Now().UTC(),
					EventVersion:     1,
				}
				return buildMessages(inst.CorrelationID, events.TypeReservationReadyToComplete, ev)
			},
		},
		{
			From:      StateAwaitingPayment,
			EventType: events.TypePaymentCompleted,
			Next:      StateCompleted,
			Guard:     paymentGuard,
			Apply: func(inst *Instance, env events.Envelope) error {
				var ev events.PaymentCompleted
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					return fmt.Errorf("decode %s: %w", env.Type, err)
				}
				inst.PaymentID = ev.PaymentID
				inst.GatewayTransactionID = ev.GatewayTransactionID
				inst.GatewayReference = ev.GatewayReference
				return nil
			},
			Effects: func(inst *Instance, env events.Envelope) ([]outbox.Message, error) {
				ev := events.ReservationPaymentCompleted{
					ReservationID:        inst.ReservationID,
					PaymentID:            inst.PaymentID,
					BillID:               inst.BillID,
					GatewayTransactionID: inst.GatewayTransactionID,
					GatewayReference:     inst.GatewayReference,
					TotalAmountRials:     inst.TotalAmountRials,
					Currency:             inst.Currency,
					EventID:              uuid.New(),
					OccurredOn:           time.Now().UTC(),
				}
				return buildMessages(inst.CorrelationID, events.TypeReservationPaymentCompleted, ev)
			},
		},
		{
			From:      StateAwaitingPayment,
			EventType: events.TypePaymentFailed,
			Next:      StateFailed,
			Guard:     paymentGuard,
			Apply: func(inst *Instance, env events.Envelope) error {
				var ev events.PaymentFailed
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					return fmt.Errorf("decode %s: %w", env.Type, err)
				}
				inst.PaymentID = ev.PaymentID
				inst.FailureReason = ev.FailureReason
				inst.ErrorCode = ev.ErrorCode
				inst.GatewayTransactionID = ev.GatewayTransactionID
				return nil
			},
			Effects: func(inst *Instance, env events.Envelope) ([]outbox.Message, error) {
				ev := events.ReservationPaymentFailed{
					ReservationID: inst.ReservationID,
					PaymentID:     inst.PaymentID,
					BillID:        inst.BillID,
					FailureReason: inst.FailureReason,
					ErrorCode:     inst.ErrorCode,
					EventID:       uuid.New(),
					OccurredOn:    time.Now().UTC(),
				}
				return buildMessages(inst.CorrelationID, events.TypeReservationPaymentFailed, ev)
			},
		},
	}
}

// paymentGuard accepts payment events that reference this reservation.
func paymentGuard(inst *Instance, env events.Envelope) (bool, error) {
	var ref struct {
		ReferenceID   uuid.UUID `json:"reference_id"`
		ReferenceType string    `json:"reference_type"`
	}
	if err := json.Unmarshal(env.Payload, &ref); err != nil {
		return false, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ref.ReferenceID == inst.CorrelationID &&
		ref.ReferenceType == events.ReferenceTypeReservation, nil
}

func buildMessages(correlationID uuid.UUID, eventType string, payload any) ([]outbox.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return []outbox.Message{{
		ID:            uuid.New(),
		Type:          eventType,
		CorrelationID: correlationID,
		Payload:       data,
		Status:        outbox.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}}, nil
}
