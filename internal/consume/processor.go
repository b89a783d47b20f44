// Package consume turns inbound transport deliveries into saga engine calls,
// with idempotency checks in front of the business logic.
package consume

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"caravel/internal/events"
	"caravel/internal/idempotency"
	"caravel/internal/saga"
	"caravel/internal/transport"

	"github.com/google/uuid"
)

// Engine is the saga surface the processor needs.
type Engine interface {
	Handle(ctx context.Context, env events.Envelope) (saga.Result, error)
}

// Processor handles one delivery end to end.
type Processor struct {
	engine Engine
	guard  *idempotency.Guard
	logf   func(format string, args ...any)

	// OnOutcome, if set, observes each processed delivery (metrics).
	OnOutcome func(eventType string, outcome saga.Outcome)
}

// NewProcessor constructs a Processor.
func NewProcessor(engine Engine, guard *idempotency.Guard, logf func(format string, args ...any)) *Processor {
	if logf == nil {
		logf = log.Printf
	}
	return &Processor{engine: engine, guard: guard, logf: logf}
}

// Process parses a delivery, deduplicates it and runs it through the engine.
// An error return leaves the delivery to the transport's redelivery policy.
func (p *Processor) Process(ctx context.Context, msg transport.Inbound) error {
	env, err := p.envelope(msg)
	if err != nil {
		// Unparseable deliveries never succeed on retry; surface them so the
		// transport eventually dead-letters the message for the sweeper.
		return err
	}
	if env.CorrelationID == uuid.Nil {
		// Event addressed to another context (e.g. payment for a non
		// reservation reference). Not ours; ack and move on.
		p.logf("consume: ignoring %s with no reservation correlation", env.Type)
		return nil
	}

	key := events.IdempotencyKey(env)
	processed, err := p.guard.IsProcessed(ctx, key)
	if err != nil {
		return err
	}
	if processed {
		p.observe(env.Type, saga.OutcomeDuplicate)
		return nil
	}

	result, err := p.engine.Handle(ctx, env)
	if err != nil {
		if recErr := p.guard.RecordFailure(ctx, key, err.Error()); recErr != nil {
			p.logf("consume: record failure for %s: %v", key, recErr)
		}
		return err
	}

	p.observe(env.Type, result.Outcome)
	if result.Outcome == saga.OutcomeApplied {
		p.logf("consume: %s advanced saga %s to %s", env.Type, env.CorrelationID, result.State)
	}
	return nil
}

func (p *Processor) envelope(msg transport.Inbound) (events.Envelope, error) {
	if msg.Type == "" {
		return events.Envelope{}, fmt.Errorf("delivery %s has no event type", msg.ID)
	}
	if !json.Valid(msg.Payload) {
		return events.Envelope{}, fmt.Errorf("delivery %s (%s): payload is not valid JSON", msg.ID, msg.Type)
	}

	correlationID, err := events.CorrelationID(msg.Type, msg.Payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("delivery %s: %w", msg.ID, err)
	}

	return events.Envelope{
		ID:            uuid.New(),
		Type:          msg.Type,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       msg.Payload,
	}, nil
}

func (p *Processor) observe(eventType string, outcome saga.Outcome) {
	if p.OnOutcome != nil {
		p.OnOutcome(eventType, outcome)
	}
}
