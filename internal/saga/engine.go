package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"caravel/internal/events"
)

// maxConflictRetries bounds re-evaluation after lost optimistic-write races.
const maxConflictRetries = 5

// Engine advances saga instances through the transition table. It performs
// no retry loop on transport failures: a persistence error propagates and
// the transport redelivers.
type Engine struct {
	store Store
	edges []Edge
	logf  func(format string, args ...any)

	// OnTransition, if set, observes committed transitions (realtime feed,
	// metrics). Called outside the transaction.
	OnTransition func(from State, inst *Instance)
}

// NewEngine constructs an Engine over the standard transition table.
func NewEngine(store Store, logf func(format string, args ...any)) *Engine {
	if logf == nil {
		logf = log.Printf
	}
	return &Engine{
		store: store,
		edges: Transitions(),
		logf:  logf,
	}
}

// Handle applies one inbound event to its saga instance.
//
// A delivery that matches no edge from the current state is dropped, not
// failed: redelivery of an already-applied event lands here after the
// instance advanced. A version conflict means another delivery won the
// write; the event is re-evaluated against the fresh state.
func (e *Engine) Handle(ctx context.Context, env events.Envelope) (Result, error) {
	key := events.IdempotencyKey(env)

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		inst, err := e.store.Load(ctx, env.CorrelationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Result{}, fmt.Errorf("load saga %s: %w", env.CorrelationID, err)
		}

		current := StateInitial
		if inst != nil {
			current = inst.State
		}

		edge, ok, err := e.match(current, inst, env)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			e.logf("saga %s: dropping %s in state %s (no matching edge)", env.CorrelationID, env.Type, current)
			return Result{Outcome: OutcomeDropped, State: current}, nil
		}

		next := e.nextInstance(inst, env)
		if err := edge.Apply(next, env); err != nil {
			return Result{}, err
		}
		next.State = edge.Next
		next.Version++
		next.UpdatedAt = time.Now().UTC()

		msgs, err := edge.Effects(next, env)
		if err != nil {
			return Result{}, err
		}

		var applied bool
		if inst == nil {
			applied, err = e.store.CreateWithEffects(ctx, next, msgs, key)
		} else {
			applied, err = e.store.SaveWithVersionCheck(ctx, next, inst.Version, msgs, key)
		}
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("persist saga %s: %w", env.CorrelationID, err)
		}
		if !applied {
			e.logf("saga %s: duplicate delivery of %s (key %s)", env.CorrelationID, env.Type, key)
			return Result{Outcome: OutcomeDuplicate, State: current}, nil
		}

		if e.OnTransition != nil {
			e.OnTransition(current, next)
		}
		return Result{Outcome: OutcomeApplied, State: next.State, Messages: msgs}, nil
	}

	return Result{}, fmt.Errorf("saga %s: %w", env.CorrelationID, ErrTooManyConflicts)
}

func (e *Engine) match(current State, inst *Instance, env events.Envelope) (Edge, bool, error) {
	for _, edge := range e.edges {
		if edge.From != current || edge.EventType != env.Type {
			continue
		}
		if edge.Guard == nil {
			return edge, true, nil
		}
		ok, err := edge.Guard(inst, env)
		if err != nil {
			return Edge{}, false, err
		}
		if !ok {
			e.logf("saga %s: guard rejected %s in state %s", env.CorrelationID, env.Type, current)
			return Edge{}, false, nil
		}
		return edge, true, nil
	}
	return Edge{}, false, nil
}

// nextInstance clones the current instance, or seeds a fresh one for the
// creation edge.
func (e *Engine) nextInstance(inst *Instance, env events.Envelope) *Instance {
	if inst != nil {
		clone := *inst
		return &clone
	}
	now := time.Now().UTC()
	return &Instance{
		CorrelationID: env.CorrelationID,
		State:         StateInitial,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
