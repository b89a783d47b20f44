package outbox

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// DispatcherConfig controls the polling loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// DispatchStats reports the outcome of one dispatch cycle.
type DispatchStats struct {
	Published int
	Failed    int
	Skipped   int
}

// Dispatcher drains pending outbox messages to a Publisher. Delivery is
// at-least-once: a message left pending after a transport failure is retried
// on the next cycle, so every consumer must deduplicate.
type Dispatcher struct {
	store     Store
	publisher Publisher
	cfg       DispatcherConfig
	logf      func(format string, args ...any)
	onCycle   func(DispatchStats)
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, publisher Publisher, cfg DispatcherConfig, logf func(format string, args ...any)) *Dispatcher {
	if logf == nil {
		logf = log.Printf
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logf:      logf,
	}
}

// OnCycle registers a callback invoked after every dispatch cycle.
func (d *Dispatcher) OnCycle(fn func(DispatchStats)) {
	d.onCycle = fn
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := d.DispatchOnce(ctx)
			if err != nil {
				d.logf("outbox dispatch: %v", err)
			}
			if d.onCycle != nil {
				d.onCycle(stats)
			}
		}
	}
}

// DispatchOnce runs a single dispatch cycle. Messages are published oldest
// first; after a publish failure the remaining messages for that correlation
// id are skipped for the rest of the cycle so per-correlation order holds.
// A correlation that already has failed rows is skipped entirely: publishing
// younger messages ahead of a failed older one would break that order once
// the sweeper requeues it.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats

	msgs, err := d.store.Pending(ctx, d.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	blocked := make(map[uuid.UUID]struct{})
	checked := make(map[uuid.UUID]struct{})
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, seen := checked[msg.CorrelationID]; !seen {
			checked[msg.CorrelationID] = struct{}{}
			failed, err := d.store.FailedByCorrelation(ctx, msg.CorrelationID)
			if err != nil {
				return stats, err
			}
			if len(failed) > 0 {
				blocked[msg.CorrelationID] = struct{}{}
			}
		}
		if _, ok := blocked[msg.CorrelationID]; ok {
			stats.Skipped++
			continue
		}

		if err := d.publisher.Publish(ctx, msg); err != nil {
			blocked[msg.CorrelationID] = struct{}{}
			d.logf("outbox publish %s (%s): %v", msg.ID, msg.Type, err)

			attempts, recErr := d.store.RecordAttempt(ctx, msg.ID)
			if recErr != nil {
				return stats, recErr
			}
			if attempts >= d.cfg.MaxAttempts {
				if failErr := d.store.MarkFailed(ctx, msg.ID); failErr != nil {
					return stats, failErr
				}
				d.logf("outbox message %s failed after %d attempts", msg.ID, attempts)
				stats.Failed++
			}
			continue
		}

		if err := d.store.MarkPublished(ctx, msg.ID, time.Now().UTC()); err != nil {
			return stats, err
		}
		stats.Published++
	}

	return stats, nil
}
