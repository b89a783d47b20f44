// Package observability collects in-process counters for the saga engine,
// the outbox dispatcher and the reconciliation sweeper, and serves them as a
// JSON snapshot.
package observability

import (
	"sync"
	"time"
)

// OutcomeSnapshot counts deliveries per event type.
type OutcomeSnapshot struct {
	Applied    int64 `json:"applied"`
	Dropped    int64 `json:"dropped"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// OutboxSnapshot summarizes dispatcher activity.
type OutboxSnapshot struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Cycles    int64 `json:"cycles"`
}

// SweepSnapshot summarizes reconciliation activity.
type SweepSnapshot struct {
	Runs      int64 `json:"runs"`
	Processed int64 `json:"processed"`
	Fixed     int64 `json:"fixed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Snapshot is the full metrics view served over HTTP.
type Snapshot struct {
	UptimeSec       int64                      `json:"uptime_sec"`
	Events          map[string]OutcomeSnapshot `json:"events"`
	Outbox          OutboxSnapshot             `json:"outbox"`
	Sweeps          SweepSnapshot              `json:"sweeps"`
	RateLimitWaits  int64                      `json:"rate_limit_waits"`
	RateLimitWaitMs int64                      `json:"rate_limit_wait_ms"`
}

// Metrics is a mutex-guarded counter registry.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	events         map[string]*OutcomeSnapshot
	outbox         OutboxSnapshot
	sweeps         SweepSnapshot
	rateLimitWaits int64
	rateLimitWait  time.Duration
}

// NewMetrics constructs a Metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{
		start:  time.Now(),
		events: make(map[string]*OutcomeSnapshot),
	}
}

// ObserveEvent records the outcome of one processed delivery.
func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.events[eventType]
	if !ok {
		stats = &OutcomeSnapshot{}
		m.events[eventType] = stats
	}
	switch outcome {
	case "applied":
		stats.Applied++
	case "dropped":
		stats.Dropped++
	case "duplicate":
		stats.Duplicates++
	default:
		stats.Errors++
	}
}

// ObserveDispatch records one outbox dispatch cycle.
func (m *Metrics) ObserveDispatch(published, failed, skipped int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outbox.Cycles++
	m.outbox.Published += int64(published)
	m.outbox.Failed += int64(failed)
	m.outbox.Skipped += int64(skipped)
	m.mu.Unlock()
}

// ObserveSweep records one reconciliation run.
func (m *Metrics) ObserveSweep(processed, fixed, failed, skipped int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sweeps.Runs++
	m.sweeps.Processed += int64(processed)
	m.sweeps.Fixed += int64(fixed)
	m.sweeps.Failed += int64(failed)
	m.sweeps.Skipped += int64(skipped)
	m.mu.Unlock()
}

// AddRateLimitWait records time the publisher spent blocked on the limiter.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Events:          make(map[string]OutcomeSnapshot, len(m.events)),
		Outbox:          m.outbox,
		Sweeps:          m.sweeps,
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}
	for eventType, stats := range m.events {
		snap.Events[eventType] = *stats
	}
	return snap
}
