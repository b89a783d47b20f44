package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"caravel/internal/idempotency"
	"caravel/internal/outbox"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory backend implementing saga.Store, outbox.Store
// and idempotency.Store over one mutex, so "same transaction" semantics hold
// for tests and for running without a DATABASE_URL.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]Instance
	messages  []outbox.Message
	records   map[string]idempotency.Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[uuid.UUID]Instance),
		records:   make(map[string]idempotency.Record),
	}
}

// Load returns a copy of the stored instance.
func (m *MemoryStore) Load(ctx context.Context, correlationID uuid.UUID) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := inst
	return &clone, nil
}

// CreateWithEffects inserts a new instance with its effects.
func (m *MemoryStore) CreateWithEffects(ctx context.Context, inst *Instance, msgs []outbox.Message, idempotencyKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.CorrelationID]; ok {
		return false, ErrVersionConflict
	}
	return m.commit(inst, msgs, idempotencyKey), nil
}

// SaveWithVersionCheck persists a transition when the version still matches.
func (m *MemoryStore) SaveWithVersionCheck(ctx context.Context, inst *Instance, expectedVersion int64, msgs []outbox.Message, idempotencyKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances[inst.CorrelationID]
	if !ok || stored.Version != expectedVersion {
		return false, ErrVersionConflict
	}
	return m.commit(inst, msgs, idempotencyKey), nil
}

// commit applies instance+messages+key as one unit. Caller holds the lock.
func (m *MemoryStore) commit(inst *Instance, msgs []outbox.Message, idempotencyKey string) bool {
	if rec, ok := m.records[idempotencyKey]; ok && rec.Processed {
		return false
	}
	m.instances[inst.CorrelationID] = *inst
	m.messages = append(m.messages, msgs...)
	now := time.Now().UTC()
	aggID := inst.CorrelationID
	m.records[idempotencyKey] = idempotency.Record{
		Key:         idempotencyKey,
		AggregateID: &aggID,
		Processed:   true,
		ProcessedAt: &now,
		CreatedAt:   now,
	}
	return true
}

// StuckBefore lists non-terminal instances not updated since the cutoff.
func (m *MemoryStore) StuckBefore(ctx context.Context, cutoff time.Time, limit int) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var stuck []Instance
	for _, inst := range m.instances {
		if inst.State.Terminal() || !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		stuck = append(stuck, inst)
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

// Pending returns up to limit pending messages, oldest first.
func (m *MemoryStore) Pending(ctx context.Context, limit int) ([]outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []outbox.Message
	for _, msg := range m.messages {
		if msg.Status == outbox.StatusPending {
			pending = append(pending, msg)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkPublished flips a message to published.
func (m *MemoryStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.updateMessage(ctx, id, func(msg *outbox.Message) {
		msg.Status = outbox.StatusPublished
		msg.PublishedAt = &at
	})
}

// RecordAttempt increments the attempt counter.
func (m *MemoryStore) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := m.updateMessage(ctx, id, func(msg *outbox.Message) {
		msg.Attempts++
		attempts = msg.Attempts
	})
	return attempts, err
}

// MarkFailed flips a message to failed.
func (m *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return m.updateMessage(ctx, id, func(msg *outbox.Message) {
		msg.Status = outbox.StatusFailed
	})
}

// FailedByCorrelation returns failed messages for one correlation id.
func (m *MemoryStore) FailedByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []outbox.Message
	for _, msg := range m.messages {
		if msg.Status == outbox.StatusFailed && msg.CorrelationID == correlationID {
			failed = append(failed, msg)
		}
	}
	return failed, nil
}

// Requeue flips a failed message back to pending.
func (m *MemoryStore) Requeue(ctx context.Context, id uuid.UUID) error {
	return m.updateMessage(ctx, id, func(msg *outbox.Message) {
		if msg.Status == outbox.StatusFailed {
			msg.Status = outbox.StatusPending
		}
	})
}

// PurgePublished deletes published rows older than the cutoff.
func (m *MemoryStore) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []outbox.Message
	var purged int64
	for _, msg := range m.messages {
		if msg.Status == outbox.StatusPublished && msg.PublishedAt != nil && msg.PublishedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return purged, nil
}

func (m *MemoryStore) updateMessage(ctx context.Context, id uuid.UUID, fn func(*outbox.Message)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.messages {
		if m.messages[i].ID == id {
			fn(&m.messages[i])
			return nil
		}
	}
	return nil
}

// Get returns the record for a key.
func (m *MemoryStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	clone := rec
	return &clone, nil
}

// MarkProcessed records the key; returns false when it already existed.
func (m *MemoryStore) MarkProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[key]; ok && rec.Processed {
		return false, nil
	}
	now := time.Now().UTC()
	m.records[key] = idempotency.Record{
		Key:         key,
		AggregateID: aggregateID,
		Processed:   true,
		ProcessedAt: &now,
		CreatedAt:   now,
	}
	return true, nil
}

// RecordFailure notes a failed processing attempt against the key.
func (m *MemoryStore) RecordFailure(ctx context.Context, key string, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		rec = idempotency.Record{Key: key, CreatedAt: time.Now().UTC()}
	}
	rec.RetryCount++
	rec.Error = &message
	m.records[key] = rec
	return nil
}

// DeleteOlderThan purges records created before the cutoff.
func (m *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for key, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, key)
			purged++
		}
	}
	return purged, nil
}

// Messages returns a snapshot of all stored messages (for testing/inspection).
func (m *MemoryStore) Messages() []outbox.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Message, len(m.messages))
	copy(out, m.messages)
	return out
}
