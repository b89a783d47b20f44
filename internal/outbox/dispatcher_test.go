package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memOutbox is a minimal in-memory Store for dispatcher tests.
type memOutbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *memOutbox) add(msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
}

func (m *memOutbox) Pending(ctx context.Context, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.msgs {
		if msg.Status == StatusPending {
			out = append(out, msg)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memOutbox) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.update(id, func(msg *Message) {
		msg.Status = StatusPublished
		msg.PublishedAt = &at
	})
}

func (m *memOutbox) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := m.update(id, func(msg *Message) {
		msg.Attempts++
		attempts = msg.Attempts
	})
	return attempts, err
}

func (m *memOutbox) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return m.update(id, func(msg *Message) { msg.Status = StatusFailed })
}

func (m *memOutbox) FailedByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.msgs {
		if msg.Status == StatusFailed && msg.CorrelationID == correlationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memOutbox) Requeue(ctx context.Context, id uuid.UUID) error {
	return m.update(id, func(msg *Message) {
		if msg.Status == StatusFailed {
			msg.Status = StatusPending
		}
	})
}

func (m *memOutbox) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Message
	var purged int64
	for _, msg := range m.msgs {
		if msg.Status == StatusPublished && msg.PublishedAt != nil && msg.PublishedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, msg)
	}
	m.msgs = kept
	return purged, nil
}

func (m *memOutbox) update(id uuid.UUID, fn func(*Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ID == id {
			fn(&m.msgs[i])
			return nil
		}
	}
	return nil
}

func (m *memOutbox) byID(id uuid.UUID) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		if msg.ID == id {
			return msg
		}
	}
	return Message{}
}

// recordingPublisher records the order of published messages and fails on
// demand per message id.
type recordingPublisher struct {
	mu        sync.Mutex
	published []Message
	failIDs   map[uuid.UUID]error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failIDs[msg.ID]; ok {
		return err
	}
	p.published = append(p.published, msg)
	return nil
}

func pendingMessage(correlationID uuid.UUID, eventType string, createdAt time.Time) Message {
	return Message{
		ID:            uuid.New(),
		Type:          eventType,
		CorrelationID: correlationID,
		Payload:       []byte(`{}`),
		Status:        StatusPending,
		CreatedAt:     createdAt,
	}
}

func TestDispatchOnce_PublishesOldestFirst(t *testing.T) {
	store := &memOutbox{}
	pub := &recordingPublisher{}
	base := time.Now().UTC()

	corr := uuid.New()
	first := pendingMessage(corr, "CreateBill", base)
	second := pendingMessage(corr, "ReservationReadyToComplete", base.Add(time.Second))
	store.add(first, second)

	d := NewDispatcher(store, pub, DispatcherConfig{}, func(string, ...any) {})
	stats, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Published != 2 {
		t.Fatalf("expected 2 published, got %+v", stats)
	}
	if len(pub.published) != 2 || pub.published[0].ID != first.ID || pub.published[1].ID != second.ID {
		t.Fatalf("unexpected publish order: %+v", pub.published)
	}
	if store.byID(first.ID).Status != StatusPublished || store.byID(first.ID).PublishedAt == nil {
		t.Fatalf("first message not marked published: %+v", store.byID(first.ID))
	}
}

func TestDispatchOnce_FailureBlocksSameCorrelation(t *testing.T) {
	store := &memOutbox{}
	base := time.Now().UTC()

	corr := uuid.New()
	other := uuid.New()
	blockedFirst := pendingMessage(corr, "CreateBill", base)
	blockedSecond := pendingMessage(corr, "ReservationReadyToComplete", base.Add(time.Second))
	unrelated := pendingMessage(other, "CreateBill", base.Add(2*time.Second))
	store.add(blockedFirst, blockedSecond, unrelated)

	pub := &recordingPublisher{failIDs: map[uuid.UUID]error{blockedFirst.ID: errors.New("broker down")}}

	d := NewDispatcher(store, pub, DispatcherConfig{}, func(string, ...any) {})
	stats, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Published != 1 || stats.Skipped != 1 {
		t.Fatalf("expected 1 published and 1 skipped, got %+v", stats)
	}
	if len(pub.published) != 1 || pub.published[0].ID != unrelated.ID {
		t.Fatalf("expected only the unrelated message, got %+v", pub.published)
	}
	if store.byID(blockedFirst.ID).Status != StatusPending {
		t.Fatalf("failed message should stay pending: %+v", store.byID(blockedFirst.ID))
	}
	if store.byID(blockedSecond.ID).Status != StatusPending {
		t.Fatalf("skipped message should stay pending: %+v", store.byID(blockedSecond.ID))
	}
	if store.byID(blockedFirst.ID).Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", store.byID(blockedFirst.ID).Attempts)
	}
}

func TestDispatchOnce_FailedRowBlocksYoungerSiblings(t *testing.T) {
	store := &memOutbox{}
	base := time.Now().UTC()

	corr := uuid.New()
	other := uuid.New()
	failed := pendingMessage(corr, "CreateBill", base)
	failed.Status = StatusFailed
	younger := pendingMessage(corr, "ReservationReadyToComplete", base.Add(time.Second))
	unrelated := pendingMessage(other, "CreateBill", base.Add(2*time.Second))
	store.add(failed, younger, unrelated)

	pub := &recordingPublisher{}
	d := NewDispatcher(store, pub, DispatcherConfig{}, func(string, ...any) {})
	ctx := context.Background()

	stats, err := d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Published != 1 || stats.Skipped != 1 {
		t.Fatalf("expected the sibling held back, got %+v", stats)
	}
	if len(pub.published) != 1 || pub.published[0].ID != unrelated.ID {
		t.Fatalf("expected only the unrelated message, got %+v", pub.published)
	}

	// A sweeper requeue restores the failed row; the correlation then drains
	// in creation order.
	if err := store.Requeue(ctx, failed.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	stats, err = d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch after requeue: %v", err)
	}
	if stats.Published != 2 {
		t.Fatalf("expected both messages published, got %+v", stats)
	}
	if pub.published[1].ID != failed.ID || pub.published[2].ID != younger.ID {
		t.Fatalf("unexpected publish order: %+v", pub.published)
	}
}

func TestDispatchOnce_MarksFailedAtMaxAttempts(t *testing.T) {
	store := &memOutbox{}
	msg := pendingMessage(uuid.New(), "CreateBill", time.Now().UTC())
	store.add(msg)
	pub := &recordingPublisher{failIDs: map[uuid.UUID]error{msg.ID: errors.New("broker down")}}

	d := NewDispatcher(store, pub, DispatcherConfig{MaxAttempts: 2}, func(string, ...any) {})
	ctx := context.Background()

	stats, err := d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch 1: %v", err)
	}
	if stats.Failed != 0 || store.byID(msg.ID).Status != StatusPending {
		t.Fatalf("message dead-lettered too early: %+v", store.byID(msg.ID))
	}

	stats, err = d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch 2: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}
	if store.byID(msg.ID).Status != StatusFailed || store.byID(msg.ID).Attempts != 2 {
		t.Fatalf("expected failed after 2 attempts, got %+v", store.byID(msg.ID))
	}

	// Failed messages are no longer picked up.
	stats, err = d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch 3: %v", err)
	}
	if stats.Published != 0 || stats.Skipped != 0 || stats.Failed != 0 {
		t.Fatalf("expected empty cycle, got %+v", stats)
	}
}

func TestDispatchOnce_RetriesPendingNextCycle(t *testing.T) {
	// Crash-before-publish equivalence: a message that never got marked
	// published is simply picked up again.
	store := &memOutbox{}
	msg := pendingMessage(uuid.New(), "CreateBill", time.Now().UTC())
	store.add(msg)

	pub := &recordingPublisher{failIDs: map[uuid.UUID]error{msg.ID: errors.New("broker down")}}
	d := NewDispatcher(store, pub, DispatcherConfig{MaxAttempts: 5}, func(string, ...any) {})
	ctx := context.Background()

	if _, err := d.DispatchOnce(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Broker recovers.
	pub.mu.Lock()
	delete(pub.failIDs, msg.ID)
	pub.mu.Unlock()

	stats, err := d.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Published != 1 {
		t.Fatalf("expected recovery publish, got %+v", stats)
	}
	if store.byID(msg.ID).Status != StatusPublished {
		t.Fatalf("expected published, got %+v", store.byID(msg.ID))
	}
}

func TestRun_ReportsCycleStats(t *testing.T) {
	store := &memOutbox{}
	store.add(pendingMessage(uuid.New(), "CreateBill", time.Now().UTC()))
	pub := &recordingPublisher{}

	d := NewDispatcher(store, pub, DispatcherConfig{PollInterval: 5 * time.Millisecond}, func(string, ...any) {})

	statsCh := make(chan DispatchStats, 1)
	d.OnCycle(func(stats DispatchStats) {
		select {
		case statsCh <- stats:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case stats := <-statsCh:
		if stats.Published != 1 {
			t.Fatalf("expected 1 published, got %+v", stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch cycle")
	}
}
