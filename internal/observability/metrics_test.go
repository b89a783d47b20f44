package observability

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetrics_ObserveEvent(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveEvent("ReservationHeld", "applied")
	m.ObserveEvent("ReservationHeld", "applied")
	m.ObserveEvent("ReservationHeld", "duplicate")
	m.ObserveEvent("BillCreated", "dropped")
	m.ObserveEvent("BillCreated", "error")

	snap := m.Snapshot()

	held := snap.Events["ReservationHeld"]
	if held.Applied != 2 || held.Duplicates != 1 {
		t.Fatalf("ReservationHeld = %+v", held)
	}
	bill := snap.Events["BillCreated"]
	if bill.Dropped != 1 || bill.Errors != 1 {
		t.Fatalf("BillCreated = %+v", bill)
	}
}

func TestMetrics_ObserveDispatchAndSweep(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveDispatch(3, 1, 2)
	m.ObserveDispatch(1, 0, 0)
	m.ObserveSweep(10, 4, 1, 5)

	snap := m.Snapshot()

	if snap.Outbox.Cycles != 2 || snap.Outbox.Published != 4 || snap.Outbox.Failed != 1 || snap.Outbox.Skipped != 2 {
		t.Fatalf("outbox = %+v", snap.Outbox)
	}
	if snap.Sweeps.Runs != 1 || snap.Sweeps.Processed != 10 || snap.Sweeps.Fixed != 4 || snap.Sweeps.Failed != 1 || snap.Sweeps.Skipped != 5 {
		t.Fatalf("sweeps = %+v", snap.Sweeps)
	}
}

func TestMetrics_AddRateLimitWait(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.AddRateLimitWait(150 * time.Millisecond)
	m.AddRateLimitWait(50 * time.Millisecond)
	m.AddRateLimitWait(0)
	m.AddRateLimitWait(-time.Second)

	snap := m.Snapshot()

	if snap.RateLimitWaits != 2 {
		t.Fatalf("waits = %d, want 2", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 200 {
		t.Fatalf("wait ms = %d, want 200", snap.RateLimitWaitMs)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveEvent("ReservationHeld", "applied")
	m.ObserveDispatch(1, 0, 0)
	m.ObserveSweep(1, 1, 0, 0)
	m.AddRateLimitWait(time.Second)

	if snap := m.Snapshot(); len(snap.Events) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", snap)
	}
}

func TestHandler_ServesSnapshotJSON(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveEvent("PaymentCompleted", "applied")
	m.ObserveDispatch(2, 0, 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(m).ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Events["PaymentCompleted"].Applied != 1 {
		t.Fatalf("events = %+v", snap.Events)
	}
	if snap.Outbox.Published != 2 {
		t.Fatalf("outbox = %+v", snap.Outbox)
	}
}
