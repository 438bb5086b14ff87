package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests move time forward.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newSchedulerTest() (*Service, *MemoryStore, *mockLedger, *recordingDispatcher, *fakeClock) {
	svc, store, ledger, dispatcher := newTestService()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.WithClock(clock.now)
	return svc, store, ledger, dispatcher, clock
}

func createExpiring(t *testing.T, svc *Service, clock *fakeClock, ttl time.Duration) *Escrow {
	t.Helper()
	in := createInput(standardParties()...)
	exp := clock.now().Add(ttl)
	in.ExpiresAt = &exp
	e, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func TestSweepExpired_CancelsPending(t *testing.T) {
	svc, store, _, dispatcher, clock := newSchedulerTest()
	ctx := context.Background()

	expired := createExpiring(t, svc, clock, 48*time.Hour)
	fresh := createExpiring(t, svc, clock, 96*time.Hour)

	clock.advance(72 * time.Hour)
	cancelled, escalated := svc.SweepExpired(ctx)
	if cancelled != 1 || escalated != 0 {
		t.Fatalf("expected 1 cancelled / 0 escalated, got %d / %d", cancelled, escalated)
	}

	got, _ := store.Get(ctx, expired.ID)
	if got.Status != StatusCancelled || got.IsActive {
		t.Errorf("expected cancelled inactive escrow, got %s active=%v", got.Status, got.IsActive)
	}
	untouched, _ := store.Get(ctx, fresh.ID)
	if untouched.Status != StatusPending {
		t.Errorf("unexpired escrow must stay pending, got %s", untouched.Status)
	}
	if dispatcher.count("escrow.cancelled") != 1 {
		t.Error("expected escrow.cancelled webhook")
	}

	events, _ := svc.ListEvents(ctx, expired.ID, 10)
	if len(events) == 0 || events[0].EventType != EventAutoCancelled {
		t.Errorf("expected auto_cancelled event, got %+v", events)
	}
}

func TestSweepExpired_EscalatesActive(t *testing.T) {
	svc, store, _, _, clock := newSchedulerTest()
	ctx := context.Background()

	e := createExpiring(t, svc, clock, 48*time.Hour)
	if _, err := svc.Activate(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	clock.advance(72 * time.Hour)
	cancelled, escalated := svc.SweepExpired(ctx)
	if cancelled != 0 || escalated != 1 {
		t.Fatalf("expected 0 cancelled / 1 escalated, got %d / %d", cancelled, escalated)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", got.Status)
	}

	// Escalation creates no dispute record; a party files their own.
	if _, err := svc.GetDispute(ctx, e.ID); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected no dispute record after escalation, got %v", err)
	}
	if _, err := svc.FileDispute(ctx, e.ID, "seller1", FileDisputeInput{Reason: "expired without payment"}); err != nil {
		t.Errorf("filing after escalation failed: %v", err)
	}
}

func TestSweepExpired_SkipsDisputedWithRecord(t *testing.T) {
	svc, store, _, _, clock := newSchedulerTest()
	ctx := context.Background()

	e := createExpiring(t, svc, clock, 48*time.Hour)
	if _, err := svc.Activate(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	mustFileDispute(t, svc, e.ID, "buyer1")

	clock.advance(72 * time.Hour)
	cancelled, escalated := svc.SweepExpired(ctx)
	if cancelled != 0 || escalated != 0 {
		t.Errorf("disputed escrow must not be swept, got %d / %d", cancelled, escalated)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", got.Status)
	}
}

func TestSweepExpired_Idempotent(t *testing.T) {
	svc, _, _, _, clock := newSchedulerTest()
	ctx := context.Background()

	createExpiring(t, svc, clock, time.Hour)
	clock.advance(2 * time.Hour)

	if c, _ := svc.SweepExpired(ctx); c != 1 {
		t.Fatalf("expected 1 cancelled, got %d", c)
	}
	if c, e := svc.SweepExpired(ctx); c != 0 || e != 0 {
		t.Errorf("second sweep must be a no-op, got %d / %d", c, e)
	}
}

func TestSweepExpiring_WarnsOnce(t *testing.T) {
	svc, store, _, dispatcher, clock := newSchedulerTest()
	ctx := context.Background()

	soon := createExpiring(t, svc, clock, 12*time.Hour)
	later := createExpiring(t, svc, clock, 72*time.Hour)

	if warned := svc.SweepExpiring(ctx); warned != 1 {
		t.Fatalf("expected 1 warned, got %d", warned)
	}

	got, _ := store.Get(ctx, soon.ID)
	if got.ExpirationNotifiedAt == nil {
		t.Error("expected notification timestamp to be set")
	}
	far, _ := store.Get(ctx, later.ID)
	if far.ExpirationNotifiedAt != nil {
		t.Error("escrow outside the lead time must not be warned")
	}
	if dispatcher.count("escrow.expiring_soon") != 1 {
		t.Error("expected escrow.expiring_soon webhook")
	}
	payload := dispatcher.last("escrow.expiring_soon")
	if payload == nil || payload["hoursUntilExpiry"] != 12 {
		t.Errorf("expected hoursUntilExpiry 12 in payload, got %v", payload)
	}

	// A second sweep warns nobody.
	if warned := svc.SweepExpiring(ctx); warned != 0 {
		t.Errorf("expected idempotent warning sweep, got %d", warned)
	}
}

func TestSweepExpiring_SkipsDisputed(t *testing.T) {
	svc, store, _, dispatcher, clock := newSchedulerTest()
	ctx := context.Background()

	e := createExpiring(t, svc, clock, 2*time.Hour)
	if _, err := svc.Activate(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	mustFileDispute(t, svc, e.ID, "buyer1")

	if warned := svc.SweepExpiring(ctx); warned != 0 {
		t.Fatalf("disputed escrow must not be warned, got %d", warned)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.ExpirationNotifiedAt != nil {
		t.Error("notification timestamp must stay unset for a disputed escrow")
	}
	if dispatcher.count("escrow.expiring_soon") != 0 {
		t.Error("unexpected escrow.expiring_soon webhook for a disputed escrow")
	}
}

func TestProcessEscrow(t *testing.T) {
	svc, store, _, _, clock := newSchedulerTest()
	ctx := context.Background()

	// No expiration set
	plain, _ := svc.Create(ctx, createInput(standardParties()...))
	if _, err := svc.ProcessEscrow(ctx, plain.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState without expiration, got %v", err)
	}

	// Not yet expired
	e := createExpiring(t, svc, clock, 48*time.Hour)
	if _, err := svc.ProcessEscrow(ctx, e.ID); !errors.Is(err, ErrNotExpired) {
		t.Errorf("expected ErrNotExpired, got %v", err)
	}
	if _, err := svc.ProcessEscrow(ctx, e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ErrNotExpired must unwrap to ErrInvalidState, got %v", err)
	}

	// Expired pending cancels
	clock.advance(72 * time.Hour)
	processed, err := svc.ProcessEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("ProcessEscrow failed: %v", err)
	}
	if processed.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", processed.Status)
	}

	// Terminal escrow is left alone
	if _, err := svc.ProcessEscrow(ctx, e.ID); err != nil {
		t.Errorf("processing a terminal escrow should be a no-op, got %v", err)
	}
	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status must not change, got %s", got.Status)
	}

	if _, err := svc.ProcessEscrow(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	svc, _, _, _, _ := newSchedulerTest()
	sc := NewScheduler(svc, svc.logger).WithIntervals(10*time.Millisecond, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sc.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	sc.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
