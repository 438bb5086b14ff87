package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// mockLedger records settlements and can fail a configurable number of
// times before succeeding.
type mockLedger struct {
	mu          sync.Mutex
	settleCalls int
	splitCalls  int
	failures    int // fail this many calls before succeeding
	splits      map[string][2]int
}

func newMockLedger() *mockLedger {
	return &mockLedger{splits: make(map[string][2]int)}
}

func (m *mockLedger) Settle(ctx context.Context, escrowID string, amount decimal.Decimal, asset string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleCalls++
	if m.failures > 0 {
		m.failures--
		return "", &LedgerError{EscrowID: escrowID, Op: "settle", Err: errors.New("unavailable")}
	}
	return fmt.Sprintf("tx_%s_%d", escrowID, m.settleCalls), nil
}

func (m *mockLedger) SettleSplit(ctx context.Context, escrowID string, amount decimal.Decimal, asset string, sellerPercent, buyerPercent int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splitCalls++
	if m.failures > 0 {
		m.failures--
		return "", &LedgerError{EscrowID: escrowID, Op: "settle_split", Err: errors.New("unavailable")}
	}
	m.splits[escrowID] = [2]int{sellerPercent, buyerPercent}
	return fmt.Sprintf("tx_%s_split", escrowID), nil
}

func (m *mockLedger) settleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleCalls
}

// recordingDispatcher captures emitted webhook events and their payloads.
type recordingDispatcher struct {
	mu       sync.Mutex
	events   []string
	payloads []map[string]any
}

func (d *recordingDispatcher) Dispatch(event string, data map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	d.payloads = append(d.payloads, data)
}

// last returns the payload of the most recent dispatch of event, or nil.
func (d *recordingDispatcher) last(event string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.events) - 1; i >= 0; i-- {
		if d.events[i] == event {
			return d.payloads[i]
		}
	}
	return nil
}

func (d *recordingDispatcher) count(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestService() (*Service, *MemoryStore, *mockLedger, *recordingDispatcher) {
	store := NewMemoryStore()
	ledger := newMockLedger()
	dispatcher := &recordingDispatcher{}
	svc := NewService(store, store, store, ledger).WithDispatcher(dispatcher)
	return svc, store, ledger, dispatcher
}

func createInput(parties ...PartyInput) CreateInput {
	return CreateInput{
		Title:     "website build",
		Amount:    decimal.NewFromInt(500),
		Asset:     "USDC",
		CreatorID: "buyer1",
		Parties:   parties,
		Conditions: []string{
			"homepage delivered",
			"contact form works",
		},
	}
}

func standardParties() []PartyInput {
	return []PartyInput{
		{UserID: "buyer1", Role: RoleBuyer},
		{UserID: "seller1", Role: RoleSeller},
		{UserID: "arb1", Role: RoleArbitrator},
	}
}

func mustCreateActive(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), createInput(standardParties()...))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e, err = svc.Activate(context.Background(), e.ID, "buyer1")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return e
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing title", func(in *CreateInput) { in.Title = "" }},
		{"zero amount", func(in *CreateInput) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *CreateInput) { in.Amount = decimal.NewFromInt(-5) }},
		{"no parties", func(in *CreateInput) { in.Parties = nil }},
		{"unknown role", func(in *CreateInput) { in.Parties[0].Role = "observer" }},
		{"past expiry", func(in *CreateInput) {
			past := time.Now().Add(-time.Hour)
			in.ExpiresAt = &past
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := createInput(standardParties()...)
			tt.mutate(&in)
			if _, err := svc.Create(ctx, in); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestCreate_StartsPending(t *testing.T) {
	svc, _, _, dispatcher := newTestService()

	e, err := svc.Create(context.Background(), createInput(standardParties()...))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("expected status pending, got %s", e.Status)
	}
	if len(e.Conditions) != 2 {
		t.Errorf("expected 2 conditions, got %d", len(e.Conditions))
	}
	if !e.IsActive {
		t.Error("expected new escrow to be active")
	}
	if dispatcher.count("escrow.created") != 1 {
		t.Error("expected escrow.created webhook")
	}

	events, err := svc.ListEvents(context.Background(), e.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventCreated {
		t.Errorf("expected single created event, got %+v", events)
	}
}

func TestActivate(t *testing.T) {
	svc, _, _, dispatcher := newTestService()
	ctx := context.Background()

	e, err := svc.Create(ctx, createInput(standardParties()...))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Seller cannot activate
	if _, err := svc.Activate(ctx, e.ID, "seller1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for seller, got %v", err)
	}

	e, err = svc.Activate(ctx, e.ID, "buyer1")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if e.Status != StatusActive {
		t.Errorf("expected status active, got %s", e.Status)
	}
	if dispatcher.count("escrow.funded") != 1 {
		t.Error("expected escrow.funded webhook")
	}

	// Activating twice is an invalid transition
	if _, err := svc.Activate(ctx, e.ID, "buyer1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on double activate, got %v", err)
	}
}

func TestUpdate_OnlyPendingAndCreator(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	e, err := svc.Create(ctx, createInput(standardParties()...))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	newTitle := "website build v2"
	if _, err := svc.Update(ctx, e.ID, "seller1", UpdateInput{Title: &newTitle}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-creator, got %v", err)
	}

	updated, err := svc.Update(ctx, e.ID, "buyer1", UpdateInput{Title: &newTitle})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Title != newTitle {
		t.Errorf("expected title updated, got %q", updated.Title)
	}

	if _, err := svc.Activate(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if _, err := svc.Update(ctx, e.ID, "buyer1", UpdateInput{Title: &newTitle}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for active escrow, got %v", err)
	}
}

func TestCancel_Authorization(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	// Pending: only creator
	e, _ := svc.Create(ctx, createInput(standardParties()...))
	if _, err := svc.Cancel(ctx, e.ID, "seller1", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	cancelled, err := svc.Cancel(ctx, e.ID, "buyer1", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.IsActive {
		t.Errorf("expected cancelled inactive escrow, got %s active=%v", cancelled.Status, cancelled.IsActive)
	}

	// Cancelling a terminal escrow fails
	if _, err := svc.Cancel(ctx, e.ID, "buyer1", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for terminal escrow, got %v", err)
	}

	// Active: arbitrator allowed, seller not
	e2 := mustCreateActive(t, svc)
	if _, err := svc.Cancel(ctx, e2.ID, "seller1", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for seller on active, got %v", err)
	}
	if _, err := svc.Cancel(ctx, e2.ID, "arb1", "fraud"); err != nil {
		t.Errorf("arbitrator cancel failed: %v", err)
	}
}

func TestRelease_ManualRequiresCreator(t *testing.T) {
	svc, _, ledger, _ := newTestService()
	ctx := context.Background()
	e := mustCreateActive(t, svc)

	if _, err := svc.Release(ctx, e.ID, "seller1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-creator, got %v", err)
	}
	if ledger.settleCount() != 0 {
		t.Error("ledger must not be called on authorization failure")
	}

	released, err := svc.Release(ctx, e.ID, "buyer1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusCompleted || !released.IsReleased {
		t.Errorf("expected completed released escrow, got %s released=%v", released.Status, released.IsReleased)
	}
	if released.ReleaseTransactionHash == "" {
		t.Error("expected transaction hash to be recorded")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	svc, _, ledger, dispatcher := newTestService()
	ctx := context.Background()
	e := mustCreateActive(t, svc)

	if _, err := svc.Release(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if _, err := svc.Release(ctx, e.ID, "buyer1"); err != nil {
		t.Fatalf("second Release should be a no-op, got %v", err)
	}

	if got := ledger.settleCount(); got != 1 {
		t.Errorf("expected exactly 1 settlement, got %d", got)
	}
	if got := dispatcher.count("escrow.released"); got != 1 {
		t.Errorf("expected exactly 1 escrow.released event, got %d", got)
	}
}

func TestRelease_PendingRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	e, _ := svc.Create(ctx, createInput(standardParties()...))
	if _, err := svc.Release(ctx, e.ID, "buyer1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for pending escrow, got %v", err)
	}
}

func TestRelease_LedgerRetry(t *testing.T) {
	svc, _, ledger, _ := newTestService()
	ctx := context.Background()
	e := mustCreateActive(t, svc)

	// Two transient failures, third attempt succeeds.
	ledger.failures = 2

	released, err := svc.Release(ctx, e.ID, "buyer1")
	if err != nil {
		t.Fatalf("Release should succeed after retries: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", released.Status)
	}
	if got := ledger.settleCount(); got != 3 {
		t.Errorf("expected 3 settle attempts, got %d", got)
	}
}

func TestRelease_LedgerExhaustedLeavesActive(t *testing.T) {
	svc, store, ledger, _ := newTestService()
	ctx := context.Background()
	e := mustCreateActive(t, svc)

	ledger.failures = 10

	_, err := svc.Release(ctx, e.ID, "buyer1")
	var lerr *LedgerError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LedgerError, got %v", err)
	}
	if got := ledger.settleCount(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}

	// Escrow must stay active so the release can be retried.
	fresh, _ := store.Get(ctx, e.ID)
	if fresh.Status != StatusActive || fresh.IsReleased {
		t.Errorf("expected escrow to remain active, got %s released=%v", fresh.Status, fresh.IsReleased)
	}
}

func TestListByUser(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	e1, _ := svc.Create(ctx, createInput(standardParties()...))
	if _, err := svc.Activate(ctx, e1.ID, "buyer1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	_, _ = svc.Create(ctx, createInput(standardParties()...))

	all, err := svc.ListByUser(ctx, "seller1", "", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 escrows for seller, got %d", len(all))
	}

	active, err := svc.ListByUser(ctx, "seller1", StatusActive, 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected 1 active escrow, got %d", len(active))
	}

	none, err := svc.ListByUser(ctx, "stranger", "", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no escrows for stranger, got %d", len(none))
	}
}
