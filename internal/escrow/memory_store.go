package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode and
// tests. All accessors return deep copies so callers never share mutable
// state with the store.
type MemoryStore struct {
	escrows  map[string]*Escrow  // by ID
	disputes map[string]*Dispute // by escrow ID
	events   map[string][]*Event // by escrow ID, append order
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		disputes: make(map[string]*Dispute),
		events:   make(map[string][]*Event),
	}
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.Parties = append([]Party(nil), e.Parties...)
	cp.Conditions = make([]*Condition, len(e.Conditions))
	for i, c := range e.Conditions {
		cc := *c
		cp.Conditions[i] = &cc
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) UpdateCondition(ctx context.Context, c *Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[c.EscrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	for i, existing := range e.Conditions {
		if existing.ID == c.ID {
			cc := *c
			e.Conditions[i] = &cc
			return nil
		}
	}
	return ErrConditionNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if status != "" && e.Status != status {
			continue
		}
		if e.CreatorID != userID && e.PartyByUser(userID) == nil {
			continue
		}
		result = append(result, copyEscrow(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != status || e.ExpiresAt == nil || e.ExpiresAt.After(before) {
			continue
		}
		result = append(result, copyEscrow(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiringSoon(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusPending && e.Status != StatusActive {
			continue
		}
		if e.ExpiresAt == nil || e.ExpiresAt.After(before) {
			continue
		}
		if e.ExpirationNotifiedAt != nil {
			continue
		}
		result = append(result, copyEscrow(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.EscrowID]; ok {
		return ErrDisputeExists
	}
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	m.disputes[d.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	return &cp, nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.EscrowID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	m.disputes[d.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events[ev.EscrowID] = append(m.events[ev.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[escrowID]
	result := make([]*Event, 0, len(evs))
	// Newest first.
	for i := len(evs) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *evs[i]
		result = append(result, &cp)
	}
	return result, nil
}
