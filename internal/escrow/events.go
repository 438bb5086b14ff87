package escrow

import (
	"context"
	"time"

	"github.com/vaultix/vaultix/internal/idgen"
)

// EventType classifies an audit log entry.
type EventType string

const (
	EventCreated                EventType = "created"
	EventUpdated                EventType = "updated"
	EventFunded                 EventType = "funded"
	EventCancelled              EventType = "cancelled"
	EventCompleted              EventType = "completed"
	EventConditionFulfilled     EventType = "condition_fulfilled"
	EventConditionMet           EventType = "condition_met"
	EventDisputeFiled           EventType = "dispute_filed"
	EventDisputeResolved        EventType = "dispute_resolved"
	EventAutoCancelled          EventType = "auto_cancelled"
	EventAutoEscalatedToDispute EventType = "auto_escalated_to_dispute"
	EventExpirationWarningSent  EventType = "expiration_warning_sent"
)

// Event is an immutable audit entry. The event log is append-only and is
// the authoritative history of an escrow.
type Event struct {
	ID        string         `json:"id"`
	EscrowID  string         `json:"escrowId"`
	EventType EventType      `json:"eventType"`
	ActorID   string         `json:"actorId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EventStore persists the append-only event log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error)
}

// logEvent appends an audit entry. Event log failures are logged but never
// fail the triggering operation; the state change has already been made.
func (s *Service) logEvent(ctx context.Context, escrowID string, eventType EventType, actorID string, data map[string]any) {
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		EscrowID:  escrowID,
		EventType: eventType,
		ActorID:   actorID,
		Data:      data,
		IPAddress: ipFromContext(ctx),
		CreatedAt: s.now(),
	}
	if err := s.events.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to append escrow event",
			"escrowId", escrowID, "eventType", eventType, "error", err)
	}
}

type ipContextKey struct{}

// WithIPAddress records the caller's IP on the context so audit events can
// carry it. The HTTP layer sets this; everything else leaves it empty.
func WithIPAddress(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipContextKey{}, ip)
}

func ipFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ipContextKey{}).(string); ok {
		return ip
	}
	return ""
}

// ListEvents returns the audit trail for an escrow, newest first.
func (s *Service) ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := s.store.Get(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, escrowID, limit)
}
