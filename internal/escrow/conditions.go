package escrow

import (
	"context"
	"fmt"
)

// FulfillInput carries the seller's attestation details.
type FulfillInput struct {
	Notes    string `json:"notes"`
	Evidence string `json:"evidence"`
}

// FulfillCondition records the seller's attestation that a condition has
// been satisfied. Fulfilling an already-fulfilled condition is a no-op.
func (s *Service) FulfillCondition(ctx context.Context, escrowID, conditionID, userID string, in FulfillInput) (*Condition, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, fmt.Errorf("%w: conditions can only be fulfilled on active escrows", ErrInvalidState)
	}
	if !e.HasRole(userID, RoleSeller) {
		return nil, fmt.Errorf("%w: only the seller can fulfill a condition", ErrForbidden)
	}

	c := e.ConditionByID(conditionID)
	if c == nil {
		return nil, ErrConditionNotFound
	}
	if c.IsFulfilled {
		return c, nil
	}

	now := s.now()
	c.IsFulfilled = true
	c.FulfilledAt = &now
	c.FulfilledByUserID = userID
	c.FulfillmentNotes = in.Notes
	c.FulfillmentEvidence = in.Evidence
	c.UpdatedAt = now
	if err := s.store.UpdateCondition(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update condition: %w", err)
	}

	operationsTotal.WithLabelValues("fulfill_condition").Inc()
	s.logEvent(ctx, e.ID, EventConditionFulfilled, userID, map[string]any{
		"conditionId": c.ID,
		"description": c.Description,
	})
	s.dispatcher.Dispatch("escrow.condition_fulfilled", map[string]any{
		"escrowId":    e.ID,
		"conditionId": c.ID,
	})
	return c, nil
}

// ConfirmCondition records the buyer's confirmation of a fulfilled
// condition. When the confirmation completes the set, the escrow
// auto-releases. The check-then-release runs under the escrow lock, so two
// concurrent confirmations of the last conditions settle exactly once.
func (s *Service) ConfirmCondition(ctx context.Context, escrowID, conditionID, userID string) (*Condition, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, fmt.Errorf("%w: conditions can only be confirmed on active escrows", ErrInvalidState)
	}
	if !e.HasRole(userID, RoleBuyer) {
		return nil, fmt.Errorf("%w: only the buyer can confirm a condition", ErrForbidden)
	}

	c := e.ConditionByID(conditionID)
	if c == nil {
		return nil, ErrConditionNotFound
	}
	if !c.IsFulfilled {
		return nil, fmt.Errorf("%w: condition must be fulfilled by the seller before confirmation", ErrInvalidState)
	}
	if c.IsMet {
		return c, nil
	}

	now := s.now()
	c.IsMet = true
	c.MetAt = &now
	c.MetByUserID = userID
	c.UpdatedAt = now
	if err := s.store.UpdateCondition(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update condition: %w", err)
	}

	operationsTotal.WithLabelValues("confirm_condition").Inc()
	s.logEvent(ctx, e.ID, EventConditionMet, userID, map[string]any{
		"conditionId": c.ID,
		"description": c.Description,
	})
	s.dispatcher.Dispatch("escrow.condition_met", map[string]any{
		"escrowId":    e.ID,
		"conditionId": c.ID,
	})

	if e.AllConditionsMet() {
		if err := s.releaseLocked(ctx, e, userID, false); err != nil {
			// The confirmation stands even when settlement fails; the
			// creator can retry with a manual release.
			s.logger.Error("auto-release failed", "escrowId", e.ID, "error", err)
			return c, err
		}
	}
	return c, nil
}
