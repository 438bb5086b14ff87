package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaultix/vaultix/internal/idgen"
	"github.com/vaultix/vaultix/internal/retry"
	"github.com/vaultix/vaultix/internal/traces"
	"github.com/vaultix/vaultix/internal/validation"
)

// FileDisputeInput carries the dispute complaint.
type FileDisputeInput struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

// FileDispute opens a dispute on an active escrow. Only the buyer or the
// seller may file; arbitrators judge disputes, they do not raise them. An
// escrow that was auto-escalated by the expiry sweep sits in disputed
// status without a dispute record; filing against it attaches the record
// without a second status change.
func (s *Service) FileDispute(ctx context.Context, escrowID, userID string, in FileDisputeInput) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.file_dispute", traces.EscrowID(escrowID))
	defer span.End()

	if in.Reason == "" {
		return nil, validation.ValidationErrors{{Field: "reason", Message: "is required"}}
	}

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive && e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: disputes can only be filed on active escrows", ErrInvalidState)
	}
	if !e.HasRole(userID, RoleBuyer) && !e.HasRole(userID, RoleSeller) {
		return nil, fmt.Errorf("%w: only the buyer or seller can file a dispute", ErrForbidden)
	}

	existing, err := s.disputes.GetDisputeByEscrow(ctx, escrowID)
	if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDisputeExists
	}

	now := s.now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		EscrowID:      escrowID,
		FiledByUserID: userID,
		Reason:        in.Reason,
		Evidence:      in.Evidence,
		Status:        DisputeOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.disputes.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	if e.Status == StatusActive {
		if err := transition(e, StatusDisputed); err != nil {
			return nil, err
		}
		e.UpdatedAt = now
		if err := s.store.Update(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to mark escrow disputed: %w", err)
		}
	}

	operationsTotal.WithLabelValues("file_dispute").Inc()
	disputesFiledTotal.Inc()
	s.logEvent(ctx, escrowID, EventDisputeFiled, userID, map[string]any{
		"disputeId": d.ID,
		"reason":    in.Reason,
	})
	s.dispatcher.Dispatch("escrow.disputed", map[string]any{
		"escrowId":  escrowID,
		"disputeId": d.ID,
		"reason":    in.Reason,
	})
	s.logger.Info("dispute filed", "escrowId", escrowID, "disputeId", d.ID, "by", userID)
	return d, nil
}

// GetDispute returns the dispute attached to an escrow.
func (s *Service) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	if _, err := s.store.Get(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.disputes.GetDisputeByEscrow(ctx, escrowID)
}

// ResolveInput is the arbitrator's ruling.
type ResolveInput struct {
	Outcome       DisputeOutcome `json:"outcome"`
	SellerPercent *int           `json:"sellerPercent"`
	BuyerPercent  *int           `json:"buyerPercent"`
	Notes         string         `json:"notes"`
}

// ResolveDispute records the arbitrator's ruling and closes the escrow.
// A refund to the buyer cancels the escrow; a release to the seller or a
// split settlement completes it. Split rulings require seller and buyer
// percentages summing to exactly 100.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, userID string, in ResolveInput) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute", traces.EscrowID(escrowID))
	defer span.End()

	switch in.Outcome {
	case OutcomeReleasedToSeller, OutcomeRefundedToBuyer, OutcomeSplit:
	default:
		return nil, validation.ValidationErrors{{Field: "outcome", Message: fmt.Sprintf("unknown outcome %q", in.Outcome)}}
	}

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: only disputed escrows can be resolved", ErrInvalidState)
	}
	if !e.HasRole(userID, RoleArbitrator) {
		return nil, fmt.Errorf("%w: only an arbitrator can resolve a dispute", ErrForbidden)
	}

	d, err := s.disputes.GetDisputeByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeResolved {
		return nil, ErrDisputeResolved
	}

	if in.Outcome == OutcomeSplit {
		if in.SellerPercent == nil || in.BuyerPercent == nil {
			return nil, fmt.Errorf("%w: split requires sellerPercent and buyerPercent", ErrInvalidSplit)
		}
		sp, bp := *in.SellerPercent, *in.BuyerPercent
		if sp < 0 || bp < 0 || sp+bp != 100 {
			return nil, fmt.Errorf("%w: got %d + %d", ErrInvalidSplit, sp, bp)
		}
	}

	// Settle before recording the resolution so a ledger failure leaves
	// the dispute open for a retry.
	var txHash string
	if in.Outcome != OutcomeRefundedToBuyer {
		err := retry.Do(ctx, settleAttempts, settleBaseDelay, func() error {
			var tx string
			var err error
			if in.Outcome == OutcomeSplit {
				tx, err = s.ledger.SettleSplit(ctx, e.ID, e.Amount, e.Asset, *in.SellerPercent, *in.BuyerPercent)
			} else {
				tx, err = s.ledger.Settle(ctx, e.ID, e.Amount, e.Asset)
			}
			if err != nil {
				ledgerRetriesTotal.Inc()
				return err
			}
			txHash = tx
			return nil
		})
		if err != nil {
			s.logger.Error("dispute settlement failed", "escrowId", e.ID, "error", err)
			return nil, err
		}
	}

	now := s.now()
	d.Status = DisputeResolved
	d.Outcome = in.Outcome
	d.SellerPercent = in.SellerPercent
	d.BuyerPercent = in.BuyerPercent
	d.ResolvedByUserID = userID
	d.ResolutionNotes = in.Notes
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.disputes.UpdateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to update dispute: %w", err)
	}

	final := StatusCompleted
	if in.Outcome == OutcomeRefundedToBuyer {
		final = StatusCancelled
	}
	if err := transition(e, final); err != nil {
		return nil, err
	}
	e.IsActive = false
	if final == StatusCompleted {
		e.IsReleased = true
		e.ReleaseTransactionHash = txHash
	}
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to close escrow after resolution: %w", err)
	}

	operationsTotal.WithLabelValues("resolve_dispute").Inc()
	disputesResolvedTotal.WithLabelValues(string(in.Outcome)).Inc()
	s.logEvent(ctx, escrowID, EventDisputeResolved, userID, map[string]any{
		"disputeId": d.ID,
		"outcome":   string(in.Outcome),
	})
	s.dispatcher.Dispatch("escrow.dispute_resolved", map[string]any{
		"escrowId":  escrowID,
		"disputeId": d.ID,
		"outcome":   string(in.Outcome),
	})
	s.logger.Info("dispute resolved", "escrowId", escrowID, "outcome", in.Outcome, "by", userID)
	return d, nil
}
