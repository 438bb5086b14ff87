package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultix/vaultix/internal/idgen"
	"github.com/vaultix/vaultix/internal/retry"
	"github.com/vaultix/vaultix/internal/syncutil"
	"github.com/vaultix/vaultix/internal/traces"
	"github.com/vaultix/vaultix/internal/validation"
)

const (
	settleAttempts  = 3
	settleBaseDelay = 500 * time.Millisecond
)

// Service is the escrow workflow engine. Every state-changing operation
// runs under a per-escrow lock so that concurrent calls against the same
// escrow serialize; operations on different escrows proceed in parallel.
type Service struct {
	store      Store
	disputes   DisputeStore
	events     EventStore
	ledger     LedgerService
	dispatcher Dispatcher
	logger     *slog.Logger
	locks      syncutil.ShardedMutex
	now        func() time.Time
}

// NewService creates the workflow engine. Dispatcher defaults to a no-op;
// wire the webhook emitter with WithDispatcher.
func NewService(store Store, disputes DisputeStore, events EventStore, ledger LedgerService) *Service {
	return &Service{
		store:      store,
		disputes:   disputes,
		events:     events,
		ledger:     ledger,
		dispatcher: noopDispatcher{},
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithDispatcher wires webhook fan-out for lifecycle events.
func (s *Service) WithDispatcher(d Dispatcher) *Service {
	s.dispatcher = d
	return s
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PartyInput names a user and their role for escrow creation.
type PartyInput struct {
	UserID string    `json:"userId"`
	Role   PartyRole `json:"role"`
}

// CreateInput holds the fields for opening a new escrow.
type CreateInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       string          `json:"asset"`
	CreatorID   string          `json:"-"`
	ExpiresAt   *time.Time      `json:"expiresAt"`
	Parties     []PartyInput    `json:"parties"`
	Conditions  []string        `json:"conditions"`
}

func (s *Service) validateCreate(in CreateInput) error {
	errs := validation.Validate(
		validation.Required("title", in.Title),
		validation.Required("asset", in.Asset),
		validation.MaxLength("title", in.Title, 200),
		validation.MaxLength("description", in.Description, validation.MaxStringLength),
	)
	if !in.Amount.IsPositive() {
		errs = append(errs, validation.ValidationError{Field: "amount", Message: "must be greater than zero"})
	}
	if len(in.Parties) == 0 {
		errs = append(errs, validation.ValidationError{Field: "parties", Message: "at least one party is required"})
	}
	for _, p := range in.Parties {
		if p.UserID == "" {
			errs = append(errs, validation.ValidationError{Field: "parties", Message: "party userId is required"})
		}
		if !ValidRole(p.Role) {
			errs = append(errs, validation.ValidationError{Field: "parties", Message: fmt.Sprintf("unknown role %q", p.Role)})
		}
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		errs = append(errs, validation.ValidationError{Field: "expiresAt", Message: "must be in the future"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Create opens a new escrow in pending status with its parties and
// release conditions.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create")
	defer span.End()

	if err := s.validateCreate(in); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		Title:       in.Title,
		Description: in.Description,
		Amount:      in.Amount,
		Asset:       in.Asset,
		Status:      StatusPending,
		CreatorID:   in.CreatorID,
		ExpiresAt:   in.ExpiresAt,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, p := range in.Parties {
		e.Parties = append(e.Parties, Party{
			ID:        idgen.WithPrefix("pty_"),
			EscrowID:  e.ID,
			UserID:    p.UserID,
			Role:      p.Role,
			CreatedAt: now,
		})
	}
	for _, desc := range in.Conditions {
		e.Conditions = append(e.Conditions, &Condition{
			ID:          idgen.WithPrefix("cond_"),
			EscrowID:    e.ID,
			Description: desc,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	operationsTotal.WithLabelValues("create").Inc()
	s.logEvent(ctx, e.ID, EventCreated, in.CreatorID, map[string]any{
		"title":  e.Title,
		"amount": e.Amount.String(),
		"asset":  e.Asset,
	})
	s.dispatcher.Dispatch("escrow.created", map[string]any{
		"escrowId": e.ID,
		"status":   e.Status,
		"amount":   e.Amount.String(),
		"asset":    e.Asset,
	})
	s.logger.Info("escrow created", "escrowId", e.ID, "creator", in.CreatorID, "amount", e.Amount.String())
	return e, nil
}

// Get returns an escrow with its parties and conditions.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows the user participates in, optionally filtered
// by status.
func (s *Service) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, status, limit)
}

// UpdateInput holds the mutable escrow fields. Nil pointers leave the
// field unchanged.
type UpdateInput struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// Update edits escrow terms. Only the creator may update, and only while
// the escrow is still pending; once funded the terms are locked.
func (s *Service) Update(ctx context.Context, escrowID, userID string, in UpdateInput) (*Escrow, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.CreatorID != userID {
		return nil, fmt.Errorf("%w: only the creator can update an escrow", ErrForbidden)
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: only pending escrows can be updated", ErrInvalidState)
	}

	changed := map[string]any{}
	if in.Title != nil {
		if *in.Title == "" {
			return nil, validation.ValidationErrors{{Field: "title", Message: "is required"}}
		}
		e.Title = *in.Title
		changed["title"] = *in.Title
	}
	if in.Description != nil {
		e.Description = *in.Description
		changed["description"] = *in.Description
	}
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(s.now()) {
			return nil, validation.ValidationErrors{{Field: "expiresAt", Message: "must be in the future"}}
		}
		e.ExpiresAt = in.ExpiresAt
		changed["expiresAt"] = in.ExpiresAt.Format(time.RFC3339)
	}
	if len(changed) == 0 {
		return e, nil
	}

	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	operationsTotal.WithLabelValues("update").Inc()
	s.logEvent(ctx, e.ID, EventUpdated, userID, changed)
	s.dispatcher.Dispatch("escrow.updated", map[string]any{"escrowId": e.ID})
	return e, nil
}

// Activate acknowledges funding and moves the escrow from pending to
// active. Only the creator or the buyer may activate.
func (s *Service) Activate(ctx context.Context, escrowID, userID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.activate", traces.EscrowID(escrowID))
	defer span.End()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.CreatorID != userID && !e.HasRole(userID, RoleBuyer) {
		return nil, fmt.Errorf("%w: only the creator or buyer can activate an escrow", ErrForbidden)
	}
	if err := transition(e, StatusActive); err != nil {
		return nil, err
	}

	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to activate escrow: %w", err)
	}

	operationsTotal.WithLabelValues("activate").Inc()
	s.logEvent(ctx, e.ID, EventFunded, userID, nil)
	s.dispatcher.Dispatch("escrow.funded", map[string]any{
		"escrowId": e.ID,
		"amount":   e.Amount.String(),
		"asset":    e.Asset,
	})
	s.logger.Info("escrow funded", "escrowId", e.ID)
	return e, nil
}

// Cancel terminates an escrow before completion. Pending escrows can be
// cancelled by their creator; active escrows by the creator or an
// arbitrator. Disputed escrows are only closed through dispute resolution.
func (s *Service) Cancel(ctx context.Context, escrowID, userID, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.cancel", traces.EscrowID(escrowID))
	defer span.End()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	switch e.Status {
	case StatusPending:
		if e.CreatorID != userID {
			return nil, fmt.Errorf("%w: only the creator can cancel a pending escrow", ErrForbidden)
		}
	case StatusActive:
		if e.CreatorID != userID && !e.HasRole(userID, RoleArbitrator) {
			return nil, fmt.Errorf("%w: only the creator or an arbitrator can cancel an active escrow", ErrForbidden)
		}
	}
	if err := transition(e, StatusCancelled); err != nil {
		return nil, err
	}

	e.IsActive = false
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to cancel escrow: %w", err)
	}

	operationsTotal.WithLabelValues("cancel").Inc()
	s.logEvent(ctx, e.ID, EventCancelled, userID, map[string]any{"reason": reason})
	s.dispatcher.Dispatch("escrow.cancelled", map[string]any{
		"escrowId": e.ID,
		"reason":   reason,
	})
	s.logger.Info("escrow cancelled", "escrowId", e.ID, "by", userID)
	return e, nil
}

// Release settles the escrow to the seller and completes it. A release is
// idempotent: releasing an already-completed escrow is a no-op. Manual
// release requires the creator; the automatic path (all conditions
// confirmed) goes through ConfirmCondition.
func (s *Service) Release(ctx context.Context, escrowID, userID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(escrowID))
	defer span.End()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return e, s.releaseLocked(ctx, e, userID, true)
}

// releaseLocked performs the settlement and completion. The caller must
// hold the escrow lock. trigger "manual" enforces the creator check;
// trigger "auto" requires every condition to be confirmed.
func (s *Service) releaseLocked(ctx context.Context, e *Escrow, actorID string, manual bool) error {
	if e.Status == StatusCompleted || e.IsReleased {
		// Already released. Duplicate requests succeed without a second
		// settlement.
		return nil
	}
	if e.Status != StatusActive {
		return fmt.Errorf("%w: only active escrows can be released", ErrInvalidState)
	}
	if manual {
		if e.CreatorID != actorID {
			return fmt.Errorf("%w: only the creator can release an escrow manually", ErrForbidden)
		}
	} else if !e.AllConditionsMet() {
		return fmt.Errorf("%w: cannot auto-release with unmet conditions", ErrInvalidState)
	}

	var txHash string
	err := retry.Do(ctx, settleAttempts, settleBaseDelay, func() error {
		tx, err := s.ledger.Settle(ctx, e.ID, e.Amount, e.Asset)
		if err != nil {
			ledgerRetriesTotal.Inc()
			return err
		}
		txHash = tx
		return nil
	})
	if err != nil {
		s.logger.Error("ledger settlement failed", "escrowId", e.ID, "error", err)
		return err
	}

	if err := transition(e, StatusCompleted); err != nil {
		return err
	}
	e.IsReleased = true
	e.IsActive = false
	e.ReleaseTransactionHash = txHash
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return fmt.Errorf("failed to complete escrow: %w", err)
	}

	trigger := "auto"
	if manual {
		trigger = "manual"
	}
	releasesTotal.WithLabelValues(trigger).Inc()
	s.logEvent(ctx, e.ID, EventCompleted, actorID, map[string]any{
		"transactionHash": txHash,
		"trigger":         trigger,
	})
	s.dispatcher.Dispatch("escrow.released", map[string]any{
		"escrowId":        e.ID,
		"amount":          e.Amount.String(),
		"asset":           e.Asset,
		"transactionHash": txHash,
	})
	s.logger.Info("escrow released", "escrowId", e.ID, "trigger", trigger, "tx", txHash)
	return nil
}
