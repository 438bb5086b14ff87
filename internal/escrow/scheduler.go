package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultExpiryInterval  = 1 * time.Hour
	defaultWarningInterval = 24 * time.Hour
	warningLeadTime        = 24 * time.Hour
	sweepBatchSize         = 100
)

// Scheduler runs the expiry sweeps: an hourly pass over expired escrows
// and a daily pass warning parties about upcoming expirations.
type Scheduler struct {
	service         *Service
	expiryInterval  time.Duration
	warningInterval time.Duration
	logger          *slog.Logger
	stop            chan struct{}
}

// NewScheduler creates the expiry scheduler with default intervals.
func NewScheduler(service *Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:         service,
		expiryInterval:  defaultExpiryInterval,
		warningInterval: defaultWarningInterval,
		logger:          logger,
		stop:            make(chan struct{}),
	}
}

// WithIntervals overrides the sweep intervals.
func (sc *Scheduler) WithIntervals(expiry, warning time.Duration) *Scheduler {
	if expiry > 0 {
		sc.expiryInterval = expiry
	}
	if warning > 0 {
		sc.warningInterval = warning
	}
	return sc
}

// Start runs both sweep loops until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (sc *Scheduler) Start(ctx context.Context) {
	expiry := time.NewTicker(sc.expiryInterval)
	defer expiry.Stop()
	warning := time.NewTicker(sc.warningInterval)
	defer warning.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stop:
			return
		case <-expiry.C:
			sc.service.SweepExpired(ctx)
		case <-warning.C:
			sc.service.SweepExpiring(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (sc *Scheduler) Stop() {
	select {
	case sc.stop <- struct{}{}:
	default:
	}
}

func (s *Service) expired(e *Escrow) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(s.now())
}

// SweepExpired processes every escrow past its expiration: pending escrows
// are auto-cancelled, active escrows are escalated to dispute. A failure
// on one escrow is logged and the sweep continues.
func (s *Service) SweepExpired(ctx context.Context) (cancelled, escalated int) {
	now := s.now()

	pending, err := s.store.ListExpired(ctx, StatusPending, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("expiry sweep: failed to list expired pending escrows", "error", err)
	}
	for _, e := range pending {
		if err := s.withLock(ctx, e.ID, func(e *Escrow) error { return s.expirePendingLocked(ctx, e) }); err != nil {
			sweepFailuresTotal.Inc()
			s.logger.Error("expiry sweep: failed to cancel expired escrow", "escrowId", e.ID, "error", err)
			continue
		}
		cancelled++
	}

	active, err := s.store.ListExpired(ctx, StatusActive, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("expiry sweep: failed to list expired active escrows", "error", err)
	}
	for _, e := range active {
		if err := s.withLock(ctx, e.ID, func(e *Escrow) error { return s.escalateExpiredLocked(ctx, e) }); err != nil {
			sweepFailuresTotal.Inc()
			s.logger.Error("expiry sweep: failed to escalate expired escrow", "escrowId", e.ID, "error", err)
			continue
		}
		escalated++
	}

	if cancelled > 0 || escalated > 0 {
		s.logger.Info("expiry sweep complete", "cancelled", cancelled, "escalated", escalated)
	}
	return cancelled, escalated
}

// withLock re-fetches the escrow under its lock and runs fn on the fresh
// copy. Sweep listings run without the lock, so the state may have moved.
func (s *Service) withLock(ctx context.Context, escrowID string, fn func(*Escrow) error) error {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	return fn(e)
}

// expirePendingLocked auto-cancels an expired pending escrow. Caller holds
// the escrow lock.
func (s *Service) expirePendingLocked(ctx context.Context, e *Escrow) error {
	if e.Status != StatusPending || !s.expired(e) {
		return nil
	}
	if err := transition(e, StatusCancelled); err != nil {
		return err
	}
	e.IsActive = false
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}

	expirationsTotal.WithLabelValues("auto_cancelled").Inc()
	s.logEvent(ctx, e.ID, EventAutoCancelled, "", map[string]any{"reason": "EXPIRED_PENDING"})
	s.dispatcher.Dispatch("escrow.cancelled", map[string]any{
		"escrowId": e.ID,
		"reason":   "EXPIRED_PENDING",
	})
	return nil
}

// escalateExpiredLocked moves an expired active escrow into dispute. Only
// the status changes: no dispute record is created, so either party can
// still file one with their account of the disagreement. Caller holds the
// escrow lock.
func (s *Service) escalateExpiredLocked(ctx context.Context, e *Escrow) error {
	if e.Status != StatusActive || !s.expired(e) {
		return nil
	}
	if err := transition(e, StatusDisputed); err != nil {
		return err
	}
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}

	expirationsTotal.WithLabelValues("auto_escalated").Inc()
	s.logEvent(ctx, e.ID, EventAutoEscalatedToDispute, "", map[string]any{"reason": "EXPIRED_ACTIVE"})
	s.dispatcher.Dispatch("escrow.disputed", map[string]any{
		"escrowId": e.ID,
		"reason":   "EXPIRED_ACTIVE",
	})
	return nil
}

// SweepExpiring warns about escrows expiring within the lead time. Each
// escrow is warned at most once; the notification timestamp makes the
// sweep idempotent.
func (s *Service) SweepExpiring(ctx context.Context) int {
	cutoff := s.now().Add(warningLeadTime)
	expiring, err := s.store.ListExpiringSoon(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("warning sweep: failed to list expiring escrows", "error", err)
		return 0
	}

	warned := 0
	for _, e := range expiring {
		if err := s.withLock(ctx, e.ID, func(e *Escrow) error { return s.warnExpiringLocked(ctx, e) }); err != nil {
			sweepFailuresTotal.Inc()
			s.logger.Error("warning sweep: failed to notify", "escrowId", e.ID, "error", err)
			continue
		}
		warned++
	}
	if warned > 0 {
		s.logger.Info("warning sweep complete", "warned", warned)
	}
	return warned
}

func (s *Service) warnExpiringLocked(ctx context.Context, e *Escrow) error {
	// Only live escrows still heading toward their deadline are warned;
	// disputed escrows are already in the arbitrator's hands.
	if e.Status != StatusPending && e.Status != StatusActive {
		return nil
	}
	if e.ExpiresAt == nil || e.ExpirationNotifiedAt != nil {
		return nil
	}

	now := s.now()
	hoursLeft := int(e.ExpiresAt.Sub(now).Hours())
	e.ExpirationNotifiedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}

	s.logEvent(ctx, e.ID, EventExpirationWarningSent, "", map[string]any{
		"expiresAt":        e.ExpiresAt.Format(time.RFC3339),
		"hoursUntilExpiry": hoursLeft,
	})
	s.dispatcher.Dispatch("escrow.expiring_soon", map[string]any{
		"escrowId":         e.ID,
		"expiresAt":        e.ExpiresAt.Format(time.RFC3339),
		"hoursUntilExpiry": hoursLeft,
	})
	return nil
}

// ProcessEscrow applies expiry handling to a single escrow on demand, for
// support tooling. The escrow must actually be expired; terminal and
// disputed escrows are left alone.
func (s *Service) ProcessEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: escrow has no expiration", ErrInvalidState)
	}
	if !s.expired(e) {
		return nil, fmt.Errorf("%w: expires at %s", ErrNotExpired, e.ExpiresAt.Format(time.RFC3339))
	}

	switch e.Status {
	case StatusPending:
		if err := s.expirePendingLocked(ctx, e); err != nil {
			return nil, err
		}
	case StatusActive:
		if err := s.escalateExpiredLocked(ctx, e); err != nil {
			return nil, err
		}
	default:
		// Terminal or already disputed. Nothing to do.
		s.logger.Info("manual expiry processing skipped", "escrowId", e.ID, "status", e.Status)
	}
	return e, nil
}
