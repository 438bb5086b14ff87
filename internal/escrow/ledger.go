package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultix/vaultix/internal/circuitbreaker"
	"github.com/vaultix/vaultix/internal/idgen"
	"github.com/vaultix/vaultix/internal/retry"
)

// LedgerService is the external settlement boundary. Release hands the escrow
// to the ledger and records the transaction reference it returns. Dispute
// settlement uses SettleSplit with the arbitrated percentages.
type LedgerService interface {
	// Settle releases the full escrow amount to the seller and returns a
	// transaction reference.
	Settle(ctx context.Context, escrowID string, amount decimal.Decimal, asset string) (string, error)

	// SettleSplit distributes the amount between seller and buyer per the
	// arbitrated percentages (summing to 100) and returns a transaction
	// reference.
	SettleSplit(ctx context.Context, escrowID string, amount decimal.Decimal, asset string, sellerPercent, buyerPercent int) (string, error)
}

// LedgerError reports a settlement failure. Transient by default; wrap with
// retry.Permanent when the ledger rejects the operation outright.
type LedgerError struct {
	EscrowID string
	Op       string
	Err      error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed for escrow %s: %v", e.Op, e.EscrowID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// SimulatedLedger is an in-process ledger for development and tests. It
// fabricates transaction references and keeps a record of settlements.
type SimulatedLedger struct {
	mu      sync.Mutex
	settled map[string]string // escrow id -> tx ref

	// FailNext forces the next call to fail, for exercising retry paths.
	FailNext int
}

// NewSimulatedLedger returns an empty simulated ledger.
func NewSimulatedLedger() *SimulatedLedger {
	return &SimulatedLedger{settled: make(map[string]string)}
}

func (l *SimulatedLedger) Settle(ctx context.Context, escrowID string, amount decimal.Decimal, asset string) (string, error) {
	return l.record(escrowID, "settle")
}

func (l *SimulatedLedger) SettleSplit(ctx context.Context, escrowID string, amount decimal.Decimal, asset string, sellerPercent, buyerPercent int) (string, error) {
	return l.record(escrowID, "settle_split")
}

func (l *SimulatedLedger) record(escrowID, op string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailNext > 0 {
		l.FailNext--
		return "", &LedgerError{EscrowID: escrowID, Op: op, Err: fmt.Errorf("simulated failure")}
	}
	tx := "tx_" + idgen.Hex(16)
	l.settled[escrowID] = tx
	return tx, nil
}

// SettledTx returns the recorded transaction reference for an escrow.
func (l *SimulatedLedger) SettledTx(escrowID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.settled[escrowID]
	return tx, ok
}

// SettleCount reports how many escrows have been settled.
func (l *SimulatedLedger) SettleCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.settled)
}

// ErrLedgerUnavailable is returned when the ledger circuit is open.
var ErrLedgerUnavailable = errors.New("ledger temporarily unavailable")

const breakerKey = "ledger"

// BreakerLedger guards a LedgerService with a circuit breaker. While the
// circuit is open, calls fail immediately with a permanent error so the
// settlement retry loop does not spin against a ledger that is down.
type BreakerLedger struct {
	inner LedgerService
	cb    *circuitbreaker.Breaker
}

// NewBreakerLedger wraps inner with a circuit that opens after 5
// consecutive failures and probes again after 30 seconds.
func NewBreakerLedger(inner LedgerService) *BreakerLedger {
	return &BreakerLedger{
		inner: inner,
		cb:    circuitbreaker.New(5, 30*time.Second),
	}
}

func (l *BreakerLedger) Settle(ctx context.Context, escrowID string, amount decimal.Decimal, asset string) (string, error) {
	return l.guarded(escrowID, "settle", func() (string, error) {
		return l.inner.Settle(ctx, escrowID, amount, asset)
	})
}

func (l *BreakerLedger) SettleSplit(ctx context.Context, escrowID string, amount decimal.Decimal, asset string, sellerPercent, buyerPercent int) (string, error) {
	return l.guarded(escrowID, "settle_split", func() (string, error) {
		return l.inner.SettleSplit(ctx, escrowID, amount, asset, sellerPercent, buyerPercent)
	})
}

func (l *BreakerLedger) guarded(escrowID, op string, fn func() (string, error)) (string, error) {
	if !l.cb.Allow(breakerKey) {
		return "", retry.Permanent(&LedgerError{EscrowID: escrowID, Op: op, Err: ErrLedgerUnavailable})
	}
	tx, err := fn()
	if err != nil {
		l.cb.RecordFailure(breakerKey)
		return "", err
	}
	l.cb.RecordSuccess(breakerKey)
	return tx, nil
}
