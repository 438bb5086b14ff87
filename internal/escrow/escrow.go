// Package escrow implements the escrow lifecycle engine.
//
// Flow:
//  1. Creator opens an escrow in pending with parties and release conditions
//  2. Funding is acknowledged → escrow becomes active
//  3. Seller fulfills conditions, buyer confirms them
//  4. All conditions confirmed → funds auto-release and the escrow completes
//  5. Buyer or seller may dispute an active escrow; an arbitrator resolves it
//  6. Expired escrows are cancelled (pending) or escalated to dispute (active)
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrConditionNotFound = errors.New("condition not found")
	ErrDisputeNotFound   = errors.New("no dispute found for this escrow")
	ErrForbidden         = errors.New("not authorized for this escrow operation")
	ErrInvalidState      = errors.New("operation not allowed in current escrow status")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDisputeExists     = errors.New("a dispute has already been filed for this escrow")
	ErrDisputeResolved   = errors.New("this dispute has already been resolved")
	ErrInvalidSplit      = errors.New("sellerPercent and buyerPercent must sum to 100")
)

// ErrNotExpired is returned when expiry processing is requested for an
// escrow whose deadline has not passed. It unwraps to ErrInvalidState.
var ErrNotExpired = fmt.Errorf("%w: escrow has not expired", ErrInvalidState)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting funding
	StatusActive    Status = "active"    // Funded, conditions in progress
	StatusCompleted Status = "completed" // Funds released to seller
	StatusCancelled Status = "cancelled" // Cancelled or refunded to buyer
	StatusDisputed  Status = "disputed"  // Under arbitration
)

// PartyRole identifies a user's role on one escrow.
type PartyRole string

const (
	RoleBuyer      PartyRole = "buyer"
	RoleSeller     PartyRole = "seller"
	RoleArbitrator PartyRole = "arbitrator"
)

// ValidRole reports whether r is one of the three known roles.
func ValidRole(r PartyRole) bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleArbitrator:
		return true
	}
	return false
}

// Escrow is the owning aggregate: it holds its parties and conditions as
// child records. Disputes and events reference the escrow by id only.
type Escrow struct {
	ID                     string          `json:"id"`
	Title                  string          `json:"title"`
	Description            string          `json:"description,omitempty"`
	Amount                 decimal.Decimal `json:"amount"`
	Asset                  string          `json:"asset"`
	Status                 Status          `json:"status"`
	CreatorID              string          `json:"creatorId"`
	ExpiresAt              *time.Time      `json:"expiresAt,omitempty"`
	ExpirationNotifiedAt   *time.Time      `json:"expirationNotifiedAt,omitempty"`
	IsActive               bool            `json:"isActive"`
	IsReleased             bool            `json:"isReleased"`
	ReleaseTransactionHash string          `json:"releaseTransactionHash,omitempty"`
	Parties                []Party         `json:"parties,omitempty"`
	Conditions             []*Condition    `json:"conditions,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Party assigns a role to a user on one escrow. Immutable once created.
type Party struct {
	ID        string    `json:"id"`
	EscrowID  string    `json:"escrowId"`
	UserID    string    `json:"userId"`
	Role      PartyRole `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Condition is a release criterion: the seller attests fulfillment, the
// buyer confirms it. Both flags are monotonic: once set they never reset.
type Condition struct {
	ID                  string     `json:"id"`
	EscrowID            string     `json:"escrowId"`
	Description         string     `json:"description"`
	IsFulfilled         bool       `json:"isFulfilled"`
	FulfilledAt         *time.Time `json:"fulfilledAt,omitempty"`
	FulfilledByUserID   string     `json:"fulfilledByUserId,omitempty"`
	FulfillmentNotes    string     `json:"fulfillmentNotes,omitempty"`
	FulfillmentEvidence string     `json:"fulfillmentEvidence,omitempty"`
	IsMet               bool       `json:"isMet"`
	MetAt               *time.Time `json:"metAt,omitempty"`
	MetByUserID         string     `json:"metByUserId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// DisputeStatus represents the review state of a dispute.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
)

// DisputeOutcome is the arbitrator's ruling.
type DisputeOutcome string

const (
	OutcomeReleasedToSeller DisputeOutcome = "released_to_seller"
	OutcomeRefundedToBuyer  DisputeOutcome = "refunded_to_buyer"
	OutcomeSplit            DisputeOutcome = "split"
)

// Dispute is an arbitrated disagreement over an active escrow. At most one
// exists per escrow; a resolved dispute is never reopened.
type Dispute struct {
	ID              string         `json:"id"`
	EscrowID        string         `json:"escrowId"`
	FiledByUserID   string         `json:"filedByUserId"`
	Reason          string         `json:"reason"`
	Evidence        []string       `json:"evidence,omitempty"`
	Status          DisputeStatus  `json:"status"`
	Outcome         DisputeOutcome `json:"outcome,omitempty"`
	SellerPercent   *int           `json:"sellerPercent,omitempty"`
	BuyerPercent    *int           `json:"buyerPercent,omitempty"`
	ResolvedByUserID string        `json:"resolvedByUserId,omitempty"`
	ResolutionNotes string         `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// PartyByUser returns the party record for userID, or nil.
func (e *Escrow) PartyByUser(userID string) *Party {
	for i := range e.Parties {
		if e.Parties[i].UserID == userID {
			return &e.Parties[i]
		}
	}
	return nil
}

// HasRole reports whether userID holds role on this escrow.
func (e *Escrow) HasRole(userID string, role PartyRole) bool {
	for i := range e.Parties {
		if e.Parties[i].UserID == userID && e.Parties[i].Role == role {
			return true
		}
	}
	return false
}

// ConditionByID returns the condition with the given id, or nil.
func (e *Escrow) ConditionByID(id string) *Condition {
	for _, c := range e.Conditions {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// AllConditionsMet reports whether every condition is confirmed by the buyer.
func (e *Escrow) AllConditionsMet() bool {
	for _, c := range e.Conditions {
		if !c.IsMet {
			return false
		}
	}
	return true
}

// Store persists escrow aggregates (escrow + parties + conditions).
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	UpdateCondition(ctx context.Context, c *Condition) error
	ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error)
	ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error)
	ListExpiringSoon(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// DisputeStore persists dispute records.
type DisputeStore interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// Dispatcher enqueues a lifecycle event for webhook fan-out. Implementations
// must not block the caller on delivery.
type Dispatcher interface {
	Dispatch(event string, data map[string]any)
}

// noopDispatcher is used when no webhook pipeline is wired.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, map[string]any) {}
