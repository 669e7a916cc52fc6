// Package escrow holds trade funds in custody through a dual-ledger state
// machine.
//
// Flow:
//  1. Lock: buyer's funds move available → escrowed, then the settlement
//     layer confirms custody (two-phase; local reserve rolls back on failure)
//  2. Release: escrowed funds pay the seller
//  3. Refund: escrowed funds return to the buyer
//  4. Split: dispute compromise pays part to each side
//
// Every transition is journaled with a monotone sequence number, and a
// reconciliation hook runs after each successful fund move.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound             = errors.New("escrow record not found")
	ErrValidation                 = errors.New("validation failed")
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrDuplicateLock              = errors.New("active escrow already exists for trade")
	ErrInvalidState               = errors.New("invalid escrow state for this operation")
	ErrConcurrencyConflict        = errors.New("concurrent operation in progress, retry")
	ErrManualInterventionRequired = errors.New("manual intervention required")
	ErrSettlementUnavailable      = errors.New("settlement layer unavailable")
)

// State of an escrow record.
type State string

const (
	StateLockPending State = "lock_pending" // Local reserve done, settlement unconfirmed
	StateLocked      State = "locked"       // Funds in custody
	StateReleased    State = "released"     // Paid to beneficiary
	StateRefunded    State = "refunded"     // Returned to owner
	StateDisputed    State = "disputed"     // Frozen pending dispute resolution
	StateResolved    State = "resolved"     // Settled by dispute resolution
	StateFailed      State = "failed"       // Lock never completed
)

// Resolutions recorded when a disputed escrow settles.
const (
	ResolutionReleased = "released"
	ResolutionRefunded = "refunded"
	ResolutionSplit    = "split"
)

// Transition is one entry in a record's state journal.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Actor string    `json:"actor"`
	Seq   int64     `json:"seq"`
	At    time.Time `json:"at"`
}

// Record is one escrow hold for a trade.
type Record struct {
	ID            string       `json:"id"`
	TradeID       string       `json:"tradeId"`
	Token         string       `json:"token"`
	OwnerID       string       `json:"ownerId"`       // Paying side
	BeneficiaryID string       `json:"beneficiaryId"` // Receiving side
	Amount        string       `json:"amount"`
	State         State        `json:"state"`
	SettlementRef string       `json:"settlementRef,omitempty"`
	Resolution    string       `json:"resolution,omitempty"`
	Seq           int64        `json:"seq"`
	Transitions   []Transition `json:"transitions,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	ResolvedAt    *time.Time   `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true when no further operations can move funds.
func (r *Record) IsTerminal() bool {
	switch r.State {
	case StateReleased, StateRefunded, StateResolved, StateFailed:
		return true
	}
	return false
}

// Store persists escrow records and their transition journals.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// GetByTrade returns the newest record for (tradeID, token), or
	// ErrRecordNotFound.
	GetByTrade(ctx context.Context, tradeID, tokenSym string) (*Record, error)

	Update(ctx context.Context, rec *Record) error
	AddTransition(ctx context.Context, recordID string, tr Transition) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error)
}

// LedgerService abstracts the local ledger so escrow doesn't import its store
// directly.
type LedgerService interface {
	EscrowLock(ctx context.Context, accountID, amount, reference string) error
	EscrowRelease(ctx context.Context, payerID, payeeID, amount, reference string) error
	EscrowRefund(ctx context.Context, accountID, amount, reference string) error
	EscrowSplit(ctx context.Context, payerID, payeeID, releaseAmount, refundAmount, reference string) error
}

// FraudGate screens lock requests before any funds move.
type FraudGate interface {
	Authorize(ctx context.Context, accountID, tokenSym, amount, price string) error
}

// PostOpValidator runs a consistency check after a successful fund move.
// Findings are reported out of band; errors here never fail the operation.
type PostOpValidator interface {
	ValidateAfterOperation(ctx context.Context, accountID string) error
}

// TradeMirror keeps the trade record's escrow view current.
type TradeMirror interface {
	SetEscrowStatus(ctx context.Context, tradeID, escrowStatus string) error
	UpdateStatus(ctx context.Context, tradeID, status string) error
}

// LockRequest contains the parameters for locking trade funds.
type LockRequest struct {
	TradeID       string `json:"tradeId" binding:"required"`
	Token         string `json:"token"`
	OwnerID       string `json:"ownerId" binding:"required"`
	BeneficiaryID string `json:"beneficiaryId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Price         string `json:"price"` // Unit price, used by the fraud gate
}
