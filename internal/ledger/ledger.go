// Package ledger tracks trader account balances in the local database.
//
// Each account splits its funds into available (spendable) and escrowed
// (committed to an active trade). Every mutation writes a journal entry so
// reconciliation and audits can replay history.
//
// In settlement-backed mode the external settlement layer is authoritative
// and this ledger is a cache the reconciliation service keeps honest. In
// local-only mode this ledger is the only book.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cesnetwork/escrowd/internal/token"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNegativeEscrow      = errors.New("escrowed balance would go negative")
)

// Account policies. Accounts under manual_override are excluded from
// automatic reconciliation fixes.
const (
	PolicyNormal         = "normal"
	PolicyManualOverride = "manual_override"
)

// Account is a trader's balance record.
type Account struct {
	AccountID    string    `json:"accountId"`
	Token        string    `json:"token"`
	Available    string    `json:"available"` // Spendable
	Escrowed     string    `json:"escrowed"`  // Committed to active trades
	Policy       string    `json:"policy"`
	PolicyReason string    `json:"policyReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Entry is one journal record.
type Entry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Type        string    `json:"type"` // credit, escrow_lock, escrow_release, escrow_receive, escrow_refund, adjustment
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // trade ID, reconciliation run ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists accounts and journal entries.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateAccount(ctx context.Context, accountID, tokenSym string) (*Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)

	// Credit adds funds to available.
	Credit(ctx context.Context, accountID, amount, reference, description string) error

	// EscrowLock moves amount from available to escrowed.
	EscrowLock(ctx context.Context, accountID, amount, reference string) error

	// EscrowRelease moves amount out of the payer's escrowed balance into the
	// payee's available balance.
	EscrowRelease(ctx context.Context, payerID, payeeID, amount, reference string) error

	// EscrowRefund returns amount from escrowed to the payer's own available.
	EscrowRefund(ctx context.Context, accountID, amount, reference string) error

	// EscrowSplit settles one escrow hold two ways: releaseAmount to the
	// payee, the remainder back to the payer.
	EscrowSplit(ctx context.Context, payerID, payeeID, releaseAmount, refundAmount, reference string) error

	// OverwriteAvailable force-sets an account's available balance. Used by
	// reconciliation when the settlement layer disagrees with this ledger.
	OverwriteAvailable(ctx context.Context, accountID, amount, reference, description string) error

	// ResetNegativeEscrow clamps a negative escrowed balance to zero and
	// reports the clamped deficit.
	ResetNegativeEscrow(ctx context.Context, accountID, reference string) (string, error)

	SetPolicy(ctx context.Context, accountID, policy, reason string) error
	GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error)
}

// Ledger wraps a Store with validation and audit logging.
type Ledger struct {
	store Store
	audit AuditLogger
}

// Option configures the ledger.
type Option func(*Ledger)

// WithAudit attaches an audit logger. Every balance mutation records
// before/after snapshots.
func WithAudit(audit AuditLogger) Option {
	return func(l *Ledger) {
		l.audit = audit
	}
}

// New creates a ledger backed by store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for services that need direct access
// (reconciliation auto-fixes).
func (l *Ledger) Store() Store {
	return l.store
}

// GetAccount returns the account, or ErrAccountNotFound.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// CreateAccount registers a new account with zero balances.
func (l *Ledger) CreateAccount(ctx context.Context, accountID, tokenSym string) (*Account, error) {
	if tokenSym == "" {
		tokenSym = token.CES
	}
	return l.store.CreateAccount(ctx, accountID, tokenSym)
}

// Credit adds funds to an account's available balance.
func (l *Ledger) Credit(ctx context.Context, accountID, amount, reference, description string) error {
	if !token.Positive(amount) {
		return ErrInvalidAmount
	}
	before, _ := l.store.GetAccount(ctx, accountID)
	if err := l.store.Credit(ctx, accountID, amount, reference, description); err != nil {
		return err
	}
	l.logAudit(ctx, accountID, "credit", amount, reference, before)
	return nil
}

// EscrowLock commits amount of available funds to a trade.
func (l *Ledger) EscrowLock(ctx context.Context, accountID, amount, reference string) error {
	if !token.Positive(amount) {
		return ErrInvalidAmount
	}
	before, _ := l.store.GetAccount(ctx, accountID)
	if err := l.store.EscrowLock(ctx, accountID, amount, reference); err != nil {
		return err
	}
	l.logAudit(ctx, accountID, "escrow_lock", amount, reference, before)
	return nil
}

// EscrowRelease pays escrowed funds from payer to payee.
func (l *Ledger) EscrowRelease(ctx context.Context, payerID, payeeID, amount, reference string) error {
	if !token.Positive(amount) {
		return ErrInvalidAmount
	}
	before, _ := l.store.GetAccount(ctx, payerID)
	if err := l.store.EscrowRelease(ctx, payerID, payeeID, amount, reference); err != nil {
		return err
	}
	l.logAudit(ctx, payerID, "escrow_release", amount, reference, before)
	return nil
}

// EscrowRefund returns escrowed funds to the payer.
func (l *Ledger) EscrowRefund(ctx context.Context, accountID, amount, reference string) error {
	if !token.Positive(amount) {
		return ErrInvalidAmount
	}
	before, _ := l.store.GetAccount(ctx, accountID)
	if err := l.store.EscrowRefund(ctx, accountID, amount, reference); err != nil {
		return err
	}
	l.logAudit(ctx, accountID, "escrow_refund", amount, reference, before)
	return nil
}

// EscrowSplit settles an escrow hold with releaseAmount to the payee and
// refundAmount back to the payer.
func (l *Ledger) EscrowSplit(ctx context.Context, payerID, payeeID, releaseAmount, refundAmount, reference string) error {
	if !token.Positive(releaseAmount) || !token.Positive(refundAmount) {
		return ErrInvalidAmount
	}
	before, _ := l.store.GetAccount(ctx, payerID)
	if err := l.store.EscrowSplit(ctx, payerID, payeeID, releaseAmount, refundAmount, reference); err != nil {
		return err
	}
	l.logAudit(ctx, payerID, "escrow_split", releaseAmount, reference, before)
	return nil
}

// CanLock reports whether the account can commit amount to escrow.
func (l *Ledger) CanLock(ctx context.Context, accountID, amount string) (bool, error) {
	amt, ok := token.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	avail, _ := token.Parse(acct.Available)
	return avail.Cmp(amt) >= 0, nil
}

// GetHistory returns the newest journal entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, accountID, limit)
}

// SetPolicy changes an account's reconciliation policy.
func (l *Ledger) SetPolicy(ctx context.Context, accountID, policy, reason string) error {
	if policy != PolicyNormal && policy != PolicyManualOverride {
		return errors.New("ledger: unknown policy " + policy)
	}
	before, _ := l.store.GetAccount(ctx, accountID)
	if err := l.store.SetPolicy(ctx, accountID, policy, reason); err != nil {
		return err
	}
	l.logAudit(ctx, accountID, "policy_change", "", policy, before)
	return nil
}

func (l *Ledger) logAudit(ctx context.Context, accountID, operation, amount, reference string, before *Account) {
	if l.audit == nil {
		return
	}
	after, _ := l.store.GetAccount(ctx, accountID)
	actorType, actorID, ip, requestID := actorFromCtx(ctx)
	_ = l.audit.LogAudit(ctx, &AuditEntry{
		AccountID:   accountID,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   operation,
		Amount:      amount,
		Reference:   reference,
		BeforeState: accountSnapshot(before),
		AfterState:  accountSnapshot(after),
		RequestID:   requestID,
		IPAddress:   ip,
	})
}
