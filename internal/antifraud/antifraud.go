// Package antifraud screens proposed orders before any funds are locked.
//
// Each order runs through independent checks (account age, order velocity,
// price deviation, reputation, new-account value cap). Every check reports a
// severity; the aggregate decides allow or deny. Denials feed a per-account
// suspicious-activity counter with time-boxed decay, and accounts over the
// counter threshold are denied outright.
package antifraud

import (
	"context"
	"time"
)

// Severity classifies a single failed check.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Order is a proposed trade submitted for screening.
type Order struct {
	AccountID      string `json:"accountId" binding:"required"`
	CounterpartyID string `json:"counterpartyId"`
	Token          string `json:"token"`
	Amount         string `json:"amount" binding:"required"`
	Price          string `json:"price"`
}

// CheckResult is one check's verdict.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Evaluation is the gate's verdict on an order.
type Evaluation struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"accountId"`
	Allowed     bool          `json:"allowed"`
	RiskLevel   Severity      `json:"riskLevel"`
	Reasons     []string      `json:"reasons,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Checks      []CheckResult `json:"checks"`
	EvaluatedAt time.Time     `json:"evaluatedAt"`
}

// AccountDirectory answers how old an account is. Backed by the ledger's
// account records in the assembled service.
type AccountDirectory interface {
	AccountCreatedAt(ctx context.Context, accountID string) (time.Time, error)
}

// Store persists evaluations for the audit trail.
type Store interface {
	Record(ctx context.Context, eval *Evaluation) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Evaluation, error)
}

// SuspicionCounter tracks recent denials per account. Entries decay after a
// TTL; Evict drops an account's entries explicitly.
type SuspicionCounter interface {
	Bump(accountID string) int
	Count(accountID string) int
	Evict(accountID string)
}
