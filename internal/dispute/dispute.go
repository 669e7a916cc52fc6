// Package dispute manages the trade dispute workflow: case intake, evidence,
// moderator assignment, deadline-driven escalation, and resolution through the
// escrow engine's release, refund, and split primitives.
package dispute

import (
	"context"
	"errors"
	"time"
)

// Errors returned by the dispute engine.
var (
	ErrCaseNotFound    = errors.New("dispute case not found")
	ErrValidation      = errors.New("dispute validation failed")
	ErrInvalidState    = errors.New("invalid dispute state")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrNotEscalatable  = errors.New("dispute is not eligible for escalation")
	ErrWrongModerator  = errors.New("case is assigned to another moderator")
)

// Role identifies which side of the trade is acting.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Category classifies what the dispute is about.
type Category string

const (
	CategoryFraud        Category = "fraud"
	CategoryNonDelivery  Category = "non_delivery"
	CategoryPaymentIssue Category = "payment_issue"
	CategoryQuality      Category = "quality"
	CategoryOther        Category = "other"
)

// Priority orders the moderation queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// rank maps priorities onto a ladder for comparison and escalation.
func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// raise returns the next priority up the ladder.
func (p Priority) raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// Status is the dispute case lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusUnderReview   Status = "under_review"
	StatusResolved      Status = "resolved"
)

// Outcome is a moderator's final ruling.
type Outcome string

const (
	OutcomeBuyerWins  Outcome = "buyer_wins"
	OutcomeSellerWins Outcome = "seller_wins"
	OutcomeCompromise Outcome = "compromise"
	OutcomeNoFault    Outcome = "no_fault"
)

// Evidence is one submission from either side. Append-only.
type Evidence struct {
	Role        Role      `json:"role"`
	Description string    `json:"description"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Case is a dispute over one trade.
type Case struct {
	ID                  string     `json:"id"`
	TradeID             string     `json:"tradeId"`
	Token               string     `json:"token"`
	Amount              string     `json:"amount"`
	InitiatorRole       Role       `json:"initiatorRole"`
	Category            Category   `json:"category"`
	Reason              string     `json:"reason"`
	Priority            Priority   `json:"priority"`
	Status              Status     `json:"status"`
	AssignedModeratorID string     `json:"assignedModeratorId,omitempty"`
	BuyerEvidence       []Evidence `json:"buyerEvidence,omitempty"`
	SellerEvidence      []Evidence `json:"sellerEvidence,omitempty"`
	EscalationDeadline  time.Time  `json:"escalationDeadline"`
	Escalations         int        `json:"escalations"`
	ResolutionOutcome   Outcome    `json:"resolutionOutcome,omitempty"`
	CompensationAmount  string     `json:"compensationAmount,omitempty"`
	ResolvedBy          string     `json:"resolvedBy,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
}

// Moderator handles dispute cases. Higher tiers take escalations.
type Moderator struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Tier            int        `json:"tier"` // 1..3
	Specializations []Category `json:"specializations"`
	Workload        int        `json:"workload"`
	ResolvedCount   int        `json:"resolvedCount"`
	MeanResolution  string     `json:"meanResolution,omitempty"`

	totalResolution time.Duration
}

// Specializes reports whether the moderator covers a category.
func (m *Moderator) Specializes(category Category) bool {
	for _, c := range m.Specializations {
		if c == category {
			return true
		}
	}
	return false
}

// Store persists dispute cases.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	GetByTrade(ctx context.Context, tradeID string) (*Case, error)
	Update(ctx context.Context, c *Case) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Case, error)

	// ListEscalatable returns open or investigating cases whose deadline has
	// passed.
	ListEscalatable(ctx context.Context, now time.Time) ([]*Case, error)
}

func validCategory(c Category) bool {
	switch c {
	case CategoryFraud, CategoryNonDelivery, CategoryPaymentIssue, CategoryQuality, CategoryOther:
		return true
	}
	return false
}

func validOutcome(o Outcome) bool {
	switch o {
	case OutcomeBuyerWins, OutcomeSellerWins, OutcomeCompromise, OutcomeNoFault:
		return true
	}
	return false
}
