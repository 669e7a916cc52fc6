// Package trade records P2P trade orders and answers the statistics queries
// the anti-fraud gate depends on: order velocity, trailing price bands, and
// completion ratios.
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/cesnetwork/escrowd/internal/pagination"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrInvalidStatus = errors.New("invalid trade status")
)

// Trade statuses.
const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Trade is one P2P order between a maker and a taker.
type Trade struct {
	ID            string     `json:"id"`
	Token         string     `json:"token"`
	Amount        string     `json:"amount"`
	Price         string     `json:"price"` // Unit price in quote currency, 6 decimals
	MakerID       string     `json:"makerId"`
	TakerID       string     `json:"takerId"`
	Status        string     `json:"status"`
	EscrowStatus  string     `json:"escrowStatus,omitempty"` // Mirror of the escrow record state
	DisputeRef    string     `json:"disputeRef,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// PriceStats summarizes trade prices for a token over a window.
type PriceStats struct {
	Token   string `json:"token"`
	Average string `json:"average"`
	Min     string `json:"min"`
	Max     string `json:"max"`
	Count   int    `json:"count"`
}

// Store persists trades and serves statistics.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, tradeID string) (*Trade, error)
	// ListByAccount returns trades newest first. A non-nil cursor resumes
	// after the (createdAt, id) position from a previous page.
	ListByAccount(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Trade, error)

	// UpdateStatus transitions the trade; completed trades get CompletedAt set.
	UpdateStatus(ctx context.Context, tradeID, status string) error

	// SetEscrowStatus mirrors the escrow record state onto the trade.
	SetEscrowStatus(ctx context.Context, tradeID, escrowStatus string) error

	// SetDisputeRef links an open dispute case to the trade.
	SetDisputeRef(ctx context.Context, tradeID, disputeRef string) error

	// CountOrdersSince counts trades an account participated in after since.
	CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error)

	// GetPriceStats aggregates completed-or-open trade prices for a token
	// after since.
	GetPriceStats(ctx context.Context, tokenSym string, since time.Time) (*PriceStats, error)

	// CompletionStats reports completed and total finished trades for an
	// account. Open trades are excluded from both counts.
	CompletionStats(ctx context.Context, accountID string) (completed, total int, err error)
}

func validStatus(status string) bool {
	switch status {
	case StatusOpen, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
