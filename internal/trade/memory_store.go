package trade

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/pagination"
	"github.com/cesnetwork/escrowd/internal/token"
)

// MemoryStore is an in-memory trade store for local-only mode and tests.
type MemoryStore struct {
	trades map[string]*Trade
	order  []string // insertion order for stable listing
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = idgen.WithPrefix("trd_")
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if !validStatus(t.Status) {
		return ErrInvalidStatus
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	cp := *t
	m.trades[t.ID] = &cp
	m.order = append(m.order, t.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tradeID string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var result []*Trade
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		t := m.trades[m.order[i]]
		if t.MakerID != accountID && t.TakerID != accountID {
			continue
		}
		if before != nil && !beforeCursor(t, before) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

// beforeCursor reports whether t sorts strictly after the cursor position
// in newest-first order, keyed by (createdAt, id).
func beforeCursor(t *Trade, c *pagination.Cursor) bool {
	if t.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return t.CreatedAt.Equal(c.CreatedAt) && t.ID < c.ID
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, tradeID, status string) error {
	if !validStatus(status) {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return ErrTradeNotFound
	}

	t.Status = status
	t.UpdatedAt = time.Now()
	if status == StatusCompleted {
		now := time.Now()
		t.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) SetEscrowStatus(ctx context.Context, tradeID, escrowStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return ErrTradeNotFound
	}
	t.EscrowStatus = escrowStatus
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetDisputeRef(ctx context.Context, tradeID, disputeRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return ErrTradeNotFound
	}
	t.DisputeRef = disputeRef
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, t := range m.trades {
		if t.CreatedAt.Before(since) {
			continue
		}
		if t.MakerID == accountID || t.TakerID == accountID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetPriceStats(ctx context.Context, tokenSym string, since time.Time) (*PriceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &PriceStats{Token: tokenSym}
	sum := big.NewInt(0)
	var min, max *big.Int

	for _, t := range m.trades {
		if t.Token != tokenSym || t.CreatedAt.Before(since) || t.Status == StatusCancelled {
			continue
		}
		price, ok := token.Parse(t.Price)
		if !ok {
			continue
		}
		sum.Add(sum, price)
		if min == nil || price.Cmp(min) < 0 {
			min = price
		}
		if max == nil || price.Cmp(max) > 0 {
			max = price
		}
		stats.Count++
	}

	if stats.Count == 0 {
		stats.Average, stats.Min, stats.Max = "0.000000", "0.000000", "0.000000"
		return stats, nil
	}

	avg := new(big.Int).Div(sum, big.NewInt(int64(stats.Count)))
	stats.Average = token.Format(avg)
	stats.Min = token.Format(min)
	stats.Max = token.Format(max)
	return stats, nil
}

func (m *MemoryStore) CompletionStats(ctx context.Context, accountID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	completed, total := 0, 0
	for _, t := range m.trades {
		if t.MakerID != accountID && t.TakerID != accountID {
			continue
		}
		switch t.Status {
		case StatusCompleted:
			completed++
			total++
		case StatusCancelled:
			total++
		}
	}
	return completed, total, nil
}
