package dispute

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for local mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
	order []string
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = cloneCase(c)
	m.order = append(m.order, c.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return cloneCase(c), nil
}

func (m *MemoryStore) GetByTrade(ctx context.Context, tradeID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.cases[m.order[i]]
		if c.TradeID == tradeID {
			return cloneCase(c), nil
		}
	}
	return nil, ErrCaseNotFound
}

func (m *MemoryStore) Update(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return ErrCaseNotFound
	}
	m.cases[c.ID] = cloneCase(c)
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Case
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		c := m.cases[m.order[i]]
		if c.Status == status {
			result = append(result, cloneCase(c))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEscalatable(ctx context.Context, now time.Time) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Case
	for _, id := range m.order {
		c := m.cases[id]
		if (c.Status == StatusOpen || c.Status == StatusInvestigating) && !now.Before(c.EscalationDeadline) {
			result = append(result, cloneCase(c))
		}
	}
	return result, nil
}

func cloneCase(c *Case) *Case {
	cp := *c
	cp.BuyerEvidence = append([]Evidence(nil), c.BuyerEvidence...)
	cp.SellerEvidence = append([]Evidence(nil), c.SellerEvidence...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
