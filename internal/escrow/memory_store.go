package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for local-only mode and tests.
type MemoryStore struct {
	records map[string]*Record
	order   []string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneRecord(rec)
	m.records[rec.ID] = cp
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) GetByTrade(ctx context.Context, tradeID, tokenSym string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		if rec.TradeID == tradeID && rec.Token == tokenSym {
			return cloneRecord(rec), nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; !ok {
		return ErrRecordNotFound
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) AddTransition(ctx context.Context, recordID string, tr Transition) error {
	// Transitions ride along inside Update for the memory store.
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.records[m.order[i]]
		if rec.OwnerID == accountID || rec.BeneficiaryID == accountID {
			result = append(result, cloneRecord(rec))
		}
	}
	return result, nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Transitions = make([]Transition, len(rec.Transitions))
	copy(cp.Transitions, rec.Transitions)
	return &cp
}
