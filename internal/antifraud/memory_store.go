package antifraud

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory evaluation store for local mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	evals map[string][]*Evaluation // accountID -> evaluations
}

// NewMemoryStore creates an in-memory evaluation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		evals: make(map[string][]*Evaluation),
	}
}

func (s *MemoryStore) Record(ctx context.Context, eval *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals[eval.AccountID] = append(s.evals[eval.AccountID], cloneEval(eval))
	return nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.evals[accountID]
	var result []*Evaluation
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, cloneEval(all[i]))
	}
	return result, nil
}

func cloneEval(eval *Evaluation) *Evaluation {
	cp := *eval
	cp.Reasons = append([]string(nil), eval.Reasons...)
	cp.Warnings = append([]string(nil), eval.Warnings...)
	cp.Checks = append([]CheckResult(nil), eval.Checks...)
	return &cp
}
