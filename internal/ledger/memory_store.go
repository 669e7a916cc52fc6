package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/token"
)

// MemoryStore is an in-memory ledger store for local-only mode and tests.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, accountID, tokenSym string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; ok {
		return nil, ErrAccountExists
	}

	now := time.Now()
	acct := &Account{
		AccountID: accountID,
		Token:     tokenSym,
		Available: "0.000000",
		Escrowed:  "0.000000",
		Policy:    PolicyNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[accountID] = acct
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Credit(ctx context.Context, accountID, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := token.Parse(acct.Available)
	add, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	avail.Add(avail, add)
	acct.Available = token.Format(avail)
	acct.UpdatedAt = time.Now()

	m.record(accountID, "credit", amount, reference, description)
	return nil
}

func (m *MemoryStore) EscrowLock(ctx context.Context, accountID, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := token.Parse(acct.Available)
	escrow, _ := token.ParseSigned(acct.Escrowed)
	sub, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	if avail.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	avail.Sub(avail, sub)
	escrow.Add(escrow, sub)
	acct.Available = token.Format(avail)
	acct.Escrowed = token.Format(escrow)
	acct.UpdatedAt = time.Now()

	m.record(accountID, "escrow_lock", amount, reference, "escrow_locked")
	return nil
}

func (m *MemoryStore) EscrowRelease(ctx context.Context, payerID, payeeID, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer, ok := m.accounts[payerID]
	if !ok {
		return ErrAccountNotFound
	}

	escrow, _ := token.ParseSigned(payer.Escrowed)
	sub, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if escrow.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	escrow.Sub(escrow, sub)
	payer.Escrowed = token.Format(escrow)
	payer.UpdatedAt = time.Now()

	payee := m.ensureAccount(payeeID, payer.Token)
	payeeAvail, _ := token.Parse(payee.Available)
	payeeAvail.Add(payeeAvail, sub)
	payee.Available = token.Format(payeeAvail)
	payee.UpdatedAt = time.Now()

	m.record(payerID, "escrow_release", amount, reference, "escrow_released_to_counterparty")
	m.record(payeeID, "escrow_receive", amount, reference, "escrow_payment_received")
	return nil
}

func (m *MemoryStore) EscrowRefund(ctx context.Context, accountID, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := token.Parse(acct.Available)
	escrow, _ := token.ParseSigned(acct.Escrowed)
	sub, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if escrow.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	escrow.Sub(escrow, sub)
	avail.Add(avail, sub)
	acct.Available = token.Format(avail)
	acct.Escrowed = token.Format(escrow)
	acct.UpdatedAt = time.Now()

	m.record(accountID, "escrow_refund", amount, reference, "escrow_refunded")
	return nil
}

func (m *MemoryStore) EscrowSplit(ctx context.Context, payerID, payeeID, releaseAmount, refundAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer, ok := m.accounts[payerID]
	if !ok {
		return ErrAccountNotFound
	}

	rel, okRel := token.Parse(releaseAmount)
	ref, okRef := token.Parse(refundAmount)
	if !okRel || !okRef {
		return ErrInvalidAmount
	}
	total := new(big.Int).Add(rel, ref)

	escrow, _ := token.ParseSigned(payer.Escrowed)
	if escrow.Cmp(total) < 0 {
		return ErrInsufficientBalance
	}

	avail, _ := token.Parse(payer.Available)
	escrow.Sub(escrow, total)
	avail.Add(avail, ref)
	payer.Escrowed = token.Format(escrow)
	payer.Available = token.Format(avail)
	payer.UpdatedAt = time.Now()

	payee := m.ensureAccount(payeeID, payer.Token)
	payeeAvail, _ := token.Parse(payee.Available)
	payeeAvail.Add(payeeAvail, rel)
	payee.Available = token.Format(payeeAvail)
	payee.UpdatedAt = time.Now()

	m.record(payerID, "escrow_split", releaseAmount, reference, "escrow_split_released")
	m.record(payerID, "escrow_refund", refundAmount, reference, "escrow_split_refunded")
	m.record(payeeID, "escrow_receive", releaseAmount, reference, "escrow_split_received")
	return nil
}

func (m *MemoryStore) OverwriteAvailable(ctx context.Context, accountID, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	acct.Available = token.Format(amt)
	acct.UpdatedAt = time.Now()

	m.record(accountID, "adjustment", amount, reference, description)
	return nil
}

func (m *MemoryStore) ResetNegativeEscrow(ctx context.Context, accountID, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return "", ErrAccountNotFound
	}

	escrow, ok := token.ParseSigned(acct.Escrowed)
	if !ok || escrow.Sign() >= 0 {
		return "0.000000", nil
	}

	deficit := new(big.Int).Neg(escrow)
	acct.Escrowed = "0.000000"
	acct.UpdatedAt = time.Now()

	m.record(accountID, "adjustment", token.Format(deficit), reference, "negative_escrow_reset")
	return token.Format(deficit), nil
}

func (m *MemoryStore) SetPolicy(ctx context.Context, accountID, policy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	acct.Policy = policy
	acct.PolicyReason = reason
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// SetEscrowed force-sets an account's escrowed balance. Test helper for
// injecting inconsistent states.
func (m *MemoryStore) SetEscrowed(accountID, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[accountID]; ok {
		acct.Escrowed = amount
		acct.UpdatedAt = time.Now()
	}
}

// ensureAccount returns the account, creating a zero-balance one if absent.
// Caller holds m.mu.
func (m *MemoryStore) ensureAccount(accountID, tokenSym string) *Account {
	acct, ok := m.accounts[accountID]
	if !ok {
		now := time.Now()
		acct = &Account{
			AccountID: accountID,
			Token:     tokenSym,
			Available: "0.000000",
			Escrowed:  "0.000000",
			Policy:    PolicyNormal,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.accounts[accountID] = acct
	}
	return acct
}

// record appends a journal entry. Caller holds m.mu.
func (m *MemoryStore) record(accountID, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("entry_"),
		AccountID:   accountID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
