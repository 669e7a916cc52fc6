package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/token"
)

// lockState tracks a held amount inside the simulated settlement book.
type lockState struct {
	ownerRef string
	tokenSym string
	amount   *big.Int
	settled  bool
}

// Simulated is an in-memory settlement layer used in local-only mode, demos,
// and tests. It keeps its own authoritative balance book so reconciliation
// has a real second ledger to compare against.
//
// Tests can script failures per operation with FailNext.
type Simulated struct {
	mu       sync.Mutex
	balances map[string]*big.Int   // ownerRef|tokenSym -> spendable
	locks    map[string]*lockState // settlementRef -> held funds
	failures map[string][]error    // op -> queued errors
}

// NewSimulated creates an empty simulated settlement layer.
func NewSimulated() *Simulated {
	return &Simulated{
		balances: make(map[string]*big.Int),
		locks:    make(map[string]*lockState),
		failures: make(map[string][]error),
	}
}

// Fund seeds an owner's settlement balance. Test/demo helper.
func (s *Simulated) Fund(ownerRef, tokenSym, amount string) {
	amt, ok := token.Parse(amount)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey(ownerRef, tokenSym)
	bal := s.balance(key)
	bal.Add(bal, amt)
}

// SetBalance overwrites an owner's settlement balance. Test helper for
// injecting drift between the ledgers.
func (s *Simulated) SetBalance(ownerRef, tokenSym, amount string) {
	amt, ok := token.Parse(amount)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey(ownerRef, tokenSym)] = amt
}

// FailNext queues err to be returned by the next call to op
// ("lock", "release", "refund", "balance"). Multiple calls queue in order.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Simulated) nextFailure(op string) error {
	queued := s.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	s.failures[op] = queued[1:]
	return err
}

func (s *Simulated) Lock(_ context.Context, ownerRef, tokenSym, amount string) (string, error) {
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return "", Permanent("lock", fmt.Errorf("invalid amount %q", amount))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFailure("lock"); err != nil {
		return "", err
	}

	key := balanceKey(ownerRef, tokenSym)
	bal := s.balance(key)
	if bal.Cmp(amt) < 0 {
		return "", Permanent("lock", fmt.Errorf("insufficient settlement balance for %s", ownerRef))
	}

	bal.Sub(bal, amt)
	ref := idgen.WithPrefix("stl_")
	s.locks[ref] = &lockState{ownerRef: ownerRef, tokenSym: tokenSym, amount: amt}
	return ref, nil
}

func (s *Simulated) Release(_ context.Context, settlementRef, beneficiaryRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFailure("release"); err != nil {
		return "", err
	}

	lk, ok := s.locks[settlementRef]
	if !ok || lk.settled {
		return "", Permanent("release", ErrLockNotFound)
	}

	bal := s.balance(balanceKey(beneficiaryRef, lk.tokenSym))
	bal.Add(bal, lk.amount)
	lk.settled = true
	return idgen.WithPrefix("tx_"), nil
}

func (s *Simulated) Refund(_ context.Context, settlementRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFailure("refund"); err != nil {
		return "", err
	}

	lk, ok := s.locks[settlementRef]
	if !ok || lk.settled {
		return "", Permanent("refund", ErrLockNotFound)
	}

	bal := s.balance(balanceKey(lk.ownerRef, lk.tokenSym))
	bal.Add(bal, lk.amount)
	lk.settled = true
	return idgen.WithPrefix("tx_"), nil
}

// ReleasePartial splits the held funds between the beneficiary and the owner.
// Used by the escrow engine's compromise path, where the settlement layer
// must see both movements.
func (s *Simulated) ReleasePartial(_ context.Context, settlementRef, beneficiaryRef, releaseAmount string) (string, error) {
	rel, ok := token.Parse(releaseAmount)
	if !ok || rel.Sign() <= 0 {
		return "", Permanent("release_partial", fmt.Errorf("invalid amount %q", releaseAmount))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFailure("release_partial"); err != nil {
		return "", err
	}

	lk, found := s.locks[settlementRef]
	if !found || lk.settled {
		return "", Permanent("release_partial", ErrLockNotFound)
	}
	if rel.Cmp(lk.amount) > 0 {
		return "", Permanent("release_partial", fmt.Errorf("release %s exceeds held %s", releaseAmount, token.Format(lk.amount)))
	}

	remainder := new(big.Int).Sub(lk.amount, rel)

	benBal := s.balance(balanceKey(beneficiaryRef, lk.tokenSym))
	benBal.Add(benBal, rel)
	ownBal := s.balance(balanceKey(lk.ownerRef, lk.tokenSym))
	ownBal.Add(ownBal, remainder)
	lk.settled = true
	return idgen.WithPrefix("tx_"), nil
}

func (s *Simulated) BalanceOf(_ context.Context, ownerRef, tokenSym string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextFailure("balance"); err != nil {
		return "", err
	}
	return token.Format(s.balance(balanceKey(ownerRef, tokenSym))), nil
}

// balance returns the mutable balance for key, creating a zero entry if absent.
// Caller holds s.mu.
func (s *Simulated) balance(key string) *big.Int {
	bal, ok := s.balances[key]
	if !ok {
		bal = big.NewInt(0)
		s.balances[key] = bal
	}
	return bal
}

func balanceKey(ownerRef, tokenSym string) string {
	return ownerRef + "|" + tokenSym
}
