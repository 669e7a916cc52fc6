package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/cesnetwork/escrowd/internal/events"
	"github.com/cesnetwork/escrowd/internal/ledger"
	"github.com/cesnetwork/escrowd/internal/settlement"
	"github.com/cesnetwork/escrowd/internal/token"
)

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	store  *ledger.MemoryStore
	sim    *settlement.Simulated
	sink   *events.CaptureSink
}

func newFixture(t *testing.T, backed bool) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	led := ledger.New(store)
	sim := settlement.NewSimulated()

	bus := events.NewBus(slog.Default(), 64)
	sink := &events.CaptureSink{}
	bus.Subscribe(sink)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	engine := NewEngine(NewMemoryStore(), led, EngineConfig{
		SettlementBacked:    backed,
		SettlementAttempts:  3,
		SettlementBaseDelay: time.Millisecond,
		LockWaitTimeout:     time.Second,
	}).WithSettlement(sim).WithEmitter(events.NewEmitter(bus))

	return &fixture{engine: engine, ledger: led, store: store, sim: sim, sink: sink}
}

func (f *fixture) fund(t *testing.T, accountID, amount string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.CreateAccount(ctx, accountID, token.CES); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := f.ledger.Credit(ctx, accountID, amount, "seed", "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	f.sim.Fund(accountID, token.CES, amount)
}

// totalFunds sums available plus escrowed across accounts.
func (f *fixture) totalFunds(t *testing.T, accounts ...string) *big.Int {
	t.Helper()
	sum := big.NewInt(0)
	for _, id := range accounts {
		acct, err := f.ledger.GetAccount(context.Background(), id)
		if err != nil {
			t.Fatalf("get account %s: %v", id, err)
		}
		avail, _ := token.Parse(acct.Available)
		escrow, _ := token.Parse(acct.Escrowed)
		sum.Add(sum, avail)
		sum.Add(sum, escrow)
	}
	return sum
}

func (f *fixture) waitEvent(t *testing.T, want events.EventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, typ := range f.sink.Types() {
			if typ == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %s, saw %v", want, f.sink.Types())
}

func lockReq(tradeID string) LockRequest {
	return LockRequest{
		TradeID:       tradeID,
		Token:         token.CES,
		OwnerID:       "buyer",
		BeneficiaryID: "seller",
		Amount:        "100",
	}
}

func TestLockMovesAvailableToEscrowed(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "250")
	ctx := context.Background()

	rec, err := f.engine.Lock(ctx, lockReq("trd_1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if rec.State != StateLocked {
		t.Errorf("state = %s, want locked", rec.State)
	}
	if rec.SettlementRef == "" {
		t.Error("expected settlement ref to be recorded")
	}
	if rec.Seq != 1 || len(rec.Transitions) != 1 {
		t.Errorf("seq = %d, transitions = %d, want 1/1", rec.Seq, len(rec.Transitions))
	}

	acct, _ := f.ledger.GetAccount(ctx, "buyer")
	if acct.Available != "150.000000" || acct.Escrowed != "100.000000" {
		t.Errorf("got available=%s escrowed=%s", acct.Available, acct.Escrowed)
	}
	f.waitEvent(t, events.EventEscrowLocked)
}

func TestLockIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "250")
	ctx := context.Background()

	first, err := f.engine.Lock(ctx, lockReq("trd_1"))
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	second, err := f.engine.Lock(ctx, lockReq("trd_1"))
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same record, got %s and %s", first.ID, second.ID)
	}

	// Funds moved exactly once.
	acct, _ := f.ledger.GetAccount(ctx, "buyer")
	if acct.Escrowed != "100.000000" {
		t.Errorf("escrowed = %s, want 100.000000", acct.Escrowed)
	}
}

func TestLockDuplicateDifferentParams(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "250")
	ctx := context.Background()

	if _, err := f.engine.Lock(ctx, lockReq("trd_1")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	req := lockReq("trd_1")
	req.Amount = "50"
	if _, err := f.engine.Lock(ctx, req); !errors.Is(err, ErrDuplicateLock) {
		t.Fatalf("expected ErrDuplicateLock, got %v", err)
	}
}

func TestLockInsufficientFunds(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "50")

	_, err := f.engine.Lock(context.Background(), lockReq("trd_1"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	rec, err := f.engine.GetByTrade(context.Background(), "trd_1", token.CES)
	if err != nil {
		t.Fatalf("get by trade: %v", err)
	}
	if rec.State != StateFailed {
		t.Errorf("state = %s, want failed", rec.State)
	}
}

func TestLockRetriesTransientSettlementFailure(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "250")
	ctx := context.Background()

	f.sim.FailNext("lock", settlement.Transient("lock", errors.New("rpc timeout")))
	f.sim.FailNext("lock", settlement.Transient("lock", errors.New("rpc timeout")))

	rec, err := f.engine.Lock(ctx, lockReq("trd_1"))
	if err != nil {
		t.Fatalf("lock should succeed on third attempt: %v", err)
	}
	if rec.State != StateLocked {
		t.Errorf("state = %s, want locked", rec.State)
	}
}

func TestLockRollsBackOnRetryExhaustion(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "250")
	ctx := context.Background()

	before := f.totalFunds(t, "buyer")
	for i := 0; i < 3; i++ {
		f.sim.FailNext("lock", settlement.Transient("lock", errors.New("rpc timeout")))
	}

	_, err := f.engine.Lock(ctx, lockReq("trd_1"))
	if err == nil {
		t.Fatal("expected lock to fail after exhausting retries")
	}

	// Local reserve rolled back, nothing escrowed.
	acct, _ := f.ledger.GetAccount(ctx, "buyer")
	if acct.Available != "250.000000" || acct.Escrowed != "0.000000" {
		t.Errorf("got available=%s escrowed=%s after rollback", acct.Available, acct.Escrowed)
	}
	if got := f.totalFunds(t, "buyer"); got.Cmp(before) != 0 {
		t.Errorf("conservation violated: %s != %s", got, before)
	}

	rec, _ := f.engine.GetByTrade(ctx, "trd_1", token.CES)
	if rec.State != StateFailed {
		t.Errorf("state = %s, want failed", rec.State)
	}
	f.waitEvent(t, events.EventManualIntervention)
}

func TestLockFailsFastWhenCircuitOpen(t *testing.T) {
	store := ledger.NewMemoryStore()
	led := ledger.New(store)
	sim := settlement.NewSimulated()

	engine := NewEngine(NewMemoryStore(), led, EngineConfig{
		SettlementBacked:    true,
		SettlementAttempts:  1,
		SettlementBaseDelay: time.Millisecond,
		LockWaitTimeout:     time.Second,
		BreakerThreshold:    1,
		BreakerOpenFor:      time.Minute,
	}).WithSettlement(sim)

	ctx := context.Background()
	for _, id := range []string{"buyer"} {
		if _, err := led.CreateAccount(ctx, id, token.CES); err != nil {
			t.Fatalf("create account: %v", err)
		}
		if err := led.Credit(ctx, id, "500", "seed", "deposit"); err != nil {
			t.Fatalf("credit: %v", err)
		}
		sim.Fund(id, token.CES, "500")
	}

	sim.FailNext("lock", settlement.Transient("lock", errors.New("rpc timeout")))
	if _, err := engine.Lock(ctx, lockReq("trd_1")); err == nil {
		t.Fatal("expected first lock to fail and trip the circuit")
	}

	_, err := engine.Lock(ctx, lockReq("trd_2"))
	if !errors.Is(err, ErrSettlementUnavailable) {
		t.Fatalf("err = %v, want ErrSettlementUnavailable", err)
	}

	// Fail-fast must still roll back the local reserve.
	acct, _ := led.GetAccount(ctx, "buyer")
	if acct.Available != "500.000000" || acct.Escrowed != "0.000000" {
		t.Errorf("got available=%s escrowed=%s after fail-fast", acct.Available, acct.Escrowed)
	}
}

func TestLockPermanentErrorShortCircuits(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "250")

	f.sim.FailNext("lock", settlement.Permanent("lock", errors.New("rejected")))

	start := time.Now()
	_, err := f.engine.Lock(context.Background(), lockReq("trd_1"))
	if err == nil {
		t.Fatal("expected permanent failure")
	}
	// No backoff sleeps: permanent errors must not retry.
	if time.Since(start) > 500*time.Millisecond {
		t.Error("permanent error appears to have been retried")
	}
	// Permanent rejections need an operator too, not only exhausted retries.
	f.waitEvent(t, events.EventManualIntervention)
}

func TestReleasePaysSellerAndCompletesTrade(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")
	f.fund(t, "seller", "0")
	ctx := context.Background()

	if _, err := f.engine.Lock(ctx, lockReq("trd_1")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	before := f.totalFunds(t, "buyer", "seller")

	rec, err := f.engine.Release(ctx, "trd_1", token.CES, "buyer")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.State != StateReleased {
		t.Errorf("state = %s, want released", rec.State)
	}

	seller, _ := f.ledger.GetAccount(ctx, "seller")
	if seller.Available != "100.000000" {
		t.Errorf("seller available = %s, want 100.000000", seller.Available)
	}
	if got := f.totalFunds(t, "buyer", "seller"); got.Cmp(before) != 0 {
		t.Errorf("conservation violated: %s != %s", got, before)
	}

	// Idempotent repeat.
	again, err := f.engine.Release(ctx, "trd_1", token.CES, "buyer")
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if again.State != StateReleased {
		t.Errorf("repeat state = %s", again.State)
	}
	f.waitEvent(t, events.EventEscrowReleased)
}

func TestRefundAfterRelease(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")
	f.fund(t, "seller", "0")
	ctx := context.Background()

	_, _ = f.engine.Lock(ctx, lockReq("trd_1"))
	if _, err := f.engine.Release(ctx, "trd_1", token.CES, "buyer"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := f.engine.Refund(ctx, "trd_1", token.CES, "seller"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRefundReturnsFundsToOwner(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")
	ctx := context.Background()

	_, _ = f.engine.Lock(ctx, lockReq("trd_1"))
	rec, err := f.engine.Refund(ctx, "trd_1", token.CES, "seller")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if rec.State != StateRefunded {
		t.Errorf("state = %s, want refunded", rec.State)
	}

	acct, _ := f.ledger.GetAccount(ctx, "buyer")
	if acct.Available != "100.000000" || acct.Escrowed != "0.000000" {
		t.Errorf("got available=%s escrowed=%s", acct.Available, acct.Escrowed)
	}
}

func TestDisputedReleaseResolves(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")
	f.fund(t, "seller", "0")
	ctx := context.Background()

	_, _ = f.engine.Lock(ctx, lockReq("trd_1"))
	if _, err := f.engine.MarkDisputed(ctx, "trd_1", token.CES, "dispute_engine"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}

	rec, err := f.engine.Release(ctx, "trd_1", token.CES, "moderator")
	if err != nil {
		t.Fatalf("release from dispute: %v", err)
	}
	if rec.State != StateResolved || rec.Resolution != ResolutionReleased {
		t.Errorf("got state=%s resolution=%s", rec.State, rec.Resolution)
	}
}

func TestSplitRequiresDisputeAndStrictBounds(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")
	f.fund(t, "seller", "0")
	ctx := context.Background()

	_, _ = f.engine.Lock(ctx, lockReq("trd_1"))

	if _, err := f.engine.Split(ctx, "trd_1", token.CES, "50", "moderator"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before dispute, got %v", err)
	}

	_, _ = f.engine.MarkDisputed(ctx, "trd_1", token.CES, "dispute_engine")

	for _, bad := range []string{"0", "100", "150"} {
		if _, err := f.engine.Split(ctx, "trd_1", token.CES, bad, "moderator"); !errors.Is(err, ErrValidation) {
			t.Errorf("split %s: expected ErrValidation, got %v", bad, err)
		}
	}

	rec, err := f.engine.Split(ctx, "trd_1", token.CES, "60", "moderator")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if rec.State != StateResolved || rec.Resolution != ResolutionSplit {
		t.Errorf("got state=%s resolution=%s", rec.State, rec.Resolution)
	}

	buyer, _ := f.ledger.GetAccount(ctx, "buyer")
	seller, _ := f.ledger.GetAccount(ctx, "seller")
	if buyer.Available != "40.000000" {
		t.Errorf("buyer available = %s, want 40.000000", buyer.Available)
	}
	if seller.Available != "60.000000" {
		t.Errorf("seller available = %s, want 60.000000", seller.Available)
	}
}

func TestLocalOnlyModeSkipsSettlement(t *testing.T) {
	f := newFixture(t, false)
	f.fund(t, "buyer", "100")
	ctx := context.Background()

	// Any settlement call would fail; none should happen.
	f.sim.FailNext("lock", settlement.Transient("lock", errors.New("must not be called")))

	rec, err := f.engine.Lock(ctx, lockReq("trd_1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if rec.SettlementRef != "" {
		t.Error("expected no settlement ref in local-only mode")
	}
	if _, err := f.engine.Release(ctx, "trd_1", token.CES, "buyer"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestGateDenialBlocksLock(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")

	f.engine.WithGate(denyGate{})
	_, err := f.engine.Lock(context.Background(), lockReq("trd_1"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation from gate denial, got %v", err)
	}

	// No record, no fund movement.
	if _, err := f.engine.GetByTrade(context.Background(), "trd_1", token.CES); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected no record, got %v", err)
	}
}

type denyGate struct{}

func (denyGate) Authorize(ctx context.Context, accountID, tokenSym, amount, price string) error {
	return errors.New("velocity limit exceeded")
}

func TestPostOpValidatorInvoked(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")

	v := &countingValidator{}
	f.engine.WithValidator(v)

	if _, err := f.engine.Lock(context.Background(), lockReq("trd_1")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if v.calls == 0 {
		t.Error("expected post-op validator to run after lock")
	}
}

type countingValidator struct {
	calls int
}

func (v *countingValidator) ValidateAfterOperation(ctx context.Context, accountID string) error {
	v.calls++
	return nil
}

func TestTransitionSeqMonotone(t *testing.T) {
	f := newFixture(t, true)
	f.fund(t, "buyer", "100")
	f.fund(t, "seller", "0")
	ctx := context.Background()

	_, _ = f.engine.Lock(ctx, lockReq("trd_1"))
	_, _ = f.engine.MarkDisputed(ctx, "trd_1", token.CES, "dispute_engine")
	rec, err := f.engine.Release(ctx, "trd_1", token.CES, "moderator")
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(rec.Transitions) != 3 {
		t.Fatalf("transitions = %d, want 3", len(rec.Transitions))
	}
	for i, tr := range rec.Transitions {
		if tr.Seq != int64(i+1) {
			t.Errorf("transition %d seq = %d, want %d", i, tr.Seq, i+1)
		}
	}
}
