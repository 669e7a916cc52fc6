package ledger

import (
	"context"
	"errors"
	"testing"
)

func newFunded(t *testing.T, accountID, amount string) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()
	if _, err := l.CreateAccount(ctx, accountID, "CES"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := l.Credit(ctx, accountID, amount, "seed", "initial deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return l, store
}

func TestEscrowLockMovesFunds(t *testing.T) {
	l, _ := newFunded(t, "alice", "100")
	ctx := context.Background()

	if err := l.EscrowLock(ctx, "alice", "40", "trade_1"); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	acct, err := l.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Available != "60.000000" {
		t.Errorf("available = %s, want 60.000000", acct.Available)
	}
	if acct.Escrowed != "40.000000" {
		t.Errorf("escrowed = %s, want 40.000000", acct.Escrowed)
	}
}

func TestEscrowLockInsufficientBalance(t *testing.T) {
	l, _ := newFunded(t, "alice", "10")

	err := l.EscrowLock(context.Background(), "alice", "10.000001", "trade_1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestEscrowReleasePaysCounterparty(t *testing.T) {
	l, _ := newFunded(t, "alice", "100")
	ctx := context.Background()

	if err := l.EscrowLock(ctx, "alice", "100", "trade_1"); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	if err := l.EscrowRelease(ctx, "alice", "bob", "100", "trade_1"); err != nil {
		t.Fatalf("escrow release: %v", err)
	}

	alice, _ := l.GetAccount(ctx, "alice")
	bob, _ := l.GetAccount(ctx, "bob")
	if alice.Escrowed != "0.000000" {
		t.Errorf("alice escrowed = %s, want 0.000000", alice.Escrowed)
	}
	if bob.Available != "100.000000" {
		t.Errorf("bob available = %s, want 100.000000", bob.Available)
	}
}

func TestEscrowRefundRestoresAvailable(t *testing.T) {
	l, _ := newFunded(t, "alice", "50")
	ctx := context.Background()

	if err := l.EscrowLock(ctx, "alice", "50", "trade_1"); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	if err := l.EscrowRefund(ctx, "alice", "50", "trade_1"); err != nil {
		t.Fatalf("escrow refund: %v", err)
	}

	acct, _ := l.GetAccount(ctx, "alice")
	if acct.Available != "50.000000" || acct.Escrowed != "0.000000" {
		t.Errorf("got available=%s escrowed=%s, want 50.000000/0.000000", acct.Available, acct.Escrowed)
	}
}

func TestEscrowSplit(t *testing.T) {
	l, _ := newFunded(t, "alice", "100")
	ctx := context.Background()

	if err := l.EscrowLock(ctx, "alice", "100", "trade_1"); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	if err := l.EscrowSplit(ctx, "alice", "bob", "60", "40", "trade_1"); err != nil {
		t.Fatalf("escrow split: %v", err)
	}

	alice, _ := l.GetAccount(ctx, "alice")
	bob, _ := l.GetAccount(ctx, "bob")
	if alice.Available != "40.000000" {
		t.Errorf("alice available = %s, want 40.000000", alice.Available)
	}
	if alice.Escrowed != "0.000000" {
		t.Errorf("alice escrowed = %s, want 0.000000", alice.Escrowed)
	}
	if bob.Available != "60.000000" {
		t.Errorf("bob available = %s, want 60.000000", bob.Available)
	}
}

func TestResetNegativeEscrow(t *testing.T) {
	l, store := newFunded(t, "alice", "10")
	ctx := context.Background()

	store.SetEscrowed("alice", "-5.000000")

	deficit, err := store.ResetNegativeEscrow(ctx, "alice", "recon_1")
	if err != nil {
		t.Fatalf("reset negative escrow: %v", err)
	}
	if deficit != "5.000000" {
		t.Errorf("deficit = %s, want 5.000000", deficit)
	}

	acct, _ := l.GetAccount(ctx, "alice")
	if acct.Escrowed != "0.000000" {
		t.Errorf("escrowed = %s, want 0.000000", acct.Escrowed)
	}
}

func TestResetNegativeEscrowNoop(t *testing.T) {
	_, store := newFunded(t, "alice", "10")

	deficit, err := store.ResetNegativeEscrow(context.Background(), "alice", "recon_1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if deficit != "0.000000" {
		t.Errorf("deficit = %s, want 0.000000", deficit)
	}
}

func TestOverwriteAvailable(t *testing.T) {
	l, store := newFunded(t, "alice", "100")
	ctx := context.Background()

	if err := store.OverwriteAvailable(ctx, "alice", "42.500000", "recon_1", "drift_fix"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	acct, _ := l.GetAccount(ctx, "alice")
	if acct.Available != "42.500000" {
		t.Errorf("available = %s, want 42.500000", acct.Available)
	}
}

func TestSetPolicy(t *testing.T) {
	l, _ := newFunded(t, "alice", "10")
	ctx := context.Background()

	if err := l.SetPolicy(ctx, "alice", PolicyManualOverride, "under investigation"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	acct, _ := l.GetAccount(ctx, "alice")
	if acct.Policy != PolicyManualOverride {
		t.Errorf("policy = %s, want manual_override", acct.Policy)
	}

	if err := l.SetPolicy(ctx, "alice", "bogus", ""); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	l, _ := newFunded(t, "alice", "10")

	_, err := l.CreateAccount(context.Background(), "alice", "CES")
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestAuditSnapshotsRecorded(t *testing.T) {
	store := NewMemoryStore()
	audit := NewMemoryAuditLogger()
	l := New(store, WithAudit(audit))
	ctx := WithActor(context.Background(), "trader", "alice")

	if _, err := l.CreateAccount(ctx, "alice", "CES"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := l.Credit(ctx, "alice", "100", "seed", "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.EscrowLock(ctx, "alice", "30", "trade_1"); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	entries := audit.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	lock := entries[1]
	if lock.Operation != "escrow_lock" || lock.ActorID != "alice" {
		t.Errorf("unexpected audit entry: %+v", lock)
	}
	if lock.BeforeState == lock.AfterState {
		t.Error("expected before/after snapshots to differ")
	}
}

func TestGetHistoryNewestFirst(t *testing.T) {
	l, _ := newFunded(t, "alice", "100")
	ctx := context.Background()

	_ = l.EscrowLock(ctx, "alice", "10", "trade_1")
	_ = l.EscrowRefund(ctx, "alice", "10", "trade_1")

	history, err := l.GetHistory(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Type != "escrow_refund" {
		t.Errorf("newest entry = %s, want escrow_refund", history[0].Type)
	}
}
