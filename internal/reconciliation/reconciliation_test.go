package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cesnetwork/escrowd/internal/escrow"
	"github.com/cesnetwork/escrowd/internal/ledger"
	"github.com/cesnetwork/escrowd/internal/settlement"
	"github.com/cesnetwork/escrowd/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, backed bool) (*Service, *ledger.Ledger, *ledger.MemoryStore, *settlement.Simulated) {
	t.Helper()
	store := ledger.NewMemoryStore()
	led := ledger.New(store)
	sim := settlement.NewSimulated()
	svc := NewService(Config{SettlementBacked: backed}, led, sim)
	return svc, led, store, sim
}

func fund(t *testing.T, led *ledger.Ledger, sim *settlement.Simulated, accountID, amount string) {
	t.Helper()
	ctx := context.Background()
	if _, err := led.CreateAccount(ctx, accountID, token.CES); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := led.Credit(ctx, accountID, amount, "seed", "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	sim.Fund(accountID, token.CES, amount)
}

func TestValidateAccount_Clean(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "100")

	report, err := svc.ValidateAccount(context.Background(), "alice", token.CES, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Classification != ClassNone {
		t.Errorf("classification = %s, want none", report.Classification)
	}
	if report.Delta != "0.000000" {
		t.Errorf("delta = %s, want 0.000000", report.Delta)
	}
}

func TestValidateAccount_DriftReported(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "100")
	sim.SetBalance("alice", token.CES, "90")

	report, err := svc.ValidateAccount(context.Background(), "alice", token.CES, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Classification != ClassDrift {
		t.Fatalf("classification = %s, want drift", report.Classification)
	}
	if report.Delta != "-10.000000" {
		t.Errorf("delta = %s, want -10.000000", report.Delta)
	}
	if report.Issues[0].Fixed {
		t.Error("issue should not be fixed without autoFix")
	}

	// Local value untouched.
	acct, _ := led.GetAccount(context.Background(), "alice")
	if acct.Available != "100.000000" {
		t.Errorf("available = %s, want 100.000000", acct.Available)
	}
}

func TestValidateAccount_DriftAutoFixed(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "100")
	sim.SetBalance("alice", token.CES, "90")

	report, err := svc.ValidateAccount(context.Background(), "alice", token.CES, ValidateOptions{AutoFix: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	issue := report.Issues[0]
	if !issue.Fixed {
		t.Fatal("expected drift to be fixed")
	}
	if issue.Before != "100.000000" || issue.After != "90.000000" {
		t.Errorf("got before=%s after=%s", issue.Before, issue.After)
	}
	if report.CorrectiveAction != "auto-fixed" {
		t.Errorf("corrective action = %s", report.CorrectiveAction)
	}

	// Settlement truth now mirrors locally.
	acct, _ := led.GetAccount(context.Background(), "alice")
	if acct.Available != "90.000000" {
		t.Errorf("available = %s, want 90.000000", acct.Available)
	}
}

func TestValidateAccount_ManualOverrideNeverFixed(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "100")
	sim.SetBalance("alice", token.CES, "90")
	if err := led.SetPolicy(context.Background(), "alice", ledger.PolicyManualOverride, "under investigation"); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	report, err := svc.ValidateAccount(context.Background(), "alice", token.CES, ValidateOptions{AutoFix: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Classification != ClassDrift {
		t.Fatalf("classification = %s, want drift", report.Classification)
	}
	if report.Issues[0].Fixed {
		t.Error("protected account must not be auto-fixed")
	}
	if report.CorrectiveAction != "skipped: manual override policy" {
		t.Errorf("corrective action = %s", report.CorrectiveAction)
	}

	acct, _ := led.GetAccount(context.Background(), "alice")
	if acct.Available != "100.000000" {
		t.Errorf("available = %s, want 100.000000", acct.Available)
	}
}

func TestValidateAccount_LocalOnlySkipsDrift(t *testing.T) {
	svc, led, _, sim := newService(t, false)
	fund(t, led, sim, "alice", "100")
	sim.SetBalance("alice", token.CES, "0")

	report, err := svc.ValidateAccount(context.Background(), "alice", token.CES, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Classification != ClassNone {
		t.Errorf("classification = %s, want none in local-only mode", report.Classification)
	}
}

func TestSweep_NegativeEscrowFixed(t *testing.T) {
	svc, led, store, sim := newService(t, true)
	fund(t, led, sim, "alice", "10")
	fund(t, led, sim, "bob", "10")
	fund(t, led, sim, "carol", "10")
	store.SetEscrowed("bob", "-2.000000")

	result, err := svc.ValidateAll(context.Background(), SweepOptions{AutoFix: true, OnlyWithIssues: true})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Checked != 3 || result.WithIssues != 1 || result.FixesApplied != 1 {
		t.Errorf("got checked=%d withIssues=%d fixes=%d", result.Checked, result.WithIssues, result.FixesApplied)
	}
	if len(result.Reports) != 1 {
		t.Fatalf("reports = %d, want only the account with issues", len(result.Reports))
	}

	report := result.Reports[0]
	if report.AccountID != "bob" || report.Classification != ClassNegativeEscrow {
		t.Errorf("got account=%s classification=%s", report.AccountID, report.Classification)
	}
	issue := report.Issues[0]
	if issue.Before != "-2.000000" || issue.After != "0.000000" {
		t.Errorf("got before=%s after=%s", issue.Before, issue.After)
	}

	acct, _ := led.GetAccount(context.Background(), "bob")
	if acct.Escrowed != "0.000000" {
		t.Errorf("escrowed = %s, want 0.000000", acct.Escrowed)
	}
	if acct.Available != "12.000000" {
		t.Errorf("available = %s, want 12.000000 (deficit restored)", acct.Available)
	}
}

func TestSweep_Limit(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "10")
	fund(t, led, sim, "bob", "10")
	fund(t, led, sim, "carol", "10")

	result, err := svc.ValidateAll(context.Background(), SweepOptions{Limit: 2})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Checked != 2 {
		t.Errorf("checked = %d, want 2", result.Checked)
	}
}

func TestValidateAccount_OrphanedLock(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "100")

	escrows := escrow.NewMemoryStore()
	stale := time.Now().Add(-time.Hour)
	if err := escrows.Create(context.Background(), &escrow.Record{
		ID: "esc_stale", TradeID: "trd_stale", Token: token.CES,
		OwnerID: "alice", BeneficiaryID: "bob", Amount: "5.000000",
		State: escrow.StateLocked, CreatedAt: stale, UpdatedAt: stale,
	}); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	svc.WithEscrowStore(escrows)

	report, err := svc.ValidateAccount(context.Background(), "alice", token.CES, ValidateOptions{CheckOrphans: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Classification != ClassOrphanedLock {
		t.Fatalf("classification = %s, want orphaned_lock", report.Classification)
	}
	if report.Issues[0].Fixed {
		t.Error("orphaned locks are report-only")
	}
}

func TestValidateAfterOperation(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "100")

	if err := svc.ValidateAfterOperation(context.Background(), "alice"); err != nil {
		t.Fatalf("expected clean post-op check, got %v", err)
	}

	sim.SetBalance("alice", token.CES, "50")
	err := svc.ValidateAfterOperation(context.Background(), "alice")
	if err == nil {
		t.Fatal("expected post-op check to report drift")
	}
}

func TestSweep_AccountErrorDoesNotAbort(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "10")
	fund(t, led, sim, "bob", "10")
	sim.FailNext("balance", settlement.Transient("balance", context.DeadlineExceeded))

	// A settlement hiccup on one account degrades that check, not the sweep.
	result, err := svc.ValidateAll(context.Background(), SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Checked != 2 {
		t.Errorf("checked = %d, want 2", result.Checked)
	}
}

func TestTimerSkipsOverlappingSweeps(t *testing.T) {
	svc, led, _, sim := newService(t, true)
	fund(t, led, sim, "alice", "10")

	timer := NewTimer(svc, SweepOptions{}, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)
	defer timer.Stop()

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer never started")
	}

	// Simulate a sweep in flight: ticks must not stack a second one.
	timer.sweeping.Store(true)
	time.Sleep(50 * time.Millisecond)
	timer.sweeping.Store(false)
}
