package settlement

import (
	"context"
	"errors"
	"testing"
)

func TestSimulatedLockReleaseRefund(t *testing.T) {
	s := NewSimulated()
	s.Fund("alice", "CES", "100.000000")
	ctx := context.Background()

	ref, err := s.Lock(ctx, "alice", "CES", "40")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	bal, _ := s.BalanceOf(ctx, "alice", "CES")
	if bal != "60.000000" {
		t.Errorf("expected 60.000000 after lock, got %s", bal)
	}

	if _, err := s.Release(ctx, ref, "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}
	bobBal, _ := s.BalanceOf(ctx, "bob", "CES")
	if bobBal != "40.000000" {
		t.Errorf("expected bob to hold 40.000000, got %s", bobBal)
	}

	// Double settlement must fail.
	if _, err := s.Refund(ctx, ref); !IsPermanent(err) {
		t.Errorf("expected permanent error on settled lock, got %v", err)
	}
}

func TestSimulatedRefundRestoresOwner(t *testing.T) {
	s := NewSimulated()
	s.Fund("alice", "CES", "50")
	ctx := context.Background()

	ref, err := s.Lock(ctx, "alice", "CES", "50")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.Refund(ctx, ref); err != nil {
		t.Fatalf("refund: %v", err)
	}

	bal, _ := s.BalanceOf(ctx, "alice", "CES")
	if bal != "50.000000" {
		t.Errorf("expected 50.000000 after refund, got %s", bal)
	}
}

func TestSimulatedInsufficientBalance(t *testing.T) {
	s := NewSimulated()
	s.Fund("alice", "CES", "10")

	_, err := s.Lock(context.Background(), "alice", "CES", "11")
	if !IsPermanent(err) {
		t.Fatalf("expected permanent insufficient-balance error, got %v", err)
	}
}

func TestSimulatedReleasePartial(t *testing.T) {
	s := NewSimulated()
	s.Fund("alice", "CES", "100")
	ctx := context.Background()

	ref, err := s.Lock(ctx, "alice", "CES", "100")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.ReleasePartial(ctx, ref, "bob", "30"); err != nil {
		t.Fatalf("release partial: %v", err)
	}

	bobBal, _ := s.BalanceOf(ctx, "bob", "CES")
	aliceBal, _ := s.BalanceOf(ctx, "alice", "CES")
	if bobBal != "30.000000" {
		t.Errorf("expected bob to hold 30.000000, got %s", bobBal)
	}
	if aliceBal != "70.000000" {
		t.Errorf("expected alice refunded 70.000000, got %s", aliceBal)
	}
}

func TestSimulatedReleasePartialExceedsHeld(t *testing.T) {
	s := NewSimulated()
	s.Fund("alice", "CES", "10")
	ctx := context.Background()

	ref, _ := s.Lock(ctx, "alice", "CES", "10")
	if _, err := s.ReleasePartial(ctx, ref, "bob", "11"); !IsPermanent(err) {
		t.Fatalf("expected permanent error releasing more than held, got %v", err)
	}
}

func TestSimulatedFailNext(t *testing.T) {
	s := NewSimulated()
	s.Fund("alice", "CES", "100")
	ctx := context.Background()

	want := Transient("lock", errors.New("rpc timeout"))
	s.FailNext("lock", want)

	_, err := s.Lock(ctx, "alice", "CES", "10")
	if !IsTransient(err) {
		t.Fatalf("expected scripted transient error, got %v", err)
	}

	// Failure consumed; next call succeeds and balance is untouched by the
	// failed attempt.
	if _, err := s.Lock(ctx, "alice", "CES", "10"); err != nil {
		t.Fatalf("lock after scripted failure: %v", err)
	}
	bal, _ := s.BalanceOf(ctx, "alice", "CES")
	if bal != "90.000000" {
		t.Errorf("expected 90.000000, got %s", bal)
	}
}

func TestErrorClassification(t *testing.T) {
	te := Transient("lock", errors.New("boom"))
	pe := Permanent("refund", ErrLockNotFound)

	if !IsTransient(te) || IsPermanent(te) {
		t.Error("transient error misclassified")
	}
	if !IsPermanent(pe) || IsTransient(pe) {
		t.Error("permanent error misclassified")
	}
	if !errors.Is(pe, ErrLockNotFound) {
		t.Error("expected Unwrap to expose ErrLockNotFound")
	}
}
