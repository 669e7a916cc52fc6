package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cesnetwork/escrowd/internal/pagination"
)

func seedTrade(t *testing.T, store *MemoryStore, maker, taker, price, status string) *Trade {
	t.Helper()
	tr := &Trade{
		Token:   "CES",
		Amount:  "100",
		Price:   price,
		MakerID: maker,
		TakerID: taker,
		Status:  status,
	}
	if err := store.Create(context.Background(), tr); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return tr
}

func TestCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	tr := seedTrade(t, store, "alice", "bob", "1.500000", "")

	got, err := store.Get(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
	if got.MakerID != "alice" || got.TakerID != "bob" {
		t.Errorf("unexpected parties: %s/%s", got.MakerID, got.TakerID)
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "trd_missing")
	if !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestUpdateStatusSetsCompletedAt(t *testing.T) {
	store := NewMemoryStore()
	tr := seedTrade(t, store, "alice", "bob", "1", "")
	ctx := context.Background()

	if err := store.UpdateStatus(ctx, tr.ID, StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := store.Get(ctx, tr.ID)
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := store.UpdateStatus(ctx, tr.ID, "bogus"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestCountOrdersSince(t *testing.T) {
	store := NewMemoryStore()
	seedTrade(t, store, "alice", "bob", "1", "")
	seedTrade(t, store, "carol", "alice", "1", "")
	seedTrade(t, store, "carol", "dave", "1", "")

	count, err := store.CountOrdersSince(context.Background(), "alice", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	count, _ = store.CountOrdersSince(context.Background(), "alice", time.Now().Add(time.Hour))
	if count != 0 {
		t.Errorf("future window count = %d, want 0", count)
	}
}

func TestGetPriceStats(t *testing.T) {
	store := NewMemoryStore()
	seedTrade(t, store, "a", "b", "1.000000", "")
	seedTrade(t, store, "c", "d", "3.000000", "")
	seedTrade(t, store, "e", "f", "99.000000", StatusCancelled) // excluded

	stats, err := store.GetPriceStats(context.Background(), "CES", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("price stats: %v", err)
	}
	if stats.Count != 2 {
		t.Fatalf("count = %d, want 2", stats.Count)
	}
	if stats.Average != "2.000000" {
		t.Errorf("average = %s, want 2.000000", stats.Average)
	}
	if stats.Min != "1.000000" || stats.Max != "3.000000" {
		t.Errorf("min/max = %s/%s, want 1.000000/3.000000", stats.Min, stats.Max)
	}
}

func TestGetPriceStatsEmpty(t *testing.T) {
	store := NewMemoryStore()
	stats, err := store.GetPriceStats(context.Background(), "CES", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("price stats: %v", err)
	}
	if stats.Count != 0 || stats.Average != "0.000000" {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func TestCompletionStatsExcludesOpen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := seedTrade(t, store, "alice", "b", "1", "")
	cancelled := seedTrade(t, store, "alice", "c", "1", "")
	seedTrade(t, store, "alice", "d", "1", "") // stays open

	_ = store.UpdateStatus(ctx, done.ID, StatusCompleted)
	_ = store.UpdateStatus(ctx, cancelled.ID, StatusCancelled)

	completed, total, err := store.CompletionStats(ctx, "alice")
	if err != nil {
		t.Fatalf("completion stats: %v", err)
	}
	if completed != 1 || total != 2 {
		t.Errorf("completed/total = %d/%d, want 1/2", completed, total)
	}
}

func TestListByAccountNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	first := seedTrade(t, store, "alice", "b", "1", "")
	second := seedTrade(t, store, "alice", "c", "1", "")

	trades, err := store.ListByAccount(context.Background(), "alice", 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("len = %d, want 2", len(trades))
	}
	if trades[0].ID != second.ID || trades[1].ID != first.ID {
		t.Error("expected newest-first ordering")
	}
}

func TestListByAccountCursorResumes(t *testing.T) {
	store := NewMemoryStore()
	first := seedTrade(t, store, "alice", "b", "1", "")
	second := seedTrade(t, store, "alice", "c", "1", "")
	third := seedTrade(t, store, "alice", "d", "1", "")

	page, next, hasMore := listPage(t, store, "alice", 2, nil)
	if len(page) != 2 || !hasMore {
		t.Fatalf("page1 len=%d hasMore=%v, want 2/true", len(page), hasMore)
	}
	if page[0].ID != third.ID || page[1].ID != second.ID {
		t.Error("page1 should hold the two newest trades")
	}

	cursor, err := pagination.Decode(next)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	page, _, hasMore = listPage(t, store, "alice", 2, cursor)
	if len(page) != 1 || hasMore {
		t.Fatalf("page2 len=%d hasMore=%v, want 1/false", len(page), hasMore)
	}
	if page[0].ID != first.ID {
		t.Errorf("page2[0] = %s, want %s", page[0].ID, first.ID)
	}
}

func listPage(t *testing.T, store Store, accountID string, limit int, cursor *pagination.Cursor) ([]*Trade, string, bool) {
	t.Helper()
	trades, err := store.ListByAccount(context.Background(), accountID, limit+1, cursor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return pagination.ComputePage(trades, limit, func(tr *Trade) (time.Time, string) {
		return tr.CreatedAt, tr.ID
	})
}

func TestSetEscrowStatusAndDisputeRef(t *testing.T) {
	store := NewMemoryStore()
	tr := seedTrade(t, store, "alice", "bob", "1", "")
	ctx := context.Background()

	if err := store.SetEscrowStatus(ctx, tr.ID, "locked"); err != nil {
		t.Fatalf("set escrow status: %v", err)
	}
	if err := store.SetDisputeRef(ctx, tr.ID, "dsp_123"); err != nil {
		t.Fatalf("set dispute ref: %v", err)
	}

	got, _ := store.Get(ctx, tr.ID)
	if got.EscrowStatus != "locked" || got.DisputeRef != "dsp_123" {
		t.Errorf("got escrowStatus=%s disputeRef=%s", got.EscrowStatus, got.DisputeRef)
	}
}
