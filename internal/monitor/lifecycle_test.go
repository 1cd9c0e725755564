package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"stallwatch/internal/model"
	"stallwatch/internal/store"
)

func newTestChecker(t *testing.T, st *store.Store, delay time.Duration) *Checker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChecker(st, logger, delay)
}

func TestAdvanceTransitions_NewToChecked(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	checker := newTestChecker(t, st, 10*time.Minute)
	transitions, err := checker.AdvanceTransitions(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	tr := transitions[0]
	if tr.OldStatus != model.StatusNew || tr.NewStatus != model.StatusChecked {
		t.Fatalf("expected NEW -> CHECKED, got %s -> %s", tr.OldStatus, tr.NewStatus)
	}

	var listing model.MarketListing
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&listing).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if listing.Status != model.StatusChecked {
		t.Fatalf("expected listing status CHECKED, got %s", listing.Status)
	}
	var entry model.MonitorQueueEntry
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&entry).Error; err != nil {
		t.Fatalf("load queue entry: %v", err)
	}
	if entry.Status != model.StatusChecked {
		t.Fatalf("expected queue status CHECKED, got %s", entry.Status)
	}
}

func TestAdvanceTransitions_CheckedToUncheckedAfterDelay(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	delay := 10 * time.Minute
	checker := newTestChecker(t, st, delay)

	base := time.Now()
	checker.now = func() time.Time { return base }
	if _, err := checker.AdvanceTransitions(ctx); err != nil {
		t.Fatalf("first advance: %v", err)
	}

	// 等待时间未到：保持 CHECKED
	checker.now = func() time.Time { return base.Add(delay / 2) }
	transitions, err := checker.AdvanceTransitions(ctx)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if len(transitions) != 0 {
		t.Fatalf("expected no transitions before delay, got %d", len(transitions))
	}

	// 超过等待时间：转为 UNCHECKED
	checker.now = func() time.Time { return base.Add(delay + time.Second) }
	transitions, err = checker.AdvanceTransitions(ctx)
	if err != nil {
		t.Fatalf("third advance: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	tr := transitions[0]
	if tr.OldStatus != model.StatusChecked || tr.NewStatus != model.StatusUnchecked {
		t.Fatalf("expected CHECKED -> UNCHECKED, got %s -> %s", tr.OldStatus, tr.NewStatus)
	}
}

func TestLifecycle_FullCycleEndsInSale(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	delay := 10 * time.Minute
	checker := newTestChecker(t, st, delay)
	base := time.Now()

	// NEW -> CHECKED
	checker.now = func() time.Time { return base }
	if _, err := checker.AdvanceTransitions(ctx); err != nil {
		t.Fatalf("advance to CHECKED: %v", err)
	}

	// CHECKED -> UNCHECKED
	checker.now = func() time.Time { return base.Add(delay + time.Second) }
	if _, err := checker.AdvanceTransitions(ctx); err != nil {
		t.Fatalf("advance to UNCHECKED: %v", err)
	}

	// UNCHECKED 下消失 -> GONE + 销售记录
	result, err := engine.ProcessBatch(ctx, "f1", nil)
	if err != nil {
		t.Fatalf("absence batch: %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangeSaleDetected {
		t.Fatalf("expected SALE_DETECTED, got %v", changeKinds(result))
	}

	var entry model.MonitorQueueEntry
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&entry).Error; err != nil {
		t.Fatalf("load queue entry: %v", err)
	}
	if entry.Status != model.StatusGone {
		t.Fatalf("expected queue status GONE, got %s", entry.Status)
	}

	// 重新出现：GONE -> CHECKED，不回到 NEW
	result, err = engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1400", 3),
	})
	if err != nil {
		t.Fatalf("reappearance batch: %v", err)
	}
	if len(result.NewCombos) != 0 {
		t.Fatalf("reappearance must not count as a new combo")
	}
	if len(result.Transitions) != 1 || result.Transitions[0].NewStatus != model.StatusChecked {
		t.Fatalf("expected transition to CHECKED, got %+v", result.Transitions)
	}
}

func TestAdvanceTransitions_EmptyQueue(t *testing.T) {
	st := newTestStore(t)
	checker := newTestChecker(t, st, time.Minute)

	transitions, err := checker.AdvanceTransitions(context.Background())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(transitions) != 0 {
		t.Fatalf("expected no transitions, got %d", len(transitions))
	}
}
