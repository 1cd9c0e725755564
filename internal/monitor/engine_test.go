package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stallwatch/internal/config"
	"stallwatch/internal/model"
	"stallwatch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		},
		Monitor: config.MonitorConfig{
			TxTimeout: 5 * time.Second,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(cfg, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(st, logger), st
}

func fullRecord(seller, item, price string, qty int) model.ListingRecord {
	d, _ := decimal.NewFromString(price)
	return model.ListingRecord{
		Seller:   seller,
		Item:     item,
		Price:    decimal.NewNullDecimal(d),
		Quantity: &qty,
		Source:   "f1",
		Mode:     model.ModeFull,
	}
}

func minimalRecord(seller, item string) model.ListingRecord {
	return model.ListingRecord{
		Seller: seller,
		Item:   item,
		Source: "f1",
		Mode:   model.ModeMinimal,
	}
}

func countRows(t *testing.T, st *store.Store, dst any) int64 {
	t.Helper()
	var n int64
	if err := st.DB().Model(dst).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func changeKinds(result DetectionResult) []model.ChangeKind {
	kinds := make([]model.ChangeKind, 0, len(result.Changes))
	for _, c := range result.Changes {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func TestProcessBatch_NewItem(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if len(result.NewCombos) != 1 {
		t.Fatalf("expected 1 new combo, got %d", len(result.NewCombos))
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangeNewItem {
		t.Fatalf("expected single NEW_ITEM change, got %v", changeKinds(result))
	}

	var listing model.MarketListing
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&listing).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if listing.Status != model.StatusNew {
		t.Fatalf("expected status NEW, got %s", listing.Status)
	}
	if !listing.Price.Valid || !listing.Price.Decimal.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("unexpected stored price: %v", listing.Price)
	}

	if n := countRows(t, st, &model.MonitorQueueEntry{}); n != 1 {
		t.Fatalf("expected 1 queue entry, got %d", n)
	}
	if n := countRows(t, st, &model.ListingHistory{}); n != 1 {
		t.Fatalf("expected 1 history row, got %d", n)
	}
}

func TestProcessBatch_Idempotent(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	batch := []model.ListingRecord{fullRecord("PlayerA", "Sword", "1500", 5)}

	if _, err := engine.ProcessBatch(ctx, "f1", batch); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	result, err := engine.ProcessBatch(ctx, "f1", batch)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}

	if len(result.Changes) != 0 {
		t.Fatalf("identical batch must produce no changes, got %v", changeKinds(result))
	}
	if n := countRows(t, st, &model.MarketListing{}); n != 1 {
		t.Fatalf("expected 1 listing row, got %d", n)
	}
	if n := countRows(t, st, &model.MonitorQueueEntry{}); n != 1 {
		t.Fatalf("expected 1 queue entry, got %d", n)
	}
	// 历史是追加式的，每个完整模式批次都会加一行
	if n := countRows(t, st, &model.ListingHistory{}); n != 2 {
		t.Fatalf("expected 2 history rows, got %d", n)
	}
}

func TestProcessBatch_PriceClassification(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "2000", 5),
	})
	if err != nil {
		t.Fatalf("increase batch: %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangePriceIncrease {
		t.Fatalf("expected PRICE_INCREASE, got %v", changeKinds(result))
	}
	if result.Changes[0].OldValue != "1500" || result.Changes[0].NewValue != "2000" {
		t.Fatalf("unexpected change values: %+v", result.Changes[0])
	}

	result, err = engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "900", 5),
	})
	if err != nil {
		t.Fatalf("decrease batch: %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangePriceDecrease {
		t.Fatalf("expected PRICE_DECREASE, got %v", changeKinds(result))
	}
}

func TestProcessBatch_QuantityClassification(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 2),
	})
	if err != nil {
		t.Fatalf("decrease batch: %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangeQuantityDecrease {
		t.Fatalf("expected QUANTITY_DECREASE, got %v", changeKinds(result))
	}
	if result.Changes[0].OldValue != "5" || result.Changes[0].NewValue != "2" {
		t.Fatalf("unexpected change values: %+v", result.Changes[0])
	}

	result, err = engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 9),
	})
	if err != nil {
		t.Fatalf("increase batch: %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangeQuantityIncrease {
		t.Fatalf("expected QUANTITY_INCREASE, got %v", changeKinds(result))
	}
}

func TestProcessBatch_MinimalDoesNotClobberPrice(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("full batch: %v", err)
	}

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		minimalRecord("PlayerA", "Sword"),
	})
	if err != nil {
		t.Fatalf("minimal batch: %v", err)
	}
	if len(result.Changes) != 0 {
		t.Fatalf("minimal re-sighting must produce no changes, got %v", changeKinds(result))
	}

	var listing model.MarketListing
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&listing).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if !listing.Price.Valid || !listing.Price.Decimal.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("minimal batch clobbered price: %v", listing.Price)
	}
	if listing.Quantity == nil || *listing.Quantity != 5 {
		t.Fatalf("minimal batch clobbered quantity: %v", listing.Quantity)
	}
	if listing.Mode != model.ModeMinimal {
		t.Fatalf("expected last mode minimal, got %s", listing.Mode)
	}
}

func TestProcessBatch_DuplicateKeyLastWins(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
		fullRecord("PlayerA", "Sword", "1800", 3),
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(result.NewCombos) != 1 {
		t.Fatalf("expected 1 new combo, got %d", len(result.NewCombos))
	}

	var listing model.MarketListing
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&listing).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if !listing.Price.Decimal.Equal(decimal.NewFromInt(1800)) {
		t.Fatalf("expected last record to win, stored price %v", listing.Price)
	}
	if n := countRows(t, st, &model.MarketListing{}); n != 1 {
		t.Fatalf("expected 1 listing row, got %d", n)
	}
}

func TestProcessBatch_RejectsBlankRecords(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("", "Sword", "1500", 5),
		fullRecord("PlayerA", "   ", "1500", 5),
		fullRecord("PlayerB", "Shield", "800", -3),
		fullRecord("PlayerA", "Sword", "1500", 5),
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Rejected != 3 {
		t.Fatalf("expected 3 rejected records, got %d", result.Rejected)
	}
	if n := countRows(t, st, &model.MarketListing{}); n != 1 {
		t.Fatalf("expected 1 listing row, got %d", n)
	}
}

func TestProcessBatch_SaleDetection(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	// 组合进入 UNCHECKED 后从批次中消失
	forceStatus(t, st, "PlayerA", "Sword", model.StatusUnchecked)

	result, err := engine.ProcessBatch(ctx, "f1", nil)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(result.RemovedCombos) != 1 {
		t.Fatalf("expected 1 removed combo, got %d", len(result.RemovedCombos))
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != model.ChangeSaleDetected {
		t.Fatalf("expected SALE_DETECTED, got %v", changeKinds(result))
	}

	var sale model.SaleLog
	if err := st.DB().First(&sale).Error; err != nil {
		t.Fatalf("load sale log: %v", err)
	}
	if sale.Seller != "PlayerA" || sale.Item != "Sword" {
		t.Fatalf("unexpected sale log: %+v", sale)
	}
	if !sale.LastPrice.Valid || !sale.LastPrice.Decimal.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("unexpected last price: %v", sale.LastPrice)
	}
	if sale.PrevStatus != model.StatusUnchecked {
		t.Fatalf("expected prev status UNCHECKED, got %s", sale.PrevStatus)
	}

	var listing model.MarketListing
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&listing).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if listing.Status != model.StatusGone {
		t.Fatalf("expected status GONE, got %s", listing.Status)
	}
}

func TestProcessBatch_CheckedAbsenceIsNotASale(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	forceStatus(t, st, "PlayerA", "Sword", model.StatusChecked)

	result, err := engine.ProcessBatch(ctx, "f1", nil)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(result.RemovedCombos) != 1 {
		t.Fatalf("expected 1 removed combo, got %d", len(result.RemovedCombos))
	}
	if len(result.Changes) != 0 {
		t.Fatalf("CHECKED absence must not log a sale, got %v", changeKinds(result))
	}
	if n := countRows(t, st, &model.SaleLog{}); n != 0 {
		t.Fatalf("expected no sale logs, got %d", n)
	}
}

func TestProcessBatch_ReappearanceResetsTimer(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	forceStatus(t, st, "PlayerA", "Sword", model.StatusUnchecked)
	forceStatusChangedAt(t, st, "PlayerA", "Sword", time.Now().Add(-time.Hour))

	reappearAt := time.Now()
	engine.now = func() time.Time { return reappearAt }

	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword", "1500", 5),
	})
	if err != nil {
		t.Fatalf("reappearance batch: %v", err)
	}

	if len(result.Transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(result.Transitions))
	}
	tr := result.Transitions[0]
	if tr.OldStatus != model.StatusUnchecked || tr.NewStatus != model.StatusChecked {
		t.Fatalf("expected UNCHECKED -> CHECKED, got %s -> %s", tr.OldStatus, tr.NewStatus)
	}

	var listing model.MarketListing
	if err := st.DB().Where("seller = ? AND item = ?", "PlayerA", "Sword").First(&listing).Error; err != nil {
		t.Fatalf("load listing: %v", err)
	}
	if listing.Status != model.StatusChecked {
		t.Fatalf("expected status CHECKED, got %s", listing.Status)
	}
	// 计时器必须重置：status_changed_at 是重新出现时间，不是一小时前
	if listing.StatusChangedAt.Before(reappearAt.Add(-time.Second)) {
		t.Fatalf("status_changed_at not reset: %s", listing.StatusChangedAt)
	}
}

func TestProcessBatch_ConcurrentSameCombo(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			price := fmt.Sprintf("%d", 1000+n)
			_, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
				fullRecord("PlayerA", "Sword", price, 5),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent batch failed: %v", err)
		}
	}

	// 唯一索引 + Upsert 兜底：并发下也绝不产生重复行
	if n := countRows(t, st, &model.MarketListing{}); n != 1 {
		t.Fatalf("expected 1 listing row, got %d", n)
	}
	if n := countRows(t, st, &model.MonitorQueueEntry{}); n != 1 {
		t.Fatalf("expected 1 queue entry, got %d", n)
	}

	// 首次出现只能被其中一个批次观测到：NEW_ITEM 不多不少恰好一条
	var newItems int64
	err := st.DB().Model(&model.ChangeLog{}).
		Where("kind = ?", model.ChangeNewItem).
		Count(&newItems).Error
	if err != nil {
		t.Fatalf("count NEW_ITEM changes: %v", err)
	}
	if newItems != 1 {
		t.Fatalf("expected exactly 1 NEW_ITEM change log entry, got %d", newItems)
	}
}

func TestProcessBatch_PriceAndQuantityInOneBatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword of Power", "1500", 5),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	// 价格与数量在同一批次里同时变化，一次调用要产出两条变更
	result, err := engine.ProcessBatch(ctx, "f1", []model.ListingRecord{
		fullRecord("PlayerA", "Sword of Power", "1600", 4),
	})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(result.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %v", changeKinds(result))
	}

	byKind := make(map[model.ChangeKind]model.ChangeLog, len(result.Changes))
	for _, c := range result.Changes {
		byKind[c.Kind] = c
	}
	price, ok := byKind[model.ChangePriceIncrease]
	if !ok {
		t.Fatalf("expected PRICE_INCREASE, got %v", changeKinds(result))
	}
	if price.OldValue != "1500" || price.NewValue != "1600" {
		t.Errorf("price change = %s→%s, want 1500→1600", price.OldValue, price.NewValue)
	}
	qty, ok := byKind[model.ChangeQuantityDecrease]
	if !ok {
		t.Fatalf("expected QUANTITY_DECREASE, got %v", changeKinds(result))
	}
	if qty.OldValue != "5" || qty.NewValue != "4" {
		t.Errorf("quantity change = %s→%s, want 5→4", qty.OldValue, qty.NewValue)
	}
}

func forceStatus(t *testing.T, st *store.Store, seller, item string, status model.ListingStatus) {
	t.Helper()
	for _, m := range []any{&model.MarketListing{}, &model.MonitorQueueEntry{}} {
		err := st.DB().Model(m).
			Where("seller = ? AND item = ?", seller, item).
			Update("status", status).Error
		if err != nil {
			t.Fatalf("force status: %v", err)
		}
	}
}

func forceStatusChangedAt(t *testing.T, st *store.Store, seller, item string, at time.Time) {
	t.Helper()
	for _, m := range []any{&model.MarketListing{}, &model.MonitorQueueEntry{}} {
		err := st.DB().Model(m).
			Where("seller = ? AND item = ?", seller, item).
			Update("status_changed_at", at).Error
		if err != nil {
			t.Fatalf("force status_changed_at: %v", err)
		}
	}
}
