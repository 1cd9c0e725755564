package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stallwatch/internal/model"
	"stallwatch/internal/pkg/metrics"
	"stallwatch/internal/store"
)

// maxTxRetries 可重试事务错误（死锁、序列化冲突）的最大重试次数。
const maxTxRetries = 3

// Engine 变更检测引擎。
//
// 一次 ProcessBatch 调用对应一个捕获区域的一批解析记录，整个批次
// 在单个可串行化事务内完成：对比、写历史、写变更日志、更新在售快照
// 与监控队列。事务冲突时整批重试。
type Engine struct {
	store  *store.Store
	logger *slog.Logger

	// now 可替换，便于测试控制时间
	now func() time.Time
}

// DetectionResult 一次批次处理的汇总结果。
type DetectionResult struct {
	Changes       []model.ChangeLog        // 本批次产生的全部语义变更
	NewCombos     []model.ListingKey       // 首次出现的组合
	RemovedCombos []model.ListingKey       // 上一批存在、本批缺席的组合
	Transitions   []model.StatusTransition // 批次内触发的状态迁移（重新出现、销售判定）
	Rejected      int                      // 校验失败被丢弃的记录数
}

// NewEngine 创建变更检测引擎。
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// ProcessBatch 处理一个捕获区域的一批解析记录。
//
// source 标识捕获区域；records 允许为空——空批次仍会对该区域做缺席
// 扫描（所有此前在售的组合都算消失）。同一事务内：
//
//  1. 校验并按 (seller, item) 去重，后来者覆盖先到者
//  2. 对每个组合与在售快照比对，产出 NEW_ITEM / 价格 / 数量变更
//  3. UNCHECKED 状态下消失的组合判定为销售
//  4. 完整模式记录追加历史
//
// 可重试的数据库错误（死锁、序列化冲突、锁超时）会整批重试。
func (e *Engine) ProcessBatch(ctx context.Context, source string, records []model.ListingRecord) (DetectionResult, error) {
	start := e.now()

	valid, rejected := e.validateRecords(source, records)
	deduped := dedupeLastWins(valid)

	var result DetectionResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = e.processOnce(ctx, source, deduped)
		if err == nil || !IsRetryable(err) || attempt >= maxTxRetries {
			break
		}
		e.logger.Warn("batch transaction conflict, retrying",
			slog.String("source", source),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	result.Rejected = rejected
	metrics.RecordsRejectedTotal.Add(float64(rejected))
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	metrics.BatchesTotal.WithLabelValues(source, classifyBatchStatus(err)).Inc()
	if err != nil {
		return result, fmt.Errorf("process batch %s: %w", source, err)
	}
	for _, c := range result.Changes {
		metrics.ChangesTotal.WithLabelValues(string(c.Kind)).Inc()
	}

	e.logger.Info("batch processed",
		slog.String("source", source),
		slog.Int("records", len(deduped)),
		slog.Int("rejected", rejected),
		slog.Int("changes", len(result.Changes)),
		slog.Int("new", len(result.NewCombos)),
		slog.Int("removed", len(result.RemovedCombos)))

	return result, nil
}

// validateRecords 丢弃 seller 或 item 为空的记录。
func (e *Engine) validateRecords(source string, records []model.ListingRecord) ([]model.ListingRecord, int) {
	valid := make([]model.ListingRecord, 0, len(records))
	rejected := 0
	for _, r := range records {
		r.Seller = strings.TrimSpace(r.Seller)
		r.Item = strings.TrimSpace(r.Item)
		if r.Seller == "" || r.Item == "" {
			rejected++
			continue
		}
		if r.Quantity != nil && *r.Quantity < 0 {
			rejected++
			continue
		}
		if r.Source == "" {
			r.Source = source
		}
		valid = append(valid, r)
	}
	if rejected > 0 {
		e.logger.Warn("rejected invalid records",
			slog.String("source", source),
			slog.Int("count", rejected))
	}
	return valid, rejected
}

// dedupeLastWins 同一批内重复的 (seller, item) 只保留最后一条。
func dedupeLastWins(records []model.ListingRecord) []model.ListingRecord {
	index := make(map[model.ListingKey]int, len(records))
	out := make([]model.ListingRecord, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.Key()]; ok {
			out[i] = r
			continue
		}
		index[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

// processOnce 执行单次事务。
func (e *Engine) processOnce(ctx context.Context, source string, records []model.ListingRecord) (DetectionResult, error) {
	var result DetectionResult
	now := e.now()

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		result = DetectionResult{}

		prior, err := store.ListBySource(tx, source)
		if err != nil {
			return err
		}
		priorByKey := make(map[model.ListingKey]model.MarketListing, len(prior))
		for _, l := range prior {
			priorByKey[model.ListingKey{Seller: l.Seller, Item: l.Item}] = l
		}

		present := make(map[model.ListingKey]bool, len(records))
		var histories []model.ListingHistory
		var changes []model.ChangeLog

		for _, r := range records {
			present[r.Key()] = true

			listing, ok, err := store.GetListing(tx, r.Seller, r.Item)
			if err != nil {
				return err
			}

			if !ok {
				if err := e.insertListing(tx, r, now, &result, &changes); err != nil {
					return err
				}
			} else {
				if err := e.updateListing(tx, r, listing, now, &result, &changes); err != nil {
					return err
				}
			}

			// 队列幂等入队：组合存在时只刷新 last_seen_at
			if err := store.UpsertQueueEntry(tx, &model.MonitorQueueEntry{
				Seller:          r.Seller,
				Item:            r.Item,
				Status:          model.StatusNew,
				StatusChangedAt: now,
				LastSeenAt:      now,
			}); err != nil {
				return err
			}

			if r.Mode == model.ModeFull && r.Price.Valid && r.Quantity != nil {
				histories = append(histories, model.ListingHistory{
					Seller:   r.Seller,
					Item:     r.Item,
					Price:    r.Price.Decimal,
					Quantity: *r.Quantity,
					Source:   r.Source,
				})
			}
		}

		// 缺席扫描：上一批存在、本批没有的组合
		for key, listing := range priorByKey {
			if present[key] {
				continue
			}
			result.RemovedCombos = append(result.RemovedCombos, key)

			// 只有 UNCHECKED 状态下消失才判定为销售
			if listing.Status != model.StatusUnchecked {
				continue
			}
			if err := e.recordSale(tx, listing, now, &result, &changes); err != nil {
				return err
			}
		}

		if err := store.AppendHistory(tx, histories); err != nil {
			return err
		}
		if err := store.AppendChanges(tx, changes); err != nil {
			return err
		}
		result.Changes = changes
		return nil
	})

	return result, err
}

// insertListing 处理首次出现的组合。
func (e *Engine) insertListing(tx *gorm.DB, r model.ListingRecord, now time.Time, result *DetectionResult, changes *[]model.ChangeLog) error {
	listing := model.MarketListing{
		Seller:          r.Seller,
		Item:            r.Item,
		Price:           r.Price,
		Quantity:        r.Quantity,
		Status:          model.StatusNew,
		Mode:            r.Mode,
		Source:          r.Source,
		StatusChangedAt: now,
		LastSeenAt:      now,
	}
	// OnConflict 兜底：并发批次同时插入同一组合时退化为更新
	if err := store.UpsertListing(tx, &listing); err != nil {
		return err
	}

	result.NewCombos = append(result.NewCombos, r.Key())
	*changes = append(*changes, model.ChangeLog{
		Seller:   r.Seller,
		Item:     r.Item,
		Kind:     model.ChangeNewItem,
		NewValue: priceString(r.Price),
	})
	return nil
}

// updateListing 处理已存在的组合：价格/数量分类、重新出现规则、快照刷新。
func (e *Engine) updateListing(tx *gorm.DB, r model.ListingRecord, listing model.MarketListing, now time.Time, result *DetectionResult, changes *[]model.ChangeLog) error {
	// 价格变更只在新旧价格都已知时分类
	if r.Price.Valid && listing.Price.Valid && !r.Price.Decimal.Equal(listing.Price.Decimal) {
		kind := model.ChangePriceIncrease
		if r.Price.Decimal.LessThan(listing.Price.Decimal) {
			kind = model.ChangePriceDecrease
		}
		*changes = append(*changes, model.ChangeLog{
			Seller:   r.Seller,
			Item:     r.Item,
			Kind:     kind,
			OldValue: priceString(listing.Price),
			NewValue: priceString(r.Price),
		})
	}

	if r.Quantity != nil && listing.Quantity != nil && *r.Quantity != *listing.Quantity {
		kind := model.ChangeQuantityIncrease
		if *r.Quantity < *listing.Quantity {
			kind = model.ChangeQuantityDecrease
		}
		*changes = append(*changes, model.ChangeLog{
			Seller:   r.Seller,
			Item:     r.Item,
			Kind:     kind,
			OldValue: strconv.Itoa(*listing.Quantity),
			NewValue: strconv.Itoa(*r.Quantity),
		})
	}

	// 重新出现：UNCHECKED / GONE 回到 CHECKED，计时器重置
	if listing.Status == model.StatusUnchecked || listing.Status == model.StatusGone {
		if err := store.SetListingStatus(tx, r.Seller, r.Item, model.StatusChecked, now); err != nil {
			return err
		}
		if err := store.SetQueueStatus(tx, r.Seller, r.Item, model.StatusChecked, now); err != nil {
			return err
		}
		result.Transitions = append(result.Transitions, model.StatusTransition{
			Seller:    r.Seller,
			Item:      r.Item,
			OldStatus: listing.Status,
			NewStatus: model.StatusChecked,
		})
		metrics.TransitionsTotal.WithLabelValues(string(model.StatusChecked)).Inc()
	}

	// 快照刷新：minimal 模式不覆盖已知的价格与数量
	updates := map[string]any{
		"source":       r.Source,
		"mode":         r.Mode,
		"last_seen_at": now,
	}
	if r.Mode == model.ModeFull {
		updates["price"] = r.Price
		updates["quantity"] = r.Quantity
	}
	return tx.Model(&model.MarketListing{}).
		Where("seller = ? AND item = ?", r.Seller, r.Item).
		Updates(updates).Error
}

// recordSale 记录一次销售判定并把组合转为 GONE。
func (e *Engine) recordSale(tx *gorm.DB, listing model.MarketListing, now time.Time, result *DetectionResult, changes *[]model.ChangeLog) error {
	if err := store.CreateSaleLog(tx, &model.SaleLog{
		Seller:     listing.Seller,
		Item:       listing.Item,
		LastPrice:  listing.Price,
		PrevStatus: listing.Status,
	}); err != nil {
		return err
	}

	*changes = append(*changes, model.ChangeLog{
		Seller:   listing.Seller,
		Item:     listing.Item,
		Kind:     model.ChangeSaleDetected,
		OldValue: priceString(listing.Price),
	})

	if err := store.SetListingStatus(tx, listing.Seller, listing.Item, model.StatusGone, now); err != nil {
		return err
	}
	if err := store.SetQueueStatus(tx, listing.Seller, listing.Item, model.StatusGone, now); err != nil {
		return err
	}
	result.Transitions = append(result.Transitions, model.StatusTransition{
		Seller:    listing.Seller,
		Item:      listing.Item,
		OldStatus: listing.Status,
		NewStatus: model.StatusGone,
	})
	metrics.TransitionsTotal.WithLabelValues(string(model.StatusGone)).Inc()
	return nil
}

// priceString 把可空价格转为日志友好的字符串，未知价格为空串。
func priceString(p decimal.NullDecimal) string {
	if !p.Valid {
		return ""
	}
	return p.Decimal.String()
}
