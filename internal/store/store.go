package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"stallwatch/internal/config"
	"stallwatch/internal/model"
)

// Store 封装所有数据库访问。
//
// 四类记录集（market_listings / listing_histories / change_logs /
// monitor_queue_entries）加上 sale_logs 都经由这里读写；批次处理必须
// 走 Transaction 以获得可串行化隔离。
type Store struct {
	db        *gorm.DB
	logger    *slog.Logger
	txTimeout time.Duration
}

// Open 按配置选择驱动连接数据库并执行自动迁移。
//
// 生产环境使用 MySQL；本地与测试使用 SQLite（内存或文件）。
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.Database.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite" {
		// SQLite 单写者，限制连接数避免 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&model.MarketListing{},
		&model.ListingHistory{},
		&model.ChangeLog{},
		&model.MonitorQueueEntry{},
		&model.SaleLog{},
	); err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		logger:    logger,
		txTimeout: cfg.Monitor.TxTimeout,
	}, nil
}

// DB 暴露底层句柄，仅供只读查询接口使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction 在可串行化隔离级别下执行 fn，并用 txTimeout 限制整个事务。
//
// SQLite 不支持显式隔离级别设置，但其写事务本身就是串行的，
// GORM 会忽略不支持的选项。
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	return s.db.WithContext(txCtx).Transaction(fn, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// GetListing 按 (seller, item) 查询在售行。
//
// 未找到不是错误：第二个返回值显式表示是否存在。
func GetListing(tx *gorm.DB, seller, item string) (model.MarketListing, bool, error) {
	var listing model.MarketListing
	err := tx.Where("seller = ? AND item = ?", seller, item).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.MarketListing{}, false, nil
	}
	if err != nil {
		return model.MarketListing{}, false, err
	}
	return listing, true, nil
}

// ListBySource 返回某个捕获区域当前未消失（非 GONE）的全部在售行。
func ListBySource(tx *gorm.DB, source string) ([]model.MarketListing, error) {
	var listings []model.MarketListing
	err := tx.Where("source = ? AND status <> ?", source, model.StatusGone).
		Find(&listings).Error
	return listings, err
}

// UpsertListing 原子化写入在售行。
//
// 以 (seller, item) 唯一索引做冲突检测；并发批次同时插入同一组合时，
// 后到者退化为更新而不是报错。状态列不在更新集中，生命周期归检查器管。
func UpsertListing(tx *gorm.DB, listing *model.MarketListing) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "seller"}, {Name: "item"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"price", "quantity", "mode", "source", "last_seen_at", "updated_at",
		}),
	}).Create(listing).Error
}

// UpsertQueueEntry 幂等入队。
//
// 组合已存在时只刷新 last_seen_at，绝不产生第二行。
func UpsertQueueEntry(tx *gorm.DB, entry *model.MonitorQueueEntry) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "seller"}, {Name: "item"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at"}),
	}).Create(entry).Error
}

// AppendHistory 追加完整模式的历史记录。
func AppendHistory(tx *gorm.DB, entries []model.ListingHistory) error {
	if len(entries) == 0 {
		return nil
	}
	return tx.Create(&entries).Error
}

// AppendChanges 追加变更日志。
func AppendChanges(tx *gorm.DB, changes []model.ChangeLog) error {
	if len(changes) == 0 {
		return nil
	}
	return tx.Create(&changes).Error
}

// CreateSaleLog 记录一次销售判定。
func CreateSaleLog(tx *gorm.DB, sale *model.SaleLog) error {
	return tx.Create(sale).Error
}

// SetListingStatus 修改在售行的生命周期状态并刷新 status_changed_at。
func SetListingStatus(tx *gorm.DB, seller, item string, status model.ListingStatus, at time.Time) error {
	return tx.Model(&model.MarketListing{}).
		Where("seller = ? AND item = ?", seller, item).
		Updates(map[string]any{
			"status":            status,
			"status_changed_at": at,
		}).Error
}

// SetQueueStatus 修改监控队列行的状态并刷新 status_changed_at。
func SetQueueStatus(tx *gorm.DB, seller, item string, status model.ListingStatus, at time.Time) error {
	return tx.Model(&model.MonitorQueueEntry{}).
		Where("seller = ? AND item = ?", seller, item).
		Updates(map[string]any{
			"status":            status,
			"status_changed_at": at,
		}).Error
}

// ListQueueByStatus 返回处于指定状态的全部监控队列行。
func ListQueueByStatus(tx *gorm.DB, statuses ...model.ListingStatus) ([]model.MonitorQueueEntry, error) {
	var entries []model.MonitorQueueEntry
	err := tx.Where("status IN ?", statuses).Find(&entries).Error
	return entries, err
}

// StatusSummary 返回各生命周期状态下的组合数量。
func (s *Store) StatusSummary(ctx context.Context) (map[model.ListingStatus]int64, error) {
	type row struct {
		Status model.ListingStatus
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.MarketListing{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := make(map[model.ListingStatus]int64, len(rows))
	for _, r := range rows {
		summary[r.Status] = r.Count
	}
	return summary, nil
}

// RecentChanges 按时间倒序返回最近的变更日志。
func (s *Store) RecentChanges(ctx context.Context, limit int) ([]model.ChangeLog, error) {
	var changes []model.ChangeLog
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

// RecentSales 按时间倒序返回最近的销售判定。
func (s *Store) RecentSales(ctx context.Context, limit int) ([]model.SaleLog, error) {
	var sales []model.SaleLog
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&sales).Error
	return sales, err
}

// Health 做一次轻量健康检查：数据库可达且监控队列无孤儿行
// （队列里的组合必须在 market_listings 中存在）。
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	var orphans int64
	err = s.db.WithContext(ctx).Model(&model.MonitorQueueEntry{}).
		Where("NOT EXISTS (SELECT 1 FROM market_listings ml WHERE ml.seller = monitor_queue_entries.seller AND ml.item = monitor_queue_entries.item)").
		Count(&orphans).Error
	if err != nil {
		return err
	}
	if orphans > 0 {
		return fmt.Errorf("monitor queue has %d orphan entries", orphans)
	}
	return nil
}

// CleanupOldData 物理删除超过保留期的数据。
//
// 历史、变更日志、销售记录按创建时间裁剪；GONE 状态超期的在售行
// 与对应队列行一并删除。返回各表删除的行数。
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) (map[string]int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := make(map[string]int64)

	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.ListingHistory{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted["listing_histories"] = res.RowsAffected

	res = s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.ChangeLog{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted["change_logs"] = res.RowsAffected

	res = s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.SaleLog{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted["sale_logs"] = res.RowsAffected

	// 先删队列行再删在售行，避免出现孤儿
	res = s.db.WithContext(ctx).
		Where("status = ? AND status_changed_at < ?", model.StatusGone, cutoff).
		Delete(&model.MonitorQueueEntry{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted["monitor_queue_entries"] = res.RowsAffected

	res = s.db.WithContext(ctx).
		Where("status = ? AND status_changed_at < ?", model.StatusGone, cutoff).
		Delete(&model.MarketListing{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted["market_listings"] = res.RowsAffected

	s.logger.Info("cleanup finished",
		slog.Int("retention_days", retentionDays),
		slog.Int64("listing_histories", deleted["listing_histories"]),
		slog.Int64("change_logs", deleted["change_logs"]),
		slog.Int64("sale_logs", deleted["sale_logs"]),
		slog.Int64("market_listings", deleted["market_listings"]),
		slog.Int64("monitor_queue_entries", deleted["monitor_queue_entries"]))

	return deleted, nil
}
