package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus 表示一个 (seller, item) 组合的生命周期状态。
//
// 状态流转: NEW → CHECKED → UNCHECKED → GONE。
// UNCHECKED 或 GONE 的组合再次出现时回到 CHECKED，不会重置为 NEW。
type ListingStatus string

const (
	StatusNew       ListingStatus = "NEW"       // 首次发现，等待下一轮确认
	StatusChecked   ListingStatus = "CHECKED"   // 已确认仍在售
	StatusUnchecked ListingStatus = "UNCHECKED" // 超过 status_transition_delay 未再确认
	StatusGone      ListingStatus = "GONE"      // 从批次中消失（判定为售出或下架）
)

// ProcessingMode 截图文本的解析模式。
type ProcessingMode string

const (
	ModeFull    ProcessingMode = "full"    // 完整模式: seller + item + price + quantity
	ModeMinimal ProcessingMode = "minimal" // 精简模式: 仅 seller + item
)

// ChangeKind 变更日志的类型。
type ChangeKind string

const (
	ChangeNewItem          ChangeKind = "NEW_ITEM"
	ChangePriceIncrease    ChangeKind = "PRICE_INCREASE"
	ChangePriceDecrease    ChangeKind = "PRICE_DECREASE"
	ChangeQuantityIncrease ChangeKind = "QUANTITY_INCREASE"
	ChangeQuantityDecrease ChangeKind = "QUANTITY_DECREASE"
	ChangeSaleDetected     ChangeKind = "SALE_DETECTED"
)

// ListingRecord 是解析器产出的临时记录，不落库。
//
// 以 (Seller, Item) 作为比较键；minimal 模式下 Price 与 Quantity 为空。
type ListingRecord struct {
	Seller   string
	Item     string
	Price    decimal.NullDecimal
	Quantity *int
	Source   string // 截图来源标签（对应一个热键捕获区域）
	Mode     ProcessingMode
}

// Key 返回用于比较的 (seller, item) 键。
func (r ListingRecord) Key() ListingKey {
	return ListingKey{Seller: r.Seller, Item: r.Item}
}

// ListingKey 唯一标识一个在售组合。
type ListingKey struct {
	Seller string
	Item   string
}

// MarketListing 当前在售快照，每个 (seller, item) 至多一行。
//
// 行只在首次发现时创建；状态与 StatusChangedAt 只由生命周期检查器
// 或重新出现规则修改；LastSeenAt 在每次出现时刷新。正常运行不删除行，
// 消失的组合转为 GONE，物理删除只发生在定期清理中。
type MarketListing struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Seller   string              `gorm:"type:varchar(191);not null;uniqueIndex:idx_market_listings_seller_item,priority:1"`
	Item     string              `gorm:"type:varchar(191);not null;uniqueIndex:idx_market_listings_seller_item,priority:2"`
	Price    decimal.NullDecimal `gorm:"type:decimal(14,2)"`
	Quantity *int
	Status   ListingStatus  `gorm:"type:varchar(16);not null;default:NEW;index"`
	Mode     ProcessingMode `gorm:"type:varchar(16);not null"` // 最后一次更新该行的解析模式
	Source   string         `gorm:"type:varchar(64);index"`    // 最后一次看到该行的捕获区域

	StatusChangedAt time.Time `gorm:"not null"` // 状态最后一次变化的时间
	LastSeenAt      time.Time `gorm:"not null"` // 最近一次在批次中出现的时间
}

// ListingHistory 完整模式的追加式历史记录，永不更新或删除
// （仅受定期清理约束）。用于价格趋势与审计。
type ListingHistory struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`

	Seller   string          `gorm:"type:varchar(191);not null;index:idx_listing_history_seller_item,priority:1"`
	Item     string          `gorm:"type:varchar(191);not null;index:idx_listing_history_seller_item,priority:2"`
	Price    decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Quantity int             `gorm:"not null"`
	Source   string          `gorm:"type:varchar(64)"`
}

// ChangeLog 变更日志，追加式，每条语义变更一行。
type ChangeLog struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"` // 检测时间

	Seller   string     `gorm:"type:varchar(191);not null"`
	Item     string     `gorm:"type:varchar(191);not null"`
	Kind     ChangeKind `gorm:"type:varchar(32);not null;index"`
	OldValue string     `gorm:"type:varchar(64)"`
	NewValue string     `gorm:"type:varchar(64)"`
}

// MonitorQueueEntry 监控队列，每个出现过的 (seller, item) 组合一行。
//
// 唯一约束保证重复插入退化为更新，绝不产生第二行。
type MonitorQueueEntry struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 入队时间

	Seller string        `gorm:"type:varchar(191);not null;uniqueIndex:idx_monitor_queue_seller_item,priority:1"`
	Item   string        `gorm:"type:varchar(191);not null;uniqueIndex:idx_monitor_queue_seller_item,priority:2"`
	Status ListingStatus `gorm:"type:varchar(16);not null;default:NEW;index"`

	StatusChangedAt time.Time `gorm:"not null"`
	LastSeenAt      time.Time `gorm:"not null"`
}

// SaleLog 销售判定记录，追加式。
//
// 仅当一个组合在 UNCHECKED 状态下从批次中消失时创建一行。
type SaleLog struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"` // 判定时间

	Seller     string              `gorm:"type:varchar(191);not null"`
	Item       string              `gorm:"type:varchar(191);not null"`
	LastPrice  decimal.NullDecimal `gorm:"type:decimal(14,2)"` // 最后已知价格（minimal 模式下可能为空）
	PrevStatus ListingStatus       `gorm:"type:varchar(16);not null"`
}

// StatusTransition 一次生命周期状态迁移的结果，供调用方记录或展示。
type StatusTransition struct {
	Seller    string
	Item      string
	OldStatus ListingStatus
	NewStatus ListingStatus
}
