package monitor

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"stallwatch/internal/model"
	"stallwatch/internal/pkg/metrics"
	"stallwatch/internal/store"
)

// Checker 生命周期检查器。
//
// 按固定间隔扫描监控队列，推进与批次无关的状态迁移：
//
//	NEW → CHECKED            下一轮检查即确认
//	CHECKED → UNCHECKED      超过 status_transition_delay 未重新确认
//
// 其余迁移（重新出现回 CHECKED、UNCHECKED 消失转 GONE）由变更检测
// 引擎在批次事务内完成。
type Checker struct {
	store  *store.Store
	logger *slog.Logger
	delay  time.Duration // CHECKED → UNCHECKED 的等待时间

	now func() time.Time
}

// NewChecker 创建生命周期检查器。
func NewChecker(st *store.Store, logger *slog.Logger, delay time.Duration) *Checker {
	return &Checker{
		store:  st,
		logger: logger,
		delay:  delay,
		now:    time.Now,
	}
}

// AdvanceTransitions 执行一轮生命周期推进，返回发生的状态迁移。
//
// 整轮在单个可串行化事务内完成，与并发的批次处理互不交叠。
func (c *Checker) AdvanceTransitions(ctx context.Context) ([]model.StatusTransition, error) {
	now := c.now()
	var transitions []model.StatusTransition

	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		transitions = transitions[:0]

		entries, err := store.ListQueueByStatus(tx, model.StatusNew, model.StatusChecked)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			var next model.ListingStatus
			switch entry.Status {
			case model.StatusNew:
				next = model.StatusChecked
			case model.StatusChecked:
				if now.Sub(entry.StatusChangedAt) < c.delay {
					continue
				}
				next = model.StatusUnchecked
			default:
				continue
			}

			if err := store.SetQueueStatus(tx, entry.Seller, entry.Item, next, now); err != nil {
				return err
			}
			if err := store.SetListingStatus(tx, entry.Seller, entry.Item, next, now); err != nil {
				return err
			}
			transitions = append(transitions, model.StatusTransition{
				Seller:    entry.Seller,
				Item:      entry.Item,
				OldStatus: entry.Status,
				NewStatus: next,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range transitions {
		metrics.TransitionsTotal.WithLabelValues(string(t.NewStatus)).Inc()
	}
	if len(transitions) > 0 {
		c.logger.Info("lifecycle transitions advanced",
			slog.Int("count", len(transitions)))
	}

	c.refreshStatusGauge(ctx)
	return transitions, nil
}

// Run 以固定间隔循环执行 AdvanceTransitions，直到 ctx 取消。
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("lifecycle checker started",
		slog.Duration("interval", interval),
		slog.Duration("transition_delay", c.delay))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("lifecycle checker stopped")
			return
		case <-ticker.C:
			if _, err := c.AdvanceTransitions(ctx); err != nil {
				c.logger.Error("lifecycle check failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// refreshStatusGauge 把各状态的组合数写入 gauge。
func (c *Checker) refreshStatusGauge(ctx context.Context) {
	summary, err := c.store.StatusSummary(ctx)
	if err != nil {
		c.logger.Warn("status summary failed", slog.String("error", err.Error()))
		return
	}
	for _, st := range []model.ListingStatus{
		model.StatusNew, model.StatusChecked, model.StatusUnchecked, model.StatusGone,
	} {
		metrics.ListingStatusGauge.WithLabelValues(string(st)).Set(float64(summary[st]))
	}
}
