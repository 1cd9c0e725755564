package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stallwatch/internal/config"
	"stallwatch/internal/extract"
	"stallwatch/internal/model"
	"stallwatch/internal/pkg/metrics"
	"stallwatch/internal/pkg/notify"
	"stallwatch/internal/pkg/queue"
	"stallwatch/internal/pkg/redisqueue"
)

// popTimeout 单次阻塞弹出的超时，保证能及时响应 ctx 取消。
const popTimeout = 5 * time.Second

// Recognizer 截图文本识别接口。
type Recognizer interface {
	Recognize(ctx context.Context, imageBase64 string) (string, error)
}

// Worker 截图处理流水线。
//
// 从 Redis 队列弹出截图任务，交给 worker pool 并发处理：
// OCR 识别 → 文本解析 → 变更检测 → 通知。处理完成后 Ack，
// 处理中途崩溃的任务由 Janitor 救援重新入队。
type Worker struct {
	cfg      *config.Config
	logger   *slog.Logger
	jobs     *redisqueue.Client
	pool     *queue.Pool
	ocr      Recognizer
	engine   *Engine
	notifier notify.Notifier
}

// NewWorker 创建截图处理流水线。notifier 可为 nil（不发通知）。
func NewWorker(cfg *config.Config, logger *slog.Logger, jobs *redisqueue.Client, ocr Recognizer, engine *Engine, notifier notify.Notifier) *Worker {
	return &Worker{
		cfg:      cfg,
		logger:   logger,
		jobs:     jobs,
		pool:     queue.NewPool(logger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity),
		ocr:      ocr,
		engine:   engine,
		notifier: notifier,
	}
}

// StartWorker 启动消费循环，阻塞直到 ctx 取消。
func (w *Worker) StartWorker(ctx context.Context) error {
	w.pool.Start(ctx)
	w.logger.Info("snapshot worker started",
		slog.Int("pool_size", w.cfg.App.WorkerPoolSize))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.jobs.PopJob(ctx, popTimeout)
		if errors.Is(err, redisqueue.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("pop snapshot job failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		j := job
		if err := w.pool.EnqueueBlocking(ctx, func(jobCtx context.Context) error {
			return w.processJob(jobCtx, j)
		}); err != nil {
			// 入队失败（通常是关停中），任务留在 processing queue 等 Janitor 救援
			w.logger.Warn("enqueue snapshot job failed",
				slog.String("job_id", j.JobID),
				slog.String("error", err.Error()))
		}
	}
}

// processJob 处理单张截图。
//
// 成功或永久失败都会 Ack；可重试错误不 Ack，任务留在 processing
// queue，超时后由 Janitor 重新入队。
func (w *Worker) processJob(ctx context.Context, job *redisqueue.SnapshotJob) error {
	start := time.Now()

	text, err := w.ocr.Recognize(ctx, job.Image)
	if err != nil {
		if classifyError(err) == errTypeTimeout && ctx.Err() == nil {
			// OCR 超时可重试：不 Ack，等 Janitor 重新入队
			return fmt.Errorf("ocr %s: %w", job.JobID, err)
		}
		// 永久失败（识别不出文本、请求被拒），Ack 后丢弃
		w.ackJob(ctx, job)
		w.logger.Warn("snapshot dropped after ocr failure",
			slog.String("job_id", job.JobID),
			slog.String("source", job.Source),
			slog.String("error", err.Error()))
		return nil
	}

	records, parseErrs := extract.Extract(text, job.Mode, job.Source)
	if len(parseErrs) > 0 {
		metrics.ExtractionErrorsTotal.Add(float64(len(parseErrs)))
		w.logger.Warn("extraction dropped malformed sections",
			slog.String("job_id", job.JobID),
			slog.Int("sections", len(parseErrs)))
	}

	result, err := w.engine.ProcessBatch(ctx, job.Source, records)
	if err != nil {
		// 批次层面的失败不 Ack，保留任务重试
		return fmt.Errorf("process %s: %w", job.JobID, err)
	}

	w.ackJob(ctx, job)
	w.sendNotifications(ctx, result.Changes)

	w.logger.Info("snapshot processed",
		slog.String("job_id", job.JobID),
		slog.String("source", job.Source),
		slog.Int("records", len(records)),
		slog.Int("changes", len(result.Changes)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (w *Worker) ackJob(ctx context.Context, job *redisqueue.SnapshotJob) {
	if err := w.jobs.AckJob(ctx, job); err != nil {
		w.logger.Warn("ack snapshot job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
	}
}

// sendNotifications 对值得提醒的变更发邮件，失败只记日志。
func (w *Worker) sendNotifications(ctx context.Context, changes []model.ChangeLog) {
	if w.notifier == nil || w.cfg.Email.ToEmail == "" {
		return
	}
	for _, c := range changes {
		if c.Kind != model.ChangeSaleDetected && c.Kind != model.ChangePriceDecrease {
			continue
		}
		if err := w.notifier.Send(ctx, c, w.cfg.Email.ToEmail); err != nil {
			w.logger.Warn("send notification failed",
				slog.String("kind", string(c.Kind)),
				slog.String("error", err.Error()))
		}
	}
}

// StartJanitor 周期性救援卡在 processing queue 里的任务，阻塞直到 ctx 取消。
func (w *Worker) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Monitor.JanitorInterval)
	defer ticker.Stop()

	w.logger.Info("janitor started",
		slog.Duration("interval", w.cfg.Monitor.JanitorInterval),
		slog.Duration("timeout", w.cfg.Monitor.JanitorTimeout))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			rescued, err := w.jobs.RescueStuckJobs(ctx, w.cfg.Monitor.JanitorTimeout)
			if err != nil {
				w.logger.Error("rescue stuck jobs failed", slog.String("error", err.Error()))
				continue
			}
			if rescued > 0 {
				w.logger.Warn("rescued stuck snapshot jobs", slog.Int("count", rescued))
			}
		}
	}
}

// Shutdown 优雅关停 worker pool，等待在途任务完成。
func (w *Worker) Shutdown(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	timeout := 30 * time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	return w.pool.ShutdownWithTimeout(timeout)
}

// PoolStats 返回 worker pool 的统计快照。
func (w *Worker) PoolStats() queue.PoolStats {
	return w.pool.Stats()
}
