package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"stallwatch/internal/config"
	"stallwatch/internal/monitor"
	"stallwatch/internal/ocr"
	"stallwatch/internal/pkg/logger"
	"stallwatch/internal/pkg/metrics"
	"stallwatch/internal/pkg/notify"
	"stallwatch/internal/pkg/ratelimit"
	"stallwatch/internal/pkg/redisqueue"
	"stallwatch/internal/store"
)

// main 是监控 worker 的入口函数。
//
// 它负责：
// 1. 加载并校验配置
// 2. 初始化存储、Redis 队列、OCR 客户端
// 3. 启动截图处理流水线、状态检查器、Janitor 与定时清理
// 4. 启动 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	maxConcurrent := cfg.App.RateLimit * 30
	if cfg.App.RateLimit > 0 && float64(cfg.App.WorkerPoolSize) > maxConcurrent {
		appLogger.Warn("worker pool size is significantly higher than ocr rate limit throughput capacity",
			slog.Int("worker_pool_size", cfg.App.WorkerPoolSize),
			slog.Float64("rate_limit", cfg.App.RateLimit),
			slog.Float64("throughput_capacity", maxConcurrent))
	}

	st, err := store.Open(cfg, appLogger)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	jobs, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		appLogger.Error("init snapshot queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(rdb, appLogger, "stallwatch:ratelimit:ocr", cfg.App.RateLimit, cfg.App.RateBurst)
	ocrClient := ocr.NewClient(&cfg.OCR, limiter, appLogger)
	engine := monitor.NewEngine(st, appLogger)
	notifier := notify.NewEmailNotifier(&cfg.Email, appLogger)
	worker := monitor.NewWorker(cfg, appLogger, jobs, ocrClient, engine, notifier)
	checker := monitor.NewChecker(st, appLogger, cfg.Monitor.StatusTransitionDelay)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go func() {
		// 添加保险丝：worker 循环 panic 时退出进程，交给部署层重启
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in snapshot worker loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()

		appLogger.Info("starting snapshot worker loop")
		if err := worker.StartWorker(workerCtx); err != nil && err != context.Canceled {
			appLogger.Error("snapshot worker loop stopped", slog.String("error", err.Error()))
		}
	}()

	go checker.Run(workerCtx, cfg.Monitor.StatusCheckInterval)
	go worker.StartJanitor(workerCtx)

	// 每天凌晨清理过期的历史与变更记录
	cleanupCron := cron.New()
	if _, err := cleanupCron.AddFunc("0 4 * * *", func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		deleted, err := st.CleanupOldData(cleanupCtx, cfg.Monitor.CleanupOldDataDays)
		if err != nil {
			appLogger.Error("cleanup old data failed", slog.String("error", err.Error()))
			return
		}
		for table, n := range deleted {
			metrics.CleanupRowsTotal.WithLabelValues(table).Add(float64(n))
		}
		appLogger.Info("cleanup old data completed",
			slog.Int("retention_days", cfg.Monitor.CleanupOldDataDays),
			slog.Any("deleted", deleted))
	}); err != nil {
		appLogger.Error("register cleanup cron failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cleanupCron.Start()

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("monitor metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))

	appLogger.Info("shutting down monitor service...")

	// 优雅关闭
	// 1. 停止拉取新任务、停掉定时器
	stopWorkers()
	cronCtx := cleanupCron.Stop()

	// 2. 关闭 worker pool（等待在途截图处理完成）
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	if err := worker.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	} else {
		appLogger.Info("worker pool shutdown completed")
	}

	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
	}

	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}

	appLogger.Info("monitor service stopped gracefully")
}
