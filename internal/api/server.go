package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"stallwatch/internal/config"
	"stallwatch/internal/model"
	"stallwatch/internal/pkg/metrics"
	"stallwatch/internal/pkg/redisqueue"
	"stallwatch/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 接收截图提交并暴露监控查询接口。
//
// 截图不在请求线程里处理：校验、去重后入 Redis 队列，
// 由 monitor worker 异步完成 OCR 与变更检测。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	rdb     *redis.Client
	router  *gin.Engine
	jobs    JobQueue
	deduper Deduper
}

// JobQueue 截图任务队列。
type JobQueue interface {
	PushJob(ctx context.Context, job *redisqueue.SnapshotJob) error
	QueueDepth(ctx context.Context) (int64, int64, error)
}

// Deduper 截图内容去重。
type Deduper interface {
	IsDuplicate(ctx context.Context, source string, content []byte) (bool, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
//  1. 根据运行环境设置 Gin 模式
//  2. 注册全部路由
func NewServer(cfg *config.Config, logger *slog.Logger, st *store.Store, rdb *redis.Client, jobs JobQueue, deduper Deduper) *Server {
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		rdb:     rdb,
		router:  gin.New(),
		jobs:    jobs,
		deduper: deduper,
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	apiGroup := s.router.Group("/api")
	apiGroup.POST("/snapshots", s.handleSubmitSnapshots)
	apiGroup.GET("/status-summary", s.handleStatusSummary)
	apiGroup.GET("/changes", s.handleRecentChanges)
	apiGroup.GET("/sales", s.handleRecentSales)
	apiGroup.GET("/queue", s.handleQueueDepth)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "redis unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitSnapshotsRequest 截图提交的请求参数。
type submitSnapshotsRequest struct {
	Source      string   `json:"source" binding:"required"`
	Mode        string   `json:"mode" binding:"required"`
	Screenshots []string `json:"screenshots" binding:"required"`
}

// submitSnapshotsResponse 截图提交的响应。
type submitSnapshotsResponse struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"` // 去重窗口内的重复截图
}

func (s *Server) handleSubmitSnapshots(c *gin.Context) {
	var req submitSnapshotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode := model.ProcessingMode(req.Mode)
	if mode != model.ModeFull && mode != model.ModeMinimal {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be full or minimal"})
		return
	}
	if len(req.Screenshots) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "screenshots is empty"})
		return
	}
	if len(req.Screenshots) > s.cfg.Monitor.MaxScreenshotsPerBatch {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("too many screenshots: max %d per batch", s.cfg.Monitor.MaxScreenshotsPerBatch),
		})
		return
	}

	ctx := c.Request.Context()
	resp := submitSnapshotsResponse{}
	now := time.Now()

	for i, img := range req.Screenshots {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("screenshot %d is not valid base64", i),
			})
			return
		}
		if len(raw) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("screenshot %d is empty", i),
			})
			return
		}

		if s.deduper != nil {
			dup, err := s.deduper.IsDuplicate(ctx, req.Source, raw)
			if err != nil {
				s.logger.Warn("dedup check failed, accepting snapshot",
					slog.String("source", req.Source),
					slog.String("error", err.Error()))
			} else if dup {
				resp.Skipped++
				continue
			}
		}

		job := &redisqueue.SnapshotJob{
			JobID:     fmt.Sprintf("%s-%d-%d", req.Source, now.UnixNano(), i),
			Source:    req.Source,
			Mode:      mode,
			Image:     img,
			CreatedAt: now.Unix(),
		}
		if err := s.jobs.PushJob(ctx, job); err != nil {
			if err == redisqueue.ErrJobExists {
				resp.Skipped++
				continue
			}
			s.logger.Error("enqueue snapshot failed",
				slog.String("source", req.Source),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		resp.Enqueued++
	}

	s.logger.Info("snapshots submitted",
		slog.String("source", req.Source),
		slog.String("mode", req.Mode),
		slog.Int("enqueued", resp.Enqueued),
		slog.Int("skipped", resp.Skipped))

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleStatusSummary(c *gin.Context) {
	summary, err := s.store.StatusSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleRecentChanges(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	changes, err := s.store.RecentChanges(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, changes)
}

func (s *Server) handleRecentSales(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	sales, err := s.store.RecentSales(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, sales)
}

func (s *Server) handleQueueDepth(c *gin.Context) {
	pending, processing, err := s.jobs.QueueDepth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	metrics.SnapshotQueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.SnapshotQueueDepth.WithLabelValues("processing").Set(float64(processing))
	c.JSON(http.StatusOK, gin.H{"pending": pending, "processing": processing})
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
