// Package metrics 定义应用的全部 Prometheus 指标。
//
// 指标在包加载时注册到默认 registry，由 promhttp.Handler 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 批次处理指标
var (
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stallwatch_batches_total",
		Help: "Processed snapshot batches by result.",
	}, []string{"source", "status"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stallwatch_batch_duration_seconds",
		Help:    "Duration of batch detection transactions.",
		Buckets: prometheus.DefBuckets,
	})

	ChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stallwatch_changes_total",
		Help: "Detected listing changes by kind.",
	}, []string{"kind"})

	RecordsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stallwatch_records_rejected_total",
		Help: "Listing records rejected by per-record validation.",
	})

	ExtractionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stallwatch_extraction_errors_total",
		Help: "Malformed OCR sections dropped during extraction.",
	})
)

// 生命周期指标
var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stallwatch_status_transitions_total",
		Help: "Lifecycle status transitions by target status.",
	}, []string{"to"})

	ListingStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stallwatch_listings_by_status",
		Help: "Current snapshot rows per lifecycle status.",
	}, []string{"status"})
)

// 截图队列指标
var (
	SnapshotQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stallwatch_snapshot_queue_depth",
		Help: "Pending and in-flight snapshot jobs.",
	}, []string{"queue"})

	SnapshotsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stallwatch_snapshots_skipped_total",
		Help: "Snapshot jobs skipped as duplicates.",
	})

	SnapshotsRescuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stallwatch_snapshots_rescued_total",
		Help: "Stuck snapshot jobs requeued by the janitor.",
	})
)

// OCR 客户端指标
var (
	OCRRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stallwatch_ocr_requests_total",
		Help: "OCR API requests by status.",
	}, []string{"status"})

	OCRRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stallwatch_ocr_request_duration_seconds",
		Help:    "Duration of OCR API calls.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stallwatch_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the OCR rate limiter.",
		Buckets: prometheus.DefBuckets,
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stallwatch_ratelimit_timeouts_total",
		Help: "Rate limiter waits aborted by context cancellation.",
	})
)

// 运维指标
var (
	CleanupRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stallwatch_cleanup_rows_total",
		Help: "Rows removed by retention cleanup per table.",
	}, []string{"table"})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stallwatch_notifications_sent_total",
		Help: "Email notifications sent by reason.",
	}, []string{"reason"})
)
