// Package ocr 封装对外部 OCR 识别服务的调用。
//
// 对接 OCR.space 风格的 HTTP API：提交 base64 截图，取回识别文本。
package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stallwatch/internal/config"
	"stallwatch/internal/pkg/metrics"
	"stallwatch/internal/pkg/ratelimit"
)

var (
	ErrEmptyResult = errors.New("ocr returned no text")
	ErrAPIFailure  = errors.New("ocr api reported failure")
)

// Client OCR API 客户端。limiter 可为 nil（不限流）。
type Client struct {
	cfg     *config.OCRConfig
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func NewClient(cfg *config.OCRConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// apiResponse OCR.space 风格的响应体。
type apiResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool `json:"IsErroredOnProcessing"`
	ErrorMessage          any  `json:"ErrorMessage"` // 字符串或字符串数组
}

// Recognize 识别一张 base64 编码的截图，返回原始文本。
//
// 调用前先过限流器；HTTP 5xx 与网络错误按配置重试，
// 4xx 与 API 层错误不重试。
func (c *Client) Recognize(ctx context.Context, imageBase64 string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return "", fmt.Errorf("ocr rate limit: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			c.logger.Warn("retrying ocr request",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
		}

		text, retryable, err := c.doRequest(ctx, imageBase64)
		if err == nil {
			metrics.OCRRequestsTotal.WithLabelValues("success").Inc()
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	metrics.OCRRequestsTotal.WithLabelValues("error").Inc()
	return "", lastErr
}

// doRequest 执行单次 API 调用。第二个返回值表示错误是否可重试。
func (c *Client) doRequest(ctx context.Context, imageBase64 string) (string, bool, error) {
	start := time.Now()
	defer func() {
		metrics.OCRRequestDuration.Observe(time.Since(start).Seconds())
	}()

	form := url.Values{}
	form.Set("base64Image", "data:image/png;base64,"+imageBase64)
	form.Set("language", c.cfg.Language)
	form.Set("scale", "true")
	form.Set("OCREngine", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", false, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// 网络层错误可重试
		return "", true, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", true, fmt.Errorf("read ocr response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("ocr server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("ocr request rejected: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("decode ocr response: %w", err)
	}

	if parsed.IsErroredOnProcessing {
		return "", false, fmt.Errorf("%w: %s", ErrAPIFailure, formatAPIError(parsed.ErrorMessage))
	}

	var sb strings.Builder
	for _, r := range parsed.ParsedResults {
		sb.WriteString(r.ParsedText)
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", false, ErrEmptyResult
	}
	return text, false, nil
}

func formatAPIError(msg any) string {
	switch v := msg.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return "unknown error"
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
