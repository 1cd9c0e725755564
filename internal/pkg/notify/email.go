package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"stallwatch/internal/config"
	"stallwatch/internal/model"
	"stallwatch/internal/pkg/metrics"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送邮件通知。
//
// SMTP 配置不完整或收件人为空时静默跳过，通知失败不影响批次处理。
func (n *EmailNotifier) Send(ctx context.Context, change model.ChangeLog, toEmail string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subjectFor(change.Kind))
	m.SetBody("text/html", n.buildHTMLBody(change))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	metrics.NotificationsSentTotal.WithLabelValues(string(change.Kind)).Inc()
	n.logger.Info("email notification sent",
		slog.String("to", toEmail),
		slog.String("kind", string(change.Kind)))
	return nil
}

func subjectFor(kind model.ChangeKind) string {
	switch kind {
	case model.ChangeSaleDetected:
		return "[StallWatch] 💰 疑似售出"
	case model.ChangePriceDecrease:
		return "[StallWatch] 📉 降价提醒"
	default:
		return "[StallWatch] 摊位变更提醒"
	}
}

func (n *EmailNotifier) buildHTMLBody(change model.ChangeLog) string {
	detail := ""
	switch change.Kind {
	case model.ChangeSaleDetected:
		detail = fmt.Sprintf("最后已知价格: %s", orDash(change.OldValue))
	case model.ChangePriceDecrease, model.ChangePriceIncrease:
		detail = fmt.Sprintf("价格: %s → %s", orDash(change.OldValue), orDash(change.NewValue))
	case model.ChangeNewItem:
		detail = fmt.Sprintf("上架价格: %s", orDash(change.NewValue))
	default:
		detail = fmt.Sprintf("%s → %s", orDash(change.OldValue), orDash(change.NewValue))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .kind { font-size: 14px; color: #6b7280; margin-bottom: 8px; }
  .item { font-size: 20px; font-weight: bold; margin-bottom: 4px; }
  .seller { font-size: 14px; color: #374151; margin-bottom: 16px; }
  .detail { font-size: 16px; color: #ef4444; font-weight: bold; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[StallWatch] 摊位监控</div>
    <div class="content">
      <div class="kind">%s</div>
      <div class="item">%s</div>
      <div class="seller">卖家: %s</div>
      <div class="detail">%s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, change.Kind, change.Item, change.Seller, detail)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
