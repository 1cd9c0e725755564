package notify

import (
	"context"

	"stallwatch/internal/model"
)

// Notifier 定义通知接口。
type Notifier interface {
	// Send 发送一条变更通知。
	//
	// 参数:
	//   ctx: 上下文
	//   change: 触发通知的变更记录
	//   toEmail: 接收邮箱
	Send(ctx context.Context, change model.ChangeLog, toEmail string) error
}
