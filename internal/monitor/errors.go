package monitor

import (
	"context"
	"errors"
	"strings"
)

// ============================================================================
// 错误分类
// ============================================================================

// batchErrorType 批次处理错误类型
type batchErrorType int

const (
	errTypeUnknown batchErrorType = iota
	errTypeTimeout
	errTypeConflict   // 事务冲突（死锁、序列化失败、锁超时）
	errTypeValidation // 输入校验错误
)

// classifyError 统一的错误分类函数
func classifyError(err error) batchErrorType {
	if err == nil {
		return errTypeUnknown
	}

	// 先检查标准 context 错误
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errTypeTimeout
	}

	msg := strings.ToLower(err.Error())

	// 事务冲突：这些错误重试通常能成功
	conflictKeywords := []string{
		"deadlock",
		"serialization failure",
		"could not serialize",
		"lock wait timeout",
		"database is locked",
		"database table is locked",
	}
	for _, kw := range conflictKeywords {
		if strings.Contains(msg, kw) {
			return errTypeConflict
		}
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}

	if strings.Contains(msg, "validation") || strings.Contains(msg, "invalid") {
		return errTypeValidation
	}

	return errTypeUnknown
}

// IsRetryable 判断错误是否值得整批重试。
//
// 事务冲突类错误重试即可恢复；超时和校验错误重试无意义。
func IsRetryable(err error) bool {
	return classifyError(err) == errTypeConflict
}

// classifyBatchStatus 返回用于 metrics 的批次状态字符串
func classifyBatchStatus(err error) string {
	if err == nil {
		return "success"
	}
	switch classifyError(err) {
	case errTypeTimeout:
		return "timeout"
	case errTypeConflict:
		return "conflict"
	case errTypeValidation:
		return "validation_error"
	default:
		return "error"
	}
}
