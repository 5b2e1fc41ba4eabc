package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrEmptyResponse 表示后端返回成功但没有任何文本。
var ErrEmptyResponse = errors.New("backend returned an empty completion")

// StatusError 是带 HTTP 状态码的后端错误。Message 只包含后端返回的错误描述，
// 不包含凭据或请求内容。
type StatusError struct {
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

// Error 实现 error 接口。
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Backend, e.StatusCode, e.Message)
}

// Unwrap 返回底层错误。
func (e *StatusError) Unwrap() error {
	return e.Err
}

// Retryable 判断该状态码是否属于可重试的瞬时故障（限流或服务端错误）。
// 认证失败与请求格式错误不可重试。
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case 408, 409, 425, 429:
		return true
	}
	return e.StatusCode >= 500
}

// IsRetryable 对后端错误分类。调用方主动取消的请求永不重试；传输层故障与超时可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// truncate 限制写入错误与日志的文本长度。
func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "...(truncated)"
}
