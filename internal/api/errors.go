package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError 表示后端返回了非 2xx 响应。
type StatusError struct {
	Code    int
	Message string
	Method  string
	Path    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// StatusCode 返回错误链中的 HTTP 状态码，没有则返回 0。
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsGone 报告房间或成员记录在服务端已不存在（404/403），本地会话必须清除。
func IsGone(err error) bool {
	code := StatusCode(err)
	return code == http.StatusNotFound || code == http.StatusForbidden
}

// IsTransient 报告可以依靠下次轮询或重连自愈的错误。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	code := StatusCode(err)
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
