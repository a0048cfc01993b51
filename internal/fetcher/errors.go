package fetcher

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误分级：可重试的传输层失败、不可重试的上游状态码、以及重定向保护。
var (
	// ErrUpstreamUnreachable 表示连接失败（拒绝、DNS 失败、对端重置等），可重试。
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout 表示在 UpstreamTimeout 内未拿到完整响应，可重试。
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrTooManyRedirects 表示重定向超出上限或出现回环，不重试。
	ErrTooManyRedirects = errors.New("too many redirects")
)

// StatusError 携带上游 4xx/5xx 的完整响应，代理原样转发而不是掩盖。
type StatusError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable 判断错误是否属于重试策略覆盖的传输层失败。
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnreachable) || errors.Is(err, ErrUpstreamTimeout)
}
