// Package fetcher 负责回源：带超时的上游请求、指数退避重试与缓存指令判定。
// 传输层失败（连接失败/超时）按策略重试；上游 4xx/5xx 永不重试，原样上抛。
package fetcher

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rproxy/rproxy/internal/server"
)

// maxBackoff 给退避兜底，避免长重试链把等待者阻塞过久。
const maxBackoff = 30 * time.Second

// RequestSpec 描述一次回源请求的身份，由协调层根据客户端请求构造。
type RequestSpec struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Result 是一次完整接收的上游响应。正文全量驻留内存，
// 使同一飞行批次的所有等待者可以共享同一份结果。
type Result struct {
	Status      int
	Header      http.Header
	Body        []byte
	ShouldCache bool
	ExpiresAt   time.Time
	ModTime     time.Time
}

// Config 汇总回源行为参数，均来自全局配置。
// OnRetry 在每次退避重试前调用，供观测层计数。
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	DefaultTTL     time.Duration
	OnRetry        func()
}

// Fetcher 封装共享 http.Client；所有回源请求复用同一个连接池。
type Fetcher struct {
	client *http.Client
	logger *logrus.Logger
	cfg    Config
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// New 构造 Fetcher。client 通常由 server.NewUpstreamClient 提供。
func New(client *http.Client, logger *logrus.Logger, cfg Config) *Fetcher {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Fetcher{
		client: client,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Fetch 联系上游并返回完整响应。只有 ErrUpstreamUnreachable/ErrUpstreamTimeout
// 触发重试；上游状态码错误与重定向保护立即上抛。
func (f *Fetcher) Fetch(ctx context.Context, spec RequestSpec) (*Result, error) {
	var lastErr error

	attempts := f.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := f.fetchOnce(ctx, spec)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retryable(err) || attempt == attempts {
			break
		}

		if f.cfg.OnRetry != nil {
			f.cfg.OnRetry()
		}

		delay := f.backoffDelay(attempt)
		f.logger.WithFields(logrus.Fields{
			"action":  "upstream_retry",
			"url":     spec.URL.String(),
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn(err.Error())

		if sleepErr := f.sleep(ctx, delay); sleepErr != nil {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, spec RequestSpec) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL.String(), nil)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, spec.Header)
	// 缓存尚无此条目，必须从头下载完整正文。
	req.Header.Del("Range")
	req.Header.Del("If-Modified-Since")
	req.Header.Del("If-None-Match")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
		}
	}

	now := f.now().UTC()
	result := &Result{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}
	if resp.StatusCode == http.StatusOK {
		result.ShouldCache = shouldCache(resp.Header)
		result.ExpiresAt = expiresAt(resp.Header, now, f.cfg.DefaultTTL)
		result.ModTime = lastModified(resp.Header)
	}
	return result, nil
}

func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	delay := f.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}
	// 抖动最多增加 50%，避免等待者同时苏醒打爆上游。
	// 并发飞行各自计算退避，走全局随机源。
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	delay += jitter
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// classifyTransportError 把底层错误映射到重试策略可识别的类别。
func classifyTransportError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && errors.Is(urlErr.Err, server.ErrRedirectLimit) {
		return ErrTooManyRedirects
	}
	if errors.Is(err, server.ErrRedirectLimit) {
		return ErrTooManyRedirects
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUpstreamTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Join(ErrUpstreamUnreachable, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
