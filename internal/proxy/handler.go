package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/rproxy/rproxy/internal/cache"
	"github.com/rproxy/rproxy/internal/fetcher"
	"github.com/rproxy/rproxy/internal/flight"
	"github.com/rproxy/rproxy/internal/logging"
	"github.com/rproxy/rproxy/internal/metrics"
	"github.com/rproxy/rproxy/internal/server"
)

// Handler 负责 orchestrate “缓存命中 → 单飞回源 → 写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 Fetcher、磁盘缓存与在途表。
type Handler struct {
	store      cache.Store
	fetcher    *fetcher.Fetcher
	flights    *flight.Table
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	keyHeaders []string
}

// NewHandler constructs a proxy handler sharing the store, fetcher and
// flight table across all requests.
func NewHandler(store cache.Store, f *fetcher.Fetcher, flights *flight.Table, logger *logrus.Logger, m *metrics.Metrics, keyHeaders []string) *Handler {
	return &Handler{
		store:      store,
		fetcher:    f,
		flights:    flights,
		logger:     logger,
		metrics:    m,
		keyHeaders: keyHeaders,
	}
}

// Handle 执行缓存查找与回源合并，任何阶段出错都会输出结构化日志。
// 缓存层故障永远不会使一个还能从上游服务的请求失败。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	if c.Method() != http.MethodGet {
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed", requestID)
	}

	target, err := requestTarget(c)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "parse_request",
			"url":    c.OriginalURL(),
		}).Warn(err.Error())
		return h.writeError(c, fiber.StatusBadRequest, "bad_request", requestID)
	}

	header := requestHeader(c)
	key := cache.BuildKey(c.Method(), target, h.keyHeaders, header)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
		h.metrics.ObserveCache("hit")
		return h.serveCached(c, key, target.String(), result, requestID, started)
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		h.metrics.ObserveStoreFailure("get")
		h.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_get", "key": key}).
			Warn("cache_get_failed")
	}
	h.metrics.ObserveCache("miss")

	spec := fetcher.RequestSpec{
		Method: c.Method(),
		URL:    target,
		Header: header,
	}

	f, leader, joined := h.flights.Do(key, func(fctx context.Context) flight.Outcome {
		return h.fetchAndStore(fctx, key, spec)
	})
	if !joined {
		// 在途表已满或正在排水：独立回源，不与他人共享结果。
		h.metrics.ObserveCoalesce("breakaway")
		outcome := h.fetchAndStore(ctx, key, spec)
		return h.respondOutcome(c, key, target.String(), outcome, requestID, started)
	}

	if leader {
		h.metrics.ObserveCoalesce("leader")
	} else {
		h.metrics.ObserveCoalesce("waiter")
	}

	outcome, waitErr := f.Wait(ctx)
	h.flights.Leave(f)
	if waitErr != nil {
		// 调用方在回源完成前离场；回源本身为其余等待者继续。
		if errors.Is(waitErr, context.DeadlineExceeded) {
			return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_timeout", requestID)
		}
		return nil
	}

	return h.respondOutcome(c, key, target.String(), outcome, requestID, started)
}

// fetchAndStore 在航班上下文中回源；可缓存的成功响应尽力落盘，
// 写入失败（容量不足、IO 故障）只降级为透传，绝不向调用方报错。
func (h *Handler) fetchAndStore(ctx context.Context, key string, spec fetcher.RequestSpec) flight.Outcome {
	fetchStart := time.Now()
	result, err := h.fetcher.Fetch(ctx, spec)
	h.metrics.ObserveUpstream(time.Since(fetchStart))
	if err != nil {
		return flight.Outcome{Err: err}
	}

	var entry *cache.Entry
	if result.ShouldCache && result.Status == http.StatusOK && spec.Method == http.MethodGet {
		opts := cache.PutOptions{
			Headers:   storableHeaders(result.Header),
			ExpiresAt: result.ExpiresAt,
			ModTime:   result.ModTime,
		}
		stored, putErr := h.store.Put(ctx, key, bytes.NewReader(result.Body), opts)
		switch {
		case putErr == nil:
			entry = stored
			h.logger.WithFields(logrus.Fields{
				"action": "cache_put",
				"key":    key,
				"size":   stored.SizeBytes,
			}).Debug("条目落盘")
		case errors.Is(putErr, cache.ErrStorageFull):
			h.metrics.ObserveStoreFailure("put")
			h.logger.WithFields(logrus.Fields{
				"action": "cache_put",
				"key":    key,
				"size":   len(result.Body),
			}).Warn("cache_storage_full")
		default:
			h.metrics.ObserveStoreFailure("put")
			h.logger.WithError(putErr).
				WithFields(logrus.Fields{"action": "cache_put", "key": key}).
				Warn("cache_put_failed")
		}
	}

	return flight.Outcome{Result: result, Entry: entry}
}

// serveCached 以磁盘上的正文响应命中请求，支持单段 Range。
func (h *Handler) serveCached(c fiber.Ctx, key, upstream string, result *cache.ReadResult, requestID string, started time.Time) error {
	entry := result.Entry
	for _, field := range entry.Headers {
		c.Set(field.Name, field.Value)
	}
	setProxyHeaders(c, requestID, true)

	length := entry.SizeBytes
	if rng, ok := parseRange(c.Get("Range"), length); ok {
		if _, err := result.Reader.Seek(rng.start, io.SeekStart); err != nil {
			result.Reader.Close()
			h.logResult(key, upstream, requestID, fiber.StatusInternalServerError, true, started, err)
			return h.writeError(c, fiber.StatusInternalServerError, "cache_read_failed", requestID)
		}
		c.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, length))
		c.Status(fiber.StatusPartialContent)
		err := c.SendStream(&sectionReader{
			Reader: io.LimitReader(result.Reader, rng.length()),
			closer: result.Reader,
		}, int(rng.length()))
		h.logResult(key, upstream, requestID, fiber.StatusPartialContent, true, started, err)
		return err
	}

	c.Status(fiber.StatusOK)
	err := c.SendStream(result.Reader, int(length))
	h.logResult(key, upstream, requestID, fiber.StatusOK, true, started, err)
	return err
}

// respondOutcome 把航班结果写回客户端：上游状态码错误原样转发，
// 传输层失败映射为网关错误，成功结果从共享内存正文服务。
func (h *Handler) respondOutcome(c fiber.Ctx, key, upstream string, outcome flight.Outcome, requestID string, started time.Time) error {
	if outcome.Err != nil {
		var statusErr *fetcher.StatusError
		if errors.As(outcome.Err, &statusErr) {
			copyResponseHeaders(c, statusErr.Header)
			setProxyHeaders(c, requestID, false)
			c.Status(statusErr.StatusCode)
			h.logResult(key, upstream, requestID, statusErr.StatusCode, false, started, nil)
			return c.Send(statusErr.Body)
		}

		status := fiber.StatusBadGateway
		code := "upstream_failed"
		if errors.Is(outcome.Err, fetcher.ErrUpstreamTimeout) {
			status = fiber.StatusGatewayTimeout
			code = "upstream_timeout"
		}
		h.logResult(key, upstream, requestID, status, false, started, outcome.Err)
		return h.writeError(c, status, code, requestID)
	}

	result := outcome.Result
	copyResponseHeaders(c, result.Header)
	setProxyHeaders(c, requestID, false)
	c.Status(result.Status)
	err := c.Send(result.Body)
	h.logResult(key, upstream, requestID, result.Status, false, started, err)
	return err
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(key, upstream, requestID string, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.RequestFields(key, upstream, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["duration_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithFields(fields).Error(err.Error())
		return
	}
	h.logger.WithFields(fields).Info("request served")
}

func setProxyHeaders(c fiber.Ctx, requestID string, hit bool) {
	if hit {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func copyResponseHeaders(c fiber.Ctx, header http.Header) {
	for name, values := range header {
		if server.IsHopByHopHeader(name) {
			continue
		}
		for _, value := range values {
			c.Set(name, value)
		}
	}
}

// storableHeaders 过滤 hop-by-hop 字段后保留上游头部的原始顺序。
func storableHeaders(header http.Header) []cache.HeaderField {
	fields := make([]cache.HeaderField, 0, len(header))
	for _, name := range sortedHeaderNames(header) {
		if server.IsHopByHopHeader(name) {
			continue
		}
		for _, value := range header[name] {
			fields = append(fields, cache.HeaderField{Name: name, Value: value})
		}
	}
	return fields
}

// sectionReader 让有限区间的流在发送完毕后关闭底层文件。
type sectionReader struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReader) Close() error {
	return s.closer.Close()
}
