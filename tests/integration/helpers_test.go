package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/rproxy/rproxy/internal/cache"
	"github.com/rproxy/rproxy/internal/fetcher"
	"github.com/rproxy/rproxy/internal/flight"
	"github.com/rproxy/rproxy/internal/proxy"
	"github.com/rproxy/rproxy/internal/server"
)

// proxyStack 聚合一套完整的代理组件，供集成测试复用。
type proxyStack struct {
	app      *fiber.App
	store    cache.Store
	flights  *flight.Table
	cacheDir string
}

type stackOptions struct {
	capacity   int64
	keyHeaders []string
	cacheTTL   time.Duration
	maxRetries int
}

func newProxyStack(t *testing.T, opts stackOptions) *proxyStack {
	t.Helper()

	if opts.capacity <= 0 {
		opts.capacity = 1 << 20
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cacheDir := t.TempDir()
	store, _, err := cache.NewStore(cacheDir, cache.Options{Capacity: opts.capacity})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fetch := fetcher.New(&http.Client{Timeout: 5 * time.Second}, logger, fetcher.Config{
		MaxRetries:     opts.maxRetries,
		InitialBackoff: time.Millisecond,
		DefaultTTL:     opts.cacheTTL,
	})
	flights := flight.NewTable(0)
	handler := proxy.NewHandler(store, fetch, flights, logger, nil, opts.keyHeaders)

	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &proxyStack{app: app, store: store, flights: flights, cacheDir: cacheDir}
}

func (s *proxyStack) get(t *testing.T, rawURL string, header http.Header) (*http.Response, []byte) {
	t.Helper()

	resp, body, err := s.tryGet(rawURL, header)
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	return resp, body
}

// tryGet 是 get 的错误返回版本，供并发 goroutine 使用（Fatal 只能在测试主
// goroutine 调用）。
func (s *proxyStack) tryGet(rawURL string, header http.Header) (*http.Response, []byte, error) {
	req := httptest.NewRequest("GET", rawURL, nil)
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	resp, err := s.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
