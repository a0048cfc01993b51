// Package metrics 汇总缓存命中、回源合并与淘汰指标，经 /-/metrics 暴露。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 取值约定：cacheStatus ∈ hit|miss|bypass；coalesceRole ∈ leader|waiter|breakaway。
type Metrics struct {
	registry         *prometheus.Registry
	cacheRequests    *prometheus.CounterVec
	coalesce         *prometheus.CounterVec
	evictions        prometheus.Counter
	evictedBytes     prometheus.Counter
	storeFailures    *prometheus.CounterVec
	upstreamRetries  prometheus.Counter
	upstreamDuration prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rproxy_cache_requests_total",
			Help: "Requests by cache status.",
		}, []string{"status"}),
		coalesce: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rproxy_flight_joins_total",
			Help: "Single-flight participation by role.",
		}, []string{"role"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rproxy_cache_evictions_total",
			Help: "Entries removed by the eviction policy.",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rproxy_cache_evicted_bytes_total",
			Help: "Body bytes reclaimed by eviction.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rproxy_cache_store_failures_total",
			Help: "Cache store failures by operation.",
		}, []string{"op"}),
		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rproxy_upstream_retries_total",
			Help: "Upstream fetch retries.",
		}),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rproxy_upstream_duration_seconds",
			Help:    "Upstream fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.cacheRequests,
		m.coalesce,
		m.evictions,
		m.evictedBytes,
		m.storeFailures,
		m.upstreamRetries,
		m.upstreamDuration,
	)
	return m
}

// Handler 返回标准 promhttp 处理器，由服务器挂到诊断路由上。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCache(status string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCoalesce(role string) {
	if m == nil {
		return
	}
	m.coalesce.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveEviction(sizeBytes int64) {
	if m == nil {
		return
	}
	m.evictions.Inc()
	m.evictedBytes.Add(float64(sizeBytes))
}

func (m *Metrics) ObserveStoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveUpstream(duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}
