package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/rproxy/rproxy/internal/cache"
	"github.com/rproxy/rproxy/internal/config"
	"github.com/rproxy/rproxy/internal/fetcher"
	"github.com/rproxy/rproxy/internal/flight"
	"github.com/rproxy/rproxy/internal/logging"
	"github.com/rproxy/rproxy/internal/metrics"
	"github.com/rproxy/rproxy/internal/proxy"
	"github.com/rproxy/rproxy/internal/server"
	"github.com/rproxy/rproxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_path"] = cfg.CachePath
		fields["listen_address"] = cfg.ListenAddress
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	m := metrics.New()

	// CLI 启动遵循“配置 → 磁盘缓存 → Fetcher/在途表 → Fiber server”顺序，
	// 保证所有请求共享统一的缓存与连接池实例。
	store, report, err := cache.NewStore(cfg.CachePath, cache.Options{
		Capacity: cfg.MaxCacheBytes,
		OnEvict: func(key string, sizeBytes int64) {
			m.ObserveEviction(sizeBytes)
			logger.WithFields(logrus.Fields{
				"action": "cache_evict",
				"key":    key,
				"size":   sizeBytes,
			}).Info("缓存条目被逐出")
		},
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer store.Close()

	logger.WithFields(logrus.Fields{
		"action":          "cache_reconcile",
		"restored":        report.Restored,
		"orphan_meta":     report.OrphanMeta,
		"orphan_bodies":   report.OrphanBodies,
		"temp_files":      report.TempFiles,
		"size_mismatch":   report.SizeMismatch,
		"reclaimed_bytes": report.ReclaimedBytes,
	}).Info("缓存目录对账完成")

	httpClient := server.NewUpstreamClient(cfg)
	fetch := fetcher.New(httpClient, logger, fetcher.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff.DurationValue(),
		DefaultTTL:     cfg.CacheTTL.DurationValue(),
		OnRetry:        m.ObserveRetry,
	})
	flights := flight.NewTable(cfg.MaxFlights)
	handler := proxy.NewHandler(store, fetch, flights, logger, m, cfg.KeyHeaders)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_path"] = cfg.CachePath
	fields["cache_capacity"] = cfg.MaxCacheBytes
	fields["listen_address"] = cfg.ListenAddress
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, store, flights, m, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("rproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 RPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("RPROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 启动 Fiber 服务并在收到终止信号后按宽限期优雅排水。
func startHTTPServer(cfg *config.Config, handler server.ProxyHandler, store cache.Store, flights *flight.Table, m *metrics.Metrics, logger *logrus.Logger) error {
	var ready atomic.Bool

	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Proxy:   handler,
		Metrics: metricsHandler(m),
		Health: func() server.HealthStatus {
			stats := store.Stats()
			return server.HealthStatus{
				Ready:         ready.Load(),
				CacheEntries:  stats.Entries,
				CacheBytes:    stats.TotalBytes,
				CacheCapacity: stats.Capacity,
				InFlight:      flights.InFlight(),
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"action":  "listen",
		"address": cfg.ListenAddress,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		ready.Store(true)
		listenErr <- app.Listen(cfg.ListenAddress)
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	ready.Store(false)
	grace := cfg.ShutdownGrace.DurationValue()
	logger.WithFields(logrus.Fields{
		"action": "shutdown",
		"grace":  grace.String(),
	}).Info("收到终止信号，开始排水")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := flights.Drain(shutdownCtx); err != nil {
		logger.WithError(err).
			WithFields(logrus.Fields{"action": "shutdown"}).
			Warn("在途请求未在宽限期内完成")
	}
	return app.ShutdownWithContext(shutdownCtx)
}

func metricsHandler(m *metrics.Metrics) http.Handler {
	if m == nil {
		return nil
	}
	return m.Handler()
}
