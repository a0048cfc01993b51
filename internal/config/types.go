package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvCachePath 是启动必需的缓存根目录环境变量，缺失时进程拒绝启动。
const EnvCachePath = "X_PROXY_CACHE_PATH"

// EnvListenAddress 可选地覆盖监听地址，默认 ":3142"。
const EnvListenAddress = "X_PROXY_HTTP_LISTEN_ADDRESS"

// DefaultListenAddress 与上游打包生态的缓存代理保持一致的默认端口。
const DefaultListenAddress = ":3142"

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Config 描述全局运行时行为，所有请求共享同一份参数。
type Config struct {
	ListenAddress   string   `mapstructure:"ListenAddress"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CachePath       string   `mapstructure:"CachePath"`
	MaxCacheBytes   int64    `mapstructure:"MaxCacheBytes"`
	CacheTTL        Duration `mapstructure:"CacheTTL"`
	KeyHeaders      []string `mapstructure:"KeyHeaders"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRedirects    int      `mapstructure:"MaxRedirects"`
	MaxFlights      int      `mapstructure:"MaxFlights"`
	ShutdownGrace   Duration `mapstructure:"ShutdownGrace"`
}
