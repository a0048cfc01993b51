package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.CachePath == "" {
		return newFieldError("CachePath", fmt.Sprintf("不能为空，请设置 %s", EnvCachePath))
	}
	if err := validateListenAddress(c.ListenAddress); err != nil {
		return fmt.Errorf("ListenAddress: %w", err)
	}
	if c.MaxCacheBytes <= 0 {
		return newFieldError("MaxCacheBytes", "必须大于 0")
	}
	if c.CacheTTL.DurationValue() <= 0 {
		return newFieldError("CacheTTL", "必须大于 0")
	}
	if c.MaxRetries < 0 {
		return newFieldError("MaxRetries", "不能为负数")
	}
	if c.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("InitialBackoff", "必须大于 0")
	}
	if c.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if c.MaxRedirects < 0 {
		return newFieldError("MaxRedirects", "不能为负数")
	}
	if c.MaxFlights <= 0 {
		return newFieldError("MaxFlights", "必须大于 0")
	}
	for _, header := range c.KeyHeaders {
		if strings.TrimSpace(header) == "" {
			return newFieldError("KeyHeaders", "不允许出现空字段")
		}
		if strings.ContainsAny(header, " :") {
			return newFieldError("KeyHeaders", fmt.Sprintf("非法头部名称: %q", header))
		}
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("不能为空")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("必须是 host:port 形式: %w", err)
	}
	if port == "" {
		return errors.New("缺少端口")
	}
	_ = host // Host 为空表示监听所有地址
	return nil
}
