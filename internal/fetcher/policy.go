package fetcher

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// shouldCache 解析上游缓存指令。显式标记 no-store/private 的响应只透传不落盘。
func shouldCache(header http.Header) bool {
	directives := strings.ToLower(header.Get("Cache-Control"))
	if directives == "" {
		return true
	}
	for _, directive := range strings.Split(directives, ",") {
		switch strings.TrimSpace(directive) {
		case "no-store", "private":
			return false
		}
	}
	return true
}

// expiresAt 计算条目的过期时刻：max-age 优先，其次 Expires 头，最后回退默认 TTL。
// 返回零值表示调用方未配置 TTL 且上游无指令，即永不过期。
func expiresAt(header http.Header, now time.Time, defaultTTL time.Duration) time.Time {
	if maxAge, ok := parseMaxAge(header.Get("Cache-Control")); ok {
		return now.Add(maxAge)
	}
	if raw := header.Get("Expires"); raw != "" {
		if parsed, err := http.ParseTime(raw); err == nil {
			if parsed.Before(now) {
				return now
			}
			return parsed
		}
	}
	if defaultTTL > 0 {
		return now.Add(defaultTTL)
	}
	return time.Time{}
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(strings.ToLower(cacheControl), ",") {
		directive = strings.TrimSpace(directive)
		value, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.ParseInt(value, 10, 64)
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

// lastModified 提取 Last-Modified，用于映射到缓存文件的时间戳。
func lastModified(header http.Header) time.Time {
	raw := header.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
