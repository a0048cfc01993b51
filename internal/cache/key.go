package cache

import (
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"lukechampine.com/blake3"
)

// BuildKey 从请求身份推导确定性缓存键：方法 + 规范化 URL + 配置的头部子集，
// 经 BLAKE3-256 摘要后输出十六进制字符串，可直接作为磁盘文件名。
func BuildKey(method string, target *url.URL, keyHeaders []string, header http.Header) string {
	if target == nil {
		return ""
	}

	var builder strings.Builder
	builder.Grow(64 + len(target.Host) + len(target.Path))
	builder.WriteString("m=")
	builder.WriteString(strings.ToUpper(method))
	builder.WriteString("|u=")
	builder.WriteString(normalizeURL(target))

	for _, name := range keyHeaders {
		canonical := strings.ToLower(strings.TrimSpace(name))
		if canonical == "" {
			continue
		}
		values := header.Values(name)
		for i, value := range values {
			values[i] = strings.TrimSpace(value)
		}
		builder.WriteString("|v=")
		builder.WriteString(canonical)
		builder.WriteString(":")
		builder.WriteString(strings.Join(values, ","))
	}

	sum := blake3.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeURL 统一大小写与默认端口，保证同一资源只产生一个键。
func normalizeURL(target *url.URL) string {
	scheme := strings.ToLower(target.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(target.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	}

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}

	normalized := scheme + "://" + host + path
	if target.RawQuery != "" {
		normalized += "?" + target.RawQuery
	}
	return normalized
}

// validKey 校验键是 BuildKey 产出的十六进制形式，防止路径穿越。
func validKey(key string) bool {
	if len(key) < 8 {
		return false
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
