package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
)

// requestTarget 从请求行还原上游 URL。正向代理收到 absolute-form
// 请求行时 URI 自带主机；origin-form 则回退到 Host 头。
func requestTarget(c fiber.Ctx) (*url.URL, error) {
	uri := c.Request().URI()

	scheme := string(uri.Scheme())
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}

	host := string(uri.Host())
	if host == "" {
		host = c.Hostname()
	}
	if host == "" {
		return nil, fmt.Errorf("request target missing host")
	}

	return &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}, nil
}

// requestHeader 把 fasthttp 的请求头转成 net/http 形态，供回源与缓存键使用。
func requestHeader(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func sortedHeaderNames(header http.Header) []string {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// byteRange 表示一个已归一化的闭区间 [start, end]。
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange 解析单段 bytes range。多段、语法错误或区间不可满足时
// 返回 ok=false，调用方回退为完整响应。
func parseRange(raw string, size int64) (byteRange, bool) {
	if raw == "" || size <= 0 {
		return byteRange{}, false
	}
	spec, found := strings.CutPrefix(raw, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return byteRange{}, false
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, false
	}

	if startStr == "" {
		// 后缀区间：最后 N 字节。
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return byteRange{}, false
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return byteRange{start: start, end: end}, true
}
