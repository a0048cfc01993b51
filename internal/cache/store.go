package cache

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<CachePath>/objects/<k[0:2]>/<k[2:4]>/<key>.body    # 实际正文
//	<CachePath>/objects/<k[0:2]>/<k[2:4]>/<key>.meta    # JSON 元数据
//
// 正文与元数据一一对应；启动时的对账流程保证索引与磁盘一致。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。不存在或已过期返回 ErrNotFound。
	// 过期条目保留在磁盘上等待淘汰回收，Get 永远不会主动删除。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Put 将上游响应写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。容量不足且无法回收时返回 ErrStorageFull。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)

	// Evict 删除正文与元数据，由淘汰策略或上游错误处理调用。
	Evict(key string) error

	// Stats 返回当前索引快照，供诊断端点与日志使用。
	Stats() Stats

	// Close 释放底层资源。索引可完全由磁盘重建，因此无需额外落盘。
	Close() error
}

// HeaderField 保留响应头的插入顺序；查找时不区分大小写。
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entry 表示一个已落盘的缓存条目。SizeBytes 恒等于正文文件的真实长度。
type Entry struct {
	Key       string        `json:"key"`
	Headers   []HeaderField `json:"headers,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at,omitzero"`
	SizeBytes int64         `json:"size_bytes"`
}

// HeaderValue 按大小写不敏感的方式查找首个匹配头部。
func (e Entry) HeaderValue(name string) (string, bool) {
	for _, field := range e.Headers {
		if strings.EqualFold(field.Name, name) {
			return field.Value, true
		}
	}
	return "", false
}

// Expired 判断条目在 now 时刻是否已过期；零值 ExpiresAt 表示永不过期。
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Headers   []HeaderField
	ExpiresAt time.Time
	// ModTime 映射上游 Last-Modified 到正文文件时间戳，零值时取当前时间。
	ModTime time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Stats 是索引的只读快照。
type Stats struct {
	Entries    int
	TotalBytes int64
	Capacity   int64
}

// ReconcileReport 汇总启动对账的处理结果，由启动日志输出。
type ReconcileReport struct {
	Restored       int // 恢复进索引的完整条目
	OrphanMeta     int // 缺少正文而被丢弃的元数据
	OrphanBodies   int // 缺少元数据而被回收的正文
	TempFiles      int // 清理掉的残留临时文件
	SizeMismatch   int // 元数据与正文长度不符而被丢弃的条目
	ReclaimedBytes int64
}

// ErrNotFound 表示缓存不存在（或已过期）。
var ErrNotFound = errors.New("cache entry not found")

// ErrStorageFull 表示即便清空其余条目也无法容纳本次写入。
var ErrStorageFull = errors.New("cache storage full")
