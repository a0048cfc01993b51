package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	objectsDir = "objects"
	bodySuffix = ".body"
	metaSuffix = ".meta"
	tempPrefix = ".cache-"
)

// Options 控制磁盘缓存的容量与可观测钩子。
type Options struct {
	// Capacity 是正文字节总量上限，必须大于 0。
	Capacity int64
	// OnEvict 在条目被淘汰后调用，用于指标上报，可以为 nil。
	OnEvict func(key string, sizeBytes int64)
	// Now 便于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
// 启动时对账磁盘与索引：恢复完整条目、丢弃孤儿元数据、回收孤儿正文与临时文件。
func NewStore(basePath string, opts Options) (Store, ReconcileReport, error) {
	if basePath == "" {
		return nil, ReconcileReport{}, errors.New("cache path required")
	}
	if opts.Capacity <= 0 {
		return nil, ReconcileReport{}, errors.New("cache capacity must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, ReconcileReport{}, fmt.Errorf("resolve cache path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, objectsDir), 0o755); err != nil {
		return nil, ReconcileReport{}, fmt.Errorf("create cache path: %w", err)
	}

	s := &fileStore{
		basePath: abs,
		capacity: opts.Capacity,
		onEvict:  opts.OnEvict,
		now:      opts.Now,
		ix:       newIndex(),
		locks:    make(map[string]*entryLock),
	}

	report, err := s.reconcile()
	if err != nil {
		return nil, ReconcileReport{}, fmt.Errorf("reconcile cache: %w", err)
	}
	return s, report, nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入；索引变更由 mu 串行化。
type fileStore struct {
	basePath string
	capacity int64
	onEvict  func(string, int64)
	now      func() time.Time

	mu sync.Mutex
	ix *index

	lockMu sync.Mutex
	locks  map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, _, err := s.entryPaths(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ie, ok := s.ix.lookup(key)
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if ie.entry.Expired(s.now()) {
		// 过期条目留在磁盘上等待淘汰，对调用方表现为缺失。
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	entry := ie.entry
	s.ix.touch(key, s.now())
	s.mu.Unlock()

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 索引与磁盘脱节时就地自愈，下一次请求走回源。
			s.mu.Lock()
			s.ix.remove(key)
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{Entry: entry, Reader: f}, nil
}

func (s *fileStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(bodyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if written > s.capacity {
		os.Remove(tempName)
		return nil, ErrStorageFull
	}

	// 时间戳打在临时文件上，rename 会原样带走；提交之前失败时
	// 旧条目的索引与文件均未被触碰，照常可读。
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = s.now().UTC()
	}
	if err := os.Chtimes(tempName, modTime, modTime); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := s.makeRoom(key, written); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	entry := Entry{
		Key:       key,
		Headers:   opts.Headers,
		CreatedAt: s.now().UTC(),
		ExpiresAt: opts.ExpiresAt,
		SizeBytes: written,
	}
	if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(entry.CreatedAt) {
		entry.ExpiresAt = entry.CreatedAt
	}

	// 先落正文、再落元数据：元数据 rename 是提交点，之前的崩溃最多留下
	// 一个孤儿正文，由下次启动对账回收。
	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	if err := writeMeta(metaPath, entry); err != nil {
		// 旧正文已被覆盖，无法回退，连同残留一并清掉，表现为缺失。
		os.Remove(bodyPath)
		os.Remove(metaPath)
		s.mu.Lock()
		s.ix.remove(key)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.ix.insert(entry, s.now())
	s.mu.Unlock()

	return &entry, nil
}

func (s *fileStore) Evict(key string) error {
	unlock := s.lockEntry(key)
	defer unlock()

	s.mu.Lock()
	entry, existed := s.ix.remove(key)
	s.mu.Unlock()

	if err := s.removeFiles(key); err != nil {
		return err
	}
	if existed && s.onEvict != nil {
		s.onEvict(key, entry.SizeBytes)
	}
	return nil
}

func (s *fileStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:    s.ix.len(),
		TotalBytes: s.ix.total,
		Capacity:   s.capacity,
	}
}

func (s *fileStore) Close() error {
	return nil
}

// makeRoom 淘汰最久未访问的条目，直到 incoming 字节可以放下。
// 替换写入时旧版本的占用按字节扣减，但条目留在索引里直到元数据
// 提交成功把它覆盖：淘汰循环因此跳过 key 本身。
func (s *fileStore) makeRoom(key string, incoming int64) error {
	type victimRecord struct {
		key  string
		size int64
	}
	var victims []victimRecord

	s.mu.Lock()
	var replacing int64
	if ie, ok := s.ix.lookup(key); ok {
		replacing = ie.entry.SizeBytes
	}
	for s.ix.total-replacing+incoming > s.capacity {
		entry, ok := s.ix.victim(key)
		if !ok {
			s.mu.Unlock()
			return ErrStorageFull
		}
		s.ix.remove(entry.Key)
		victims = append(victims, victimRecord{key: entry.Key, size: entry.SizeBytes})
	}
	s.mu.Unlock()

	for _, v := range victims {
		if err := s.removeFiles(v.key); err != nil {
			return err
		}
		if s.onEvict != nil {
			s.onEvict(v.key, v.size)
		}
	}
	return nil
}

func (s *fileStore) removeFiles(key string) error {
	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.lockMu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}

// entryPaths 返回正文与元数据的绝对路径，键必须是 BuildKey 的十六进制输出。
func (s *fileStore) entryPaths(key string) (string, string, error) {
	if !validKey(key) {
		return "", "", fmt.Errorf("invalid cache key: %q", key)
	}
	dir := filepath.Join(s.basePath, objectsDir, key[0:2], key[2:4])
	return filepath.Join(dir, key+bodySuffix), filepath.Join(dir, key+metaSuffix), nil
}

// reconcile 扫描 objects 目录重建索引。丢弃孤儿元数据、回收孤儿正文、
// 清理残留临时文件，保证索引与磁盘的双向一致。
func (s *fileStore) reconcile() (ReconcileReport, error) {
	var report ReconcileReport
	root := filepath.Join(s.basePath, objectsDir)

	type candidate struct {
		metaPath string
		bodyPath string
	}
	var metas []candidate
	bodies := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, tempPrefix):
			report.TempFiles++
			return os.Remove(path)
		case strings.HasSuffix(name, metaSuffix):
			metas = append(metas, candidate{
				metaPath: path,
				bodyPath: strings.TrimSuffix(path, metaSuffix) + bodySuffix,
			})
		case strings.HasSuffix(name, bodySuffix):
			bodies[path] = strings.TrimSuffix(path, bodySuffix) + metaSuffix
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	type survivor struct {
		entry      Entry
		lastAccess time.Time
	}
	var survivors []survivor

	for _, c := range metas {
		entry, err := readMeta(c.metaPath)
		if err != nil {
			report.OrphanMeta++
			os.Remove(c.metaPath)
			continue
		}

		info, statErr := os.Stat(c.bodyPath)
		if statErr != nil {
			report.OrphanMeta++
			os.Remove(c.metaPath)
			continue
		}
		if info.Size() != entry.SizeBytes {
			report.SizeMismatch++
			report.ReclaimedBytes += info.Size()
			os.Remove(c.metaPath)
			os.Remove(c.bodyPath)
			delete(bodies, c.bodyPath)
			continue
		}

		lastAccess := info.ModTime()
		if entry.CreatedAt.After(lastAccess) {
			lastAccess = entry.CreatedAt
		}
		survivors = append(survivors, survivor{entry: entry, lastAccess: lastAccess})
		report.Restored++
		delete(bodies, c.bodyPath)
	}

	// WalkDir 给出的是字典序。按访问时间从旧到新重放插入，
	// 恢复后的 LRU 链才反映真实的访问顺序。
	sort.Slice(survivors, func(i, j int) bool {
		if !survivors[i].lastAccess.Equal(survivors[j].lastAccess) {
			return survivors[i].lastAccess.Before(survivors[j].lastAccess)
		}
		return survivors[i].entry.CreatedAt.Before(survivors[j].entry.CreatedAt)
	})
	for _, sv := range survivors {
		s.ix.insert(sv.entry, sv.lastAccess)
	}

	for bodyPath := range bodies {
		if info, err := os.Stat(bodyPath); err == nil {
			report.ReclaimedBytes += info.Size()
		}
		report.OrphanBodies++
		os.Remove(bodyPath)
	}

	return report, nil
}

func writeMeta(metaPath string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(metaPath), tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempName)
		return writeErr
	}

	if err := os.Rename(tempName, metaPath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func readMeta(metaPath string) (Entry, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, err
	}
	if entry.Key == "" || entry.SizeBytes < 0 {
		return Entry{}, errors.New("malformed cache metadata")
	}
	return entry, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
