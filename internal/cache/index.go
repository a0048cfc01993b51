package cache

import (
	"container/list"
	"time"
)

// index 维护 key → 元数据 的内存映射与访问顺序，所有方法由调用方加锁保护。
// 索引永远与磁盘保持一致：条目只在元数据 rename 成功后插入，删除先于文件移除登记。
type index struct {
	entries map[string]*indexEntry
	lru     *list.List // Front 为最近访问
	total   int64
}

type indexEntry struct {
	entry      Entry
	lastAccess time.Time
	elem       *list.Element
}

func newIndex() *index {
	return &index{
		entries: make(map[string]*indexEntry),
		lru:     list.New(),
	}
}

func (ix *index) lookup(key string) (*indexEntry, bool) {
	ie, ok := ix.entries[key]
	return ie, ok
}

// touch 在命中后把条目提升为最近访问。
func (ix *index) touch(key string, now time.Time) {
	if ie, ok := ix.entries[key]; ok {
		ie.lastAccess = now
		ix.lru.MoveToFront(ie.elem)
	}
}

// insert 登记（或替换）条目，并返回被替换条目释放的字节数。
func (ix *index) insert(entry Entry, lastAccess time.Time) int64 {
	var released int64
	if old, ok := ix.entries[entry.Key]; ok {
		released = old.entry.SizeBytes
		ix.total -= old.entry.SizeBytes
		ix.lru.Remove(old.elem)
	}

	ie := &indexEntry{entry: entry, lastAccess: lastAccess}
	ie.elem = ix.lru.PushFront(ie)
	ix.entries[entry.Key] = ie
	ix.total += entry.SizeBytes
	return released
}

// remove 注销条目并返回其元数据，不存在时返回 false。
func (ix *index) remove(key string) (Entry, bool) {
	ie, ok := ix.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(ix.entries, key)
	ix.lru.Remove(ie.elem)
	ix.total -= ie.entry.SizeBytes
	return ie.entry, true
}

// victim 返回下一个淘汰候选：最久未访问者优先，访问时间相同时取创建最早者。
// exclude 指定替换写入中自身的 key，它不会被选中。
func (ix *index) victim(exclude string) (Entry, bool) {
	var chosen *indexEntry
	for elem := ix.lru.Back(); elem != nil; elem = elem.Prev() {
		candidate := elem.Value.(*indexEntry)
		if candidate.entry.Key == exclude {
			continue
		}
		if chosen == nil {
			chosen = candidate
			continue
		}
		if !candidate.lastAccess.Equal(chosen.lastAccess) {
			break
		}
		if candidate.entry.CreatedAt.Before(chosen.entry.CreatedAt) {
			chosen = candidate
		}
	}
	if chosen == nil {
		return Entry{}, false
	}
	return chosen.entry, true
}

func (ix *index) len() int {
	return len(ix.entries)
}
