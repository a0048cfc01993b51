// Package flight 实现按缓存键合并回源的单飞语义：同一键上并发的请求
// 共享一次上游抓取，所有等待者观察到同一结果。回源在独立 goroutine 中
// 进行，其生命周期只与等待者数量绑定——最后一位等待者离开时才取消。
package flight

import (
	"context"
	"sync"
	"time"

	"github.com/rproxy/rproxy/internal/cache"
	"github.com/rproxy/rproxy/internal/fetcher"
)

// DefaultMaxFlights 限制同时在途的回源数量，防止键空间被打爆。
const DefaultMaxFlights = 10000

// Outcome 是一次回源的最终结果，成功与失败对所有等待者一视同仁。
type Outcome struct {
	// Result 为完整的上游响应；Err 非空时为 nil。
	Result *fetcher.Result
	// Entry 在响应成功落盘后描述缓存条目，未落盘（不可缓存或写入失败）时为 nil。
	Entry *cache.Entry
	Err   error
}

// Flight 表示一次在途回源与它的等待者集合。
type Flight struct {
	key       string
	done      chan struct{}
	outcome   Outcome
	ctx       context.Context
	cancel    context.CancelFunc
	waiters   int // 由 Table.mu 保护
	startedAt time.Time
}

// Wait 阻塞直到回源完成或调用方上下文取消。取消后调用方必须调用 Leave。
func (f *Flight) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Table 维护 key → Flight 的在途表，变更在单个临界区内完成，
// 保证同一键绝不会并发发起两次回源。
type Table struct {
	mu         sync.Mutex
	flights    map[string]*Flight
	maxFlights int
	draining   bool
	wg         sync.WaitGroup
}

// NewTable 构造在途表，maxFlights <= 0 时取 DefaultMaxFlights。
func NewTable(maxFlights int) *Table {
	if maxFlights <= 0 {
		maxFlights = DefaultMaxFlights
	}
	return &Table{
		flights:    make(map[string]*Flight),
		maxFlights: maxFlights,
	}
}

// Do 加入（或创建）键对应的航班并登记为等待者。返回的 leader 表示本次调用
// 触发了回源。ok=false 表示表已满或正在排水，调用方应自行回源且不共享结果。
// fn 仅在创建航班时执行一次，其上下文与调用方请求解耦。
func (t *Table) Do(key string, fn func(ctx context.Context) Outcome) (f *Flight, leader, ok bool) {
	if key == "" {
		return nil, false, false
	}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return nil, false, false
	}
	replacing := false
	if existing, found := t.flights[key]; found {
		if existing.ctx.Err() == nil {
			existing.waiters++
			t.mu.Unlock()
			return existing, false, true
		}
		// 最后一位等待者已离开并取消了回源，但 run 还没把航班摘表。
		// 注定失败的航班对新调用方视同不存在，由新航班顶替表项；
		// 旧航班退场时 run 里的同一性检查会跳过删除。
		replacing = true
	}
	if !replacing && len(t.flights) >= t.maxFlights {
		t.mu.Unlock()
		return nil, false, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	f = &Flight{
		key:       key,
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		waiters:   1,
		startedAt: time.Now(),
	}
	t.flights[key] = f
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run(f, fn)
	return f, true, true
}

func (t *Table) run(f *Flight, fn func(ctx context.Context) Outcome) {
	defer t.wg.Done()
	outcome := fn(f.ctx)

	t.mu.Lock()
	if current, exists := t.flights[f.key]; exists && current == f {
		delete(t.flights, f.key)
	}
	t.mu.Unlock()

	f.outcome = outcome
	close(f.done)
	f.cancel()
}

// Leave 注销一个等待者。最后一位等待者离开且航班未完成时，回源被取消；
// 已经发出的上游调用可能仍会完成并为后续请求填充缓存（尽力而为）。
func (t *Table) Leave(f *Flight) {
	if f == nil {
		return
	}
	t.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	t.mu.Unlock()

	if last {
		select {
		case <-f.done:
		default:
			f.cancel()
		}
	}
}

// InFlight 返回当前在途航班数量，供诊断与指标使用。
func (t *Table) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flights)
}

// Drain 拒绝新航班并等待在途回源完成，用于进程优雅退出。
func (t *Table) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
