package integration

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConcurrentRequestsShareOneFetch 验证同一 URL 的并发请求最多触发
// 一次上游抓取：先到者回源，其余挂在同一航班上等待同一份结果。
func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	var upstreamCalls atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		<-release
		w.Write([]byte("shared artifact"))
	}))
	defer upstream.Close()

	stack := newProxyStack(t, stackOptions{cacheTTL: time.Hour})
	target := upstream.URL + "/dist/artifact.tar.gz"

	const clients = 12
	var wg sync.WaitGroup
	bodies := make([]string, clients)
	statuses := make([]int, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, body, err := stack.tryGet(target, nil)
			if err != nil {
				t.Errorf("client %d: %v", i, err)
				return
			}
			statuses[i] = resp.StatusCode
			bodies[i] = string(body)
		}(i)
	}

	// 等第一位调用方把航班挂起来，再放行上游响应。
	deadline := time.Now().Add(5 * time.Second)
	for stack.flights.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := upstreamCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
	for i := 0; i < clients; i++ {
		if statuses[i] != http.StatusOK {
			t.Fatalf("client %d got status %d", i, statuses[i])
		}
		if bodies[i] != "shared artifact" {
			t.Fatalf("client %d observed body %q", i, bodies[i])
		}
	}

	// 航班结束后缓存已填充，后续请求直接命中。
	resp, body := stack.get(t, target, nil)
	if resp.Header.Get("X-Cache") != "HIT" || string(body) != "shared artifact" {
		t.Fatalf("follow-up request should hit the cache, got %s / %q", resp.Header.Get("X-Cache"), body)
	}
	if got := upstreamCalls.Load(); got != 1 {
		t.Fatalf("cache hit must not touch upstream, got %d calls", got)
	}
}

// TestUpstreamErrorSharedByAllWaiters 验证失败结果同样被批次共享：
// 上游 500 只打一次，所有并发调用方都看到同一个状态码。
func TestUpstreamErrorSharedByAllWaiters(t *testing.T) {
	var upstreamCalls atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		<-release
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("origin melted"))
	}))
	defer upstream.Close()

	stack := newProxyStack(t, stackOptions{})
	target := upstream.URL + "/broken"

	const clients = 6
	var wg sync.WaitGroup
	statuses := make([]int, clients)
	bodies := make([]string, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, body, err := stack.tryGet(target, nil)
			if err != nil {
				t.Errorf("client %d: %v", i, err)
				return
			}
			statuses[i] = resp.StatusCode
			bodies[i] = string(body)
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for stack.flights.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := upstreamCalls.Load(); got != 1 {
		t.Fatalf("expected one shared upstream call, got %d", got)
	}
	for i := 0; i < clients; i++ {
		if statuses[i] != http.StatusInternalServerError {
			t.Fatalf("client %d got status %d", i, statuses[i])
		}
		if bodies[i] != "origin melted" {
			t.Fatalf("client %d observed body %q", i, bodies[i])
		}
	}
}

// TestDifferentURLsFetchIndependently 验证合并只发生在同一缓存键上。
func TestDifferentURLsFetchIndependently(t *testing.T) {
	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.Write([]byte("body for " + r.URL.Path))
	}))
	defer upstream.Close()

	stack := newProxyStack(t, stackOptions{cacheTTL: time.Hour})

	var wg sync.WaitGroup
	for _, path := range []string{"/a", "/b", "/c"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			resp, body, err := stack.tryGet(upstream.URL+path, nil)
			if err != nil {
				t.Errorf("path %s: %v", path, err)
				return
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("path %s: status %d", path, resp.StatusCode)
			}
			if string(body) != "body for "+path {
				t.Errorf("path %s: body %q", path, body)
			}
		}(path)
	}
	wg.Wait()

	if got := upstreamCalls.Load(); got != 3 {
		t.Fatalf("expected 3 independent fetches, got %d", got)
	}
}
