package fetch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerStartIsIdempotentForSameURL(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(500), etag: "v1"})
	m := f.manager(t)

	d, started, err := m.Start("viewer", f.url("a"), NoSizeLimit)
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	again, started, err := m.Start("viewer", f.url("a"), NoSizeLimit)
	if err != nil || started || again != d {
		t.Fatalf("同一订阅重复启动同一 url 应返回原下载: started=%v err=%v", started, err)
	}

	p := waitDone(t, d)
	if p.FilePath == "" || p.State != StateComplete || !p.Determinate || p.Current != 500 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if p.Running() || !p.Valid() {
		t.Fatalf("完成后应 valid 且不再 running")
	}

	// 已完成且有效，不会重新下载
	if _, started, _ := m.Start("viewer", f.url("a"), NoSizeLimit); started {
		t.Fatalf("有效下载不应重启")
	}
	if reqs := f.up.requests(); len(reqs) != 1 {
		t.Fatalf("expected one upstream request, got %v", reqs)
	}
}

func TestManagerSecondSubscriptionAttaches(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, 10, &upstream{content: newContent(500), etag: "v1", gate: gate})
	m := f.manager(t)

	first, _, _ := m.Start("a", f.url("shared"), NoSizeLimit)
	second, _, _ := m.Start("b", f.url("shared"), NoSizeLimit)
	if first != second {
		t.Fatalf("同一 url 应挂到进行中的下载上")
	}
	close(gate)
	waitDone(t, first)
	if reqs := f.up.requests(); len(reqs) != 1 {
		t.Fatalf("expected one upstream request, got %v", reqs)
	}
}

func TestManagerFetchSharesSession(t *testing.T) {
	gate := make(chan struct{})
	content := newContent(800)
	f := newFixture(t, 10, &upstream{content: content, etag: "v1", gate: gate})
	m := f.manager(t)

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Fetch(context.Background(), f.url("file.bin"), NoSizeLimit)
		}(i)
	}
	// 等待所有调用挂上同一下载
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		d := m.inflight[f.url("file.bin")]
		refs := 0
		if d != nil {
			refs = d.refs
		}
		m.mu.Unlock()
		if refs == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if results[i].FilePath != results[0].FilePath {
			t.Fatalf("并发请求应得到同一文件")
		}
	}
	if !bytes.Equal(readFile(t, results[0].FilePath), content) {
		t.Fatalf("内容不一致")
	}
	if reqs := f.up.requests(); len(reqs) != 1 {
		t.Fatalf("expected one upstream request, got %v", reqs)
	}
}

func TestManagerConfirmAfterSizeWarning(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(1000), etag: "v1"})
	m := f.manager(t)

	d, _, _ := m.Start("viewer", f.url("big"), 10)
	p := waitDone(t, d)
	if !p.TooLarge || p.TooLargeMessage != "1.0 kB" || p.State != StatePaused {
		t.Fatalf("应因体积阈值暂停: %+v", p)
	}
	if p.Running() || p.Valid() {
		t.Fatalf("暂停后既不 running 也不 valid")
	}

	confirmed, err := m.Confirm("viewer")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.SizeLimit() != NoSizeLimit {
		t.Fatalf("确认后应关闭阈值")
	}
	if p := waitDone(t, confirmed); p.FilePath == "" {
		t.Fatalf("确认后应完成下载: %+v", p)
	}
	if cur, _ := m.Get("viewer"); cur != confirmed {
		t.Fatalf("订阅应指向新的下载")
	}

	if _, err := m.Confirm("viewer"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestManagerConfirmDoesNotAttachToLimitedDownload(t *testing.T) {
	content := newContent(500)
	f := newFixture(t, 10, &upstream{content: content, etag: "v1"})
	m := f.manager(t)

	paused, _, _ := m.Start("a", f.url("big"), 100)
	if p := waitDone(t, paused); !p.TooLarge {
		t.Fatalf("应因体积阈值暂停: %+v", p)
	}

	gate := make(chan struct{})
	f.up.set(func(u *upstream) { u.gate = gate })
	limited, started, _ := m.Start("c", f.url("big"), 100)
	if !started {
		t.Fatalf("订阅 c 应启动新的下载")
	}

	confirmed, err := m.Confirm("a")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed == limited || confirmed.SizeLimit() != NoSizeLimit {
		t.Fatalf("确认不应挂到带阈值的下载上 (limit=%d)", confirmed.SizeLimit())
	}
	close(gate)

	if p := waitDone(t, limited); !p.TooLarge {
		t.Fatalf("订阅 c 的下载仍应按自己的阈值暂停: %+v", p)
	}
	p := waitDone(t, confirmed)
	if p.State != StateComplete || p.TooLarge {
		t.Fatalf("确认后应完成下载: %+v", p)
	}
	if !bytes.Equal(readFile(t, p.FilePath), content) {
		t.Fatalf("确认后的文件内容不一致")
	}
	if cur, _ := m.Get("c"); cur != limited {
		t.Fatalf("订阅 c 不应被迁移")
	}
}

func TestManagerRefreshDiscardsAndRedownloads(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(300), etag: "v1"})
	m := f.manager(t)

	d, _, _ := m.Start("viewer", f.url("a.png"), NoSizeLimit)
	first := waitDone(t, d)

	updated := newContent(400)
	f.up.set(func(u *upstream) {
		u.content = updated
		u.etag = "v2"
	})
	refreshed, err := m.Refresh("viewer")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	second := waitDone(t, refreshed)
	if second.FilePath == "" || second.FilePath == first.FilePath {
		t.Fatalf("刷新后应分配新文件: %s -> %s", first.FilePath, second.FilePath)
	}
	if !bytes.Equal(readFile(t, second.FilePath), updated) {
		t.Fatalf("刷新后应得到新内容")
	}
	if reqs := f.up.requests(); len(reqs) != 2 {
		t.Fatalf("expected two upstream requests, got %v", reqs)
	}
}

func TestManagerCancelKeepsPartial(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(1000), etag: "v1", stallAfter: 300})
	m := f.manager(t)

	d, _, _ := m.Start("viewer", f.url("a"), NoSizeLimit)
	updates, stop := d.Watch()
	defer stop()
	for p := range updates {
		if p.Current >= 300 {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := m.Cancel(ctx, "viewer", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if p.State != StateCancelled || !errors.Is(p.Err, ErrCancelled) {
		t.Fatalf("unexpected progress after cancel: %+v", p)
	}
	if _, ok := m.Get("viewer"); ok {
		t.Fatalf("取消后订阅应被移除")
	}

	entry, _ := f.index.Resolve(context.Background(), f.url("a"))
	if entry.FileSize() != 300 || entry.ExpectedLength != 1000 {
		t.Fatalf("应保留已下载部分: size=%d entry=%+v", entry.FileSize(), entry)
	}
}

func TestManagerStartSupersedesPreviousURL(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(1000), etag: "v1", stallAfter: 200, stallPath: "/a"})
	m := f.manager(t)

	first, _, _ := m.Start("viewer", f.url("a"), NoSizeLimit)
	second, started, _ := m.Start("viewer", f.url("b"), NoSizeLimit)
	if !started || second == first {
		t.Fatalf("新 url 应启动新的下载")
	}

	if p := waitDone(t, first); p.State != StateCancelled {
		t.Fatalf("旧下载应被取消: %+v", p)
	}
	if p := waitDone(t, second); p.FilePath == "" {
		t.Fatalf("新下载应完成: %+v", p)
	}
}

func TestManagerUnknownSubscription(t *testing.T) {
	f := newFixture(t, 10, &upstream{})
	m := f.manager(t)

	if _, err := m.Refresh("nobody"); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription, got %v", err)
	}
	if _, err := m.Confirm("nobody"); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription, got %v", err)
	}
	if _, err := m.Cancel(context.Background(), "nobody", true); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription, got %v", err)
	}
}

func TestManagerCloseCancelsInflight(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(1000), etag: "v1", stallAfter: 100})
	m := NewManager(ManagerOptions{Index: f.index, Sources: f.sources, ChunkSize: 100})

	d, _, _ := m.Start("viewer", f.url("a"), NoSizeLimit)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-d.Done():
	default:
		t.Fatalf("Close 应等待会话退出")
	}
	if p := d.Progress(); p.State != StateCancelled {
		t.Fatalf("Close 应取消进行中的下载: %+v", p)
	}
	if _, _, err := m.Start("viewer", f.url("a"), NoSizeLimit); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestManagerInvalidate(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(100), etag: "v1"})
	m := f.manager(t)

	res, err := m.Fetch(context.Background(), f.url("a"), NoSizeLimit)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := m.Invalidate(context.Background(), f.url("a")); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	again, err := m.Fetch(context.Background(), f.url("a"), NoSizeLimit)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if again.CacheHit || again.FilePath == res.FilePath {
		t.Fatalf("失效后应重新下载到新文件: %+v", again)
	}
}

func TestDownloadWatchDeliversFinalState(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(5000), etag: "v1"})
	m := f.manager(t)

	d, _, _ := m.Start("viewer", f.url("a"), NoSizeLimit)
	updates, _ := d.Watch()
	var last Progress
	for p := range updates {
		last = p
	}
	if last.FilePath == "" || last.State != StateComplete {
		t.Fatalf("channel 关闭前应收到最终状态: %+v", last)
	}

	// 结束后订阅立即得到最终快照
	late, _ := d.Watch()
	p, ok := <-late
	if !ok || p.FilePath != last.FilePath {
		t.Fatalf("结束后订阅应收到最终快照")
	}
	if _, ok := <-late; ok {
		t.Fatalf("结束后订阅的 channel 应已关闭")
	}
}

func TestManagerOnFinishReportsResult(t *testing.T) {
	f := newFixture(t, 10, &upstream{content: newContent(300), etag: "v1"})
	type finished struct {
		p      Progress
		result *Result
	}
	ch := make(chan finished, 2)
	m := NewManager(ManagerOptions{
		Index:     f.index,
		Sources:   f.sources,
		ChunkSize: 100,
		OnFinish:  func(p Progress, result *Result) { ch <- finished{p, result} },
	})
	t.Cleanup(func() { _ = m.Close() })

	if _, err := m.Fetch(context.Background(), f.url("a.bin"), NoSizeLimit); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	select {
	case got := <-ch:
		if got.p.State != StateComplete || got.result == nil || got.result.Length != 300 || got.result.CacheHit {
			t.Fatalf("unexpected finish report: %+v %+v", got.p, got.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("OnFinish 未被调用")
	}

	if _, err := m.Fetch(context.Background(), f.url("a.bin"), 10); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	select {
	case got := <-ch:
		if got.result == nil || !got.result.CacheHit {
			t.Fatalf("第二次应命中缓存: %+v", got.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("OnFinish 未被调用")
	}
}
