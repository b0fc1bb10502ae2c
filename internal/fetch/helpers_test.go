package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/transport"
)

// upstream 是支持 Range 的测试源站。
type upstream struct {
	mu       sync.Mutex
	content  []byte
	etag     string
	status   int
	noLength bool
	// stallAfter>0 时写出前 stallAfter 字节后挂起，直到客户端断开
	stallAfter int
	// stallPath 非空时只对该路径挂起
	stallPath string
	// truncateAt>0 时声明完整长度但只写出前 truncateAt 字节
	truncateAt int
	ranges     []string
	gate       chan struct{}
}

func newContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.ranges = append(u.ranges, r.Header.Get("Range"))
	content, etag, status := u.content, u.etag, u.status
	noLength, stallAfter, truncateAt, gate := u.noLength, u.stallAfter, u.truncateAt, u.gate
	if u.stallPath != "" && u.stallPath != r.URL.Path {
		stallAfter = 0
	}
	u.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}

	start := 0
	code := http.StatusOK
	if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
		if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")); err == nil && n < len(content) {
			start = n
			code = http.StatusPartialContent
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", n, len(content)-1, len(content)))
		}
	}
	body := content[start:]
	if !noLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(code)

	switch {
	case stallAfter > 0:
		_, _ = w.Write(body[:stallAfter])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	case truncateAt > 0:
		_, _ = w.Write(body[:truncateAt])
		// 少于 Content-Length 时服务端会直接断开连接
	case noLength:
		for i := 0; i < len(body); i += 256 {
			end := min(i+256, len(body))
			_, _ = w.Write(body[i:end])
			w.(http.Flusher).Flush()
		}
	default:
		_, _ = w.Write(body)
	}
}

func (u *upstream) requests() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.ranges...)
}

func (u *upstream) set(fn func(u *upstream)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(u)
}

type fixture struct {
	index   cache.Index
	sources *transport.Selector
	up      *upstream
	srv     *httptest.Server
}

func newFixture(t *testing.T, capacity int, up *upstream) *fixture {
	t.Helper()
	idx, err := cache.Open(cache.Options{Dir: t.TempDir(), Capacity: capacity})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	return &fixture{
		index:   idx,
		sources: transport.NewSelector(transport.NewHTTPSource(transport.WithClient(srv.Client())), transport.NewLocalSource()),
		up:      up,
		srv:     srv,
	}
}

func (f *fixture) url(name string) string {
	return f.srv.URL + "/" + name
}

func (f *fixture) session(rawURL string, sizeLimit int64, onEvent func(Event)) *Session {
	return NewSession(rawURL, SessionOptions{
		Index:     f.index,
		Sources:   f.sources,
		SizeLimit: sizeLimit,
		ChunkSize: 100,
		OnEvent:   onEvent,
	})
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{Index: f.index, Sources: f.sources, ChunkSize: 100})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// seedPartial 预置一个只下载了前 n 字节、带校验值的条目。
func (f *fixture) seedPartial(t *testing.T, rawURL string, content []byte, n int, validator string) *cache.Entry {
	t.Helper()
	ctx := context.Background()
	entry, err := f.index.Resolve(ctx, rawURL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.WriteFile(entry.FilePath, content[:n], 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	entry.ExpectedLength = int64(len(content))
	entry.Validator = validator
	if err := f.index.RecordProgress(ctx, entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	return entry
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func waitDone(t *testing.T, d *Download) Progress {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("download %s did not finish", d.ID())
	}
	return d.Progress()
}
