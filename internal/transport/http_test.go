package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type rangeUpstream struct {
	mu       sync.Mutex
	content  []byte
	etag     string
	lastMod  string
	requests []string
}

func (u *rangeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.requests = append(u.requests, r.Header.Get("Range"))
	u.mu.Unlock()

	if u.etag != "" {
		w.Header().Set("ETag", u.etag)
	}
	if u.lastMod != "" {
		w.Header().Set("Last-Modified", u.lastMod)
	}
	if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
		start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		if err == nil && start < len(u.content) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(u.content)-1, len(u.content)))
			w.Header().Set("Content-Length", strconv.Itoa(len(u.content)-start))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(u.content[start:])
			return
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(u.content)))
	_, _ = w.Write(u.content)
}

func (u *rangeUpstream) rangeHeaders() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.requests...)
}

func newRangeUpstream(t *testing.T, size int, etag string) (*rangeUpstream, *httptest.Server) {
	t.Helper()
	up := &rangeUpstream{content: bytes.Repeat([]byte("x"), size), etag: etag}
	for i := range up.content {
		up.content[i] = byte('a' + i%26)
	}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	return up, srv
}

func readAll(t *testing.T, s *Stream) []byte {
	t.Helper()
	defer s.Close()
	data, err := io.ReadAll(s.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return data
}

func TestHTTPSourceFullDownload(t *testing.T) {
	up, srv := newRangeUpstream(t, 1000, `"v1"`)
	src := NewHTTPSource(WithClient(srv.Client()))

	stream, err := src.Open(context.Background(), Request{URL: srv.URL + "/a.bin"})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if stream.TotalLength != 1000 || stream.Validator != `"v1"` || stream.ResumeAccepted {
		t.Fatalf("unexpected stream meta: %+v", stream)
	}
	if got := readAll(t, stream); !bytes.Equal(got, up.content) {
		t.Fatalf("body mismatch")
	}
	if hdrs := up.rangeHeaders(); len(hdrs) != 1 || hdrs[0] != "" {
		t.Fatalf("偏移为 0 时不应发送 Range: %v", hdrs)
	}
}

func TestHTTPSourceResumesWithMatchingValidator(t *testing.T) {
	up, srv := newRangeUpstream(t, 1000, `"v1"`)
	src := NewHTTPSource(WithClient(srv.Client()))

	stream, err := src.Open(context.Background(), Request{URL: srv.URL, Offset: 400, Validator: `"v1"`})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if !stream.ResumeAccepted {
		t.Fatalf("校验值一致时应接受续传")
	}
	if stream.TotalLength != 1000 {
		t.Fatalf("总长度应来自 Content-Range, got %d", stream.TotalLength)
	}
	if got := readAll(t, stream); !bytes.Equal(got, up.content[400:]) {
		t.Fatalf("续传内容应从 400 开始, got %d bytes", len(got))
	}
	if hdrs := up.rangeHeaders(); len(hdrs) != 1 || hdrs[0] != "bytes=400-" {
		t.Fatalf("unexpected range headers: %v", hdrs)
	}
}

func TestHTTPSourceRefetchesOnValidatorMismatch(t *testing.T) {
	up, srv := newRangeUpstream(t, 1000, `"v2"`)
	src := NewHTTPSource(WithClient(srv.Client()))

	stream, err := src.Open(context.Background(), Request{URL: srv.URL, Offset: 400, Validator: `"v1"`})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if stream.ResumeAccepted {
		t.Fatalf("校验值不一致时不应续传")
	}
	if stream.Validator != `"v2"` || stream.TotalLength != 1000 {
		t.Fatalf("应返回新的校验值与长度: %+v", stream)
	}
	if got := readAll(t, stream); !bytes.Equal(got, up.content) {
		t.Fatalf("应重新下载完整内容")
	}
	if hdrs := up.rangeHeaders(); len(hdrs) != 2 || hdrs[0] != "bytes=400-" || hdrs[1] != "" {
		t.Fatalf("应先发送 Range 再发送完整 GET: %v", hdrs)
	}
}

func TestHTTPSourceNoStoredValidatorNeverResumes(t *testing.T) {
	up, srv := newRangeUpstream(t, 100, "")
	src := NewHTTPSource(WithClient(srv.Client()))

	stream, err := src.Open(context.Background(), Request{URL: srv.URL, Offset: 10})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if stream.ResumeAccepted {
		t.Fatalf("没有已存校验值时不应续传")
	}
	if got := readAll(t, stream); !bytes.Equal(got, up.content) {
		t.Fatalf("应返回完整内容")
	}
	if reqs := up.rangeHeaders(); len(reqs) != 1 || reqs[0] != "" {
		t.Fatalf("没有校验值时应只发一次不带 Range 的请求, got %q", reqs)
	}
}

func TestHTTPSourceFallsBackToLastModified(t *testing.T) {
	up, srv := newRangeUpstream(t, 100, "")
	up.lastMod = "Wed, 21 Oct 2015 07:28:00 GMT"
	src := NewHTTPSource(WithClient(srv.Client()))

	stream, err := src.Open(context.Background(), Request{URL: srv.URL, Offset: 10, Validator: up.lastMod})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer stream.Close()
	if !stream.ResumeAccepted || stream.Validator != up.lastMod {
		t.Fatalf("应使用 Last-Modified 作为校验值: %+v", stream)
	}
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(WithClient(srv.Client())).Open(context.Background(), Request{URL: srv.URL})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusNotFound || statusErr.Status != "404 Not Found" {
		t.Fatalf("状态行不符合预期: %+v", statusErr)
	}
}

func TestHTTPSourceSendsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	stream, err := NewHTTPSource(WithClient(srv.Client()), WithUserAgent("any-fetch/test")).
		Open(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	readAll(t, stream)
	if got != "any-fetch/test" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestHTTPSourceIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	src := NewHTTPSource(WithClient(srv.Client()), WithIdleTimeout(50*time.Millisecond))
	stream, err := src.Open(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer stream.Close()

	_, err = io.ReadAll(stream.Body)
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
}

func TestHTTPSourceIdleTimeoutIgnoresSlowConsumer(t *testing.T) {
	_, srv := newRangeUpstream(t, 40, "v1")
	src := NewHTTPSource(WithClient(srv.Client()), WithIdleTimeout(50*time.Millisecond))

	stream, err := src.Open(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer stream.Close()

	// 每次读取之间的处理时间（模拟慢速写盘）超过 idle，不应判定为网络停滞
	buf := make([]byte, 10)
	total := 0
	for {
		n, err := stream.Body.Read(buf)
		total += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read error after %d bytes: %v", total, err)
		}
		time.Sleep(120 * time.Millisecond)
	}
	if total != 40 {
		t.Fatalf("expected 40 bytes, got %d", total)
	}
}

func TestResumedLength(t *testing.T) {
	testCases := []struct {
		value string
		want  int64
	}{
		{"bytes 400-999/1000", 1000},
		{"bytes 0-0/*", UnknownLength},
		{"", UnknownLength},
		{"items 1-2/3", UnknownLength},
		{"bytes 1-2/abc", UnknownLength},
	}
	for _, tc := range testCases {
		header := http.Header{}
		if tc.value != "" {
			header.Set("Content-Range", tc.value)
		}
		if got := resumedLength(header); got != tc.want {
			t.Fatalf("resumedLength(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestNewHTTPClientDoesNotCapWholeRequest(t *testing.T) {
	client := NewHTTPClient(3 * time.Second)
	if client.Timeout != 0 {
		t.Fatalf("整体超时会截断大文件下载, got %s", client.Timeout)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if tr.TLSHandshakeTimeout != 3*time.Second {
		t.Fatalf("握手超时应跟随建连超时, got %s", tr.TLSHandshakeTimeout)
	}
}
