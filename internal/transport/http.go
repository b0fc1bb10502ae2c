package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrStalled 表示响应体在 IdleTimeout 内没有任何数据到达。
var ErrStalled = errors.New("transport: read stalled")

// StatusError 表示上游返回了非 200/206 状态，Status 为完整状态行（如 "404 Not Found"）。
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected http status: %s", e.Status)
}

// HTTPSource 通过 GET + Range 请求读取远端内容。
type HTTPSource struct {
	client      *http.Client
	idleTimeout time.Duration
	userAgent   string
}

// HTTPOption 配置 HTTPSource。
type HTTPOption func(*HTTPSource)

// WithClient 指定请求使用的 http.Client。
func WithClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.client = client
	}
}

// WithIdleTimeout 设置响应体读取的空闲超时，0 表示不限制。
func WithIdleTimeout(timeout time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.idleTimeout = timeout
	}
}

// WithUserAgent 设置请求的 User-Agent。
func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPSource) {
		s.userAgent = ua
	}
}

// NewHTTPSource 创建 HTTPSource，默认使用 NewHTTPClient(DefaultConnectTimeout)。
func NewHTTPSource(opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = NewHTTPClient(DefaultConnectTimeout)
	}
	return s
}

func (s *HTTPSource) Kind() Kind {
	return KindHTTP
}

// Open 发起 GET；Offset>0 且存有校验值时附带 `Range: bytes=<Offset>-`。
// 206 且校验值与 Request.Validator 相同才接受续传，否则关闭响应并重新请求完整内容。
func (s *HTTPSource) Open(ctx context.Context, req Request) (*Stream, error) {
	offset := req.Offset
	if req.Validator == "" {
		// 没有校验值无法确认续传，直接请求完整内容
		offset = 0
	}
	resp, cancel, err := s.get(ctx, req.URL, offset)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusPartialContent {
		validator := responseValidator(resp.Header)
		if offset > 0 && validator == req.Validator {
			return s.stream(resp, cancel, resumedLength(resp.Header), validator, true), nil
		}

		_ = resp.Body.Close()
		cancel()
		resp, cancel, err = s.get(ctx, req.URL, 0)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	total := resp.ContentLength
	if total < 0 {
		total = UnknownLength
	}
	return s.stream(resp, cancel, total, responseValidator(resp.Header), false), nil
}

func (s *HTTPSource) get(ctx context.Context, rawURL string, offset int64) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request %s: %w", rawURL, err)
	}
	// 压缩后的字节偏移与磁盘文件无法对应
	req.Header.Set("Accept-Encoding", "identity")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

func (s *HTTPSource) stream(resp *http.Response, cancel context.CancelFunc, total int64, validator string, resumed bool) *Stream {
	return &Stream{
		Body:           newBodyReader(resp.Body, cancel, s.idleTimeout),
		TotalLength:    total,
		Validator:      validator,
		ResumeAccepted: resumed,
	}
}

// responseValidator 返回 ETag，缺失时退回 Last-Modified。
func responseValidator(header http.Header) string {
	if etag := header.Get("ETag"); etag != "" {
		return etag
	}
	return header.Get("Last-Modified")
}

// resumedLength 从 `Content-Range: bytes <start>-<end>/<total>` 中解析总长度，未知时返回 UnknownLength。
func resumedLength(header http.Header) int64 {
	value := strings.TrimSpace(header.Get("Content-Range"))
	if !strings.HasPrefix(value, "bytes ") {
		return UnknownLength
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return UnknownLength
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return UnknownLength
	}
	return size
}

// bodyReader 在关闭时取消请求上下文；设置 idle 后，单次 Read 等待超过 idle 会中断连接并返回 ErrStalled。
// 计时只覆盖 Read 本身，调用方处理数据（例如写盘）的时间不计入。
type bodyReader struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newBodyReader(body io.ReadCloser, cancel context.CancelFunc, idle time.Duration) *bodyReader {
	r := &bodyReader{body: body, cancel: cancel, idle: idle}
	if idle > 0 {
		r.timer = time.AfterFunc(idle, func() {
			r.stalled.Store(true)
			cancel()
		})
		r.timer.Stop()
	}
	return r
}

func (r *bodyReader) Read(p []byte) (int, error) {
	if r.timer == nil {
		return r.body.Read(p)
	}
	r.timer.Reset(r.idle)
	n, err := r.body.Read(p)
	r.timer.Stop()
	if r.stalled.Load() {
		return n, ErrStalled
	}
	return n, err
}

func (r *bodyReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	err := r.body.Close()
	r.cancel()
	return err
}
