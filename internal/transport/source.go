package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Kind 标识数据来源类型。
type Kind string

const (
	KindHTTP  Kind = "http"
	KindLocal Kind = "local"
)

// UnknownLength 表示来源无法给出内容总长度。
const UnknownLength int64 = -1

// ErrUnsupportedScheme 表示 URL scheme 没有对应的 Source。
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Request 描述一次打开请求；Offset>0 时表示希望从该位置续传。
type Request struct {
	URL       string
	Offset    int64
	Validator string
}

// Stream 是打开后的数据流。
// ResumeAccepted 为 true 时 Body 从 Request.Offset 开始，否则从 0 开始，调用方需要丢弃旧字节。
type Stream struct {
	Body           io.ReadCloser
	TotalLength    int64
	Validator      string
	ResumeAccepted bool
}

// Close 释放底层连接或文件句柄。
func (s *Stream) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// Source 打开指定 URL 的数据流。
type Source interface {
	Kind() Kind
	Open(ctx context.Context, req Request) (*Stream, error)
}

// Selector 根据 URL scheme 选择 Source：http/https 走网络，file 或无 scheme 走本地文件。
type Selector struct {
	http  Source
	local Source
}

// NewSelector 使用给定的网络与本地 Source 构建选择器，nil 表示不支持该类来源。
func NewSelector(httpSource, localSource Source) *Selector {
	return &Selector{http: httpSource, local: localSource}
}

// Select 返回处理 rawURL 的 Source。
func (s *Selector) Select(rawURL string) (Source, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	var src Source
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		src = s.http
	case "", "file":
		src = s.local
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
	return src, nil
}
