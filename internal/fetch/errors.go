package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/transport"
)

// Kind 对下载失败进行分类，调用方据此决定提示文案或是否重试。
type Kind string

const (
	KindCacheInit      Kind = "cache_init"
	KindHostUnresolved Kind = "host_unresolved"
	KindTimeout        Kind = "timeout"
	KindSocket         Kind = "socket"
	// KindUnverified 表示读写中断，已落盘的部分可在下次续传。
	KindUnverified   Kind = "unverified"
	KindHTTPResponse Kind = "http_response"
	// KindSizeWarning 是暂停而非失败，需要调用方确认后关闭阈值重新下载。
	KindSizeWarning Kind = "size_warning"
	KindCancelled   Kind = "cancelled"
	KindOther       Kind = "other"
)

var (
	// ErrSizeWarning 可配合 errors.Is 判断下载是否因体积阈值暂停。
	ErrSizeWarning = &Error{Kind: KindSizeWarning}
	// ErrCancelled 可配合 errors.Is 判断下载是否被取消。
	ErrCancelled = &Error{Kind: KindCancelled}
)

// Error 是会话返回的唯一错误类型。
type Error struct {
	Kind    Kind
	Message string
	// Remaining 仅在 KindSizeWarning 时有效，为仍需下载的字节数。
	Remaining int64
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 仅与不携带细节的哨兵错误按 Kind 匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf 返回 err 的分类；非 *Error 按 classify 规则推断。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classify(err).Kind
}

// classify 将底层错误映射为 *Error。
func classify(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var (
		dnsErr    *net.DNSError
		statusErr *transport.StatusError
		netErr    net.Error
		opErr     *net.OpError
		pathErr   *fs.PathError
	)
	switch {
	case errors.Is(err, cache.ErrCacheInit):
		return &Error{Kind: KindCacheInit, Err: err}
	case errors.Is(err, cache.ErrEntryNotFound):
		return &Error{Kind: KindOther, Message: "cache entry evicted", Err: err}
	case errors.As(err, &dnsErr):
		return &Error{Kind: KindHostUnresolved, Message: dnsErr.Name, Err: err}
	case errors.Is(err, transport.ErrStalled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Err: err}
	case errors.As(err, &statusErr):
		return &Error{Kind: KindHTTPResponse, Message: statusErr.Status, Err: err}
	case errors.As(err, &opErr):
		return &Error{Kind: KindSocket, Err: err}
	case errors.As(err, &pathErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrShortWrite):
		return &Error{Kind: KindUnverified, Err: err}
	default:
		return &Error{Kind: KindOther, Message: err.Error(), Err: err}
	}
}
