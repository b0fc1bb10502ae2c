package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/transport"
)

const (
	// NoSizeLimit 关闭体积阈值检查。
	NoSizeLimit int64 = -1
	// DefaultChunkSize 为每次从数据源读取的字节数。
	DefaultChunkSize = 32 * 1024
)

// ErrSessionReused 表示同一个 Session 被重复运行。
var ErrSessionReused = errors.New("fetch: session already started")

// SourceSelector 根据 url 选择数据源，*transport.Selector 实现了该接口。
type SourceSelector interface {
	Select(rawURL string) (transport.Source, error)
}

// SessionOptions 描述单次下载的依赖与参数。
type SessionOptions struct {
	Index   cache.Index
	Sources SourceSelector
	// SizeLimit>=0 时，剩余待下载字节数超过该值会暂停下载。
	SizeLimit int64
	ChunkSize int
	Logger    *logrus.Logger
	// OnEvent 在会话 goroutine 中同步调用，不应阻塞。
	OnEvent func(Event)
}

// Result 是成功下载（或缓存命中）后的文件信息。
type Result struct {
	URL      string
	FilePath string
	Length   int64
	CacheHit bool
}

// Session 执行一次 url 下载，只能 Run 一次；Cancel 可在任意 goroutine 调用。
type Session struct {
	url       string
	index     cache.Index
	sources   SourceSelector
	sizeLimit int64
	chunkSize int
	logger    *logrus.Logger
	onEvent   func(Event)

	mu        sync.Mutex
	state     State
	started   bool
	cancelled bool
	discard   bool
	stop      context.CancelFunc

	current     int64
	max         int64
	determinate bool
}

// NewSession 创建处于 StateInit 的会话。
func NewSession(rawURL string, opts SessionOptions) *Session {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Session{
		url:       rawURL,
		index:     opts.Index,
		sources:   opts.Sources,
		sizeLimit: opts.SizeLimit,
		chunkSize: chunk,
		logger:    logger,
		onEvent:   opts.OnEvent,
		state:     StateInit,
		max:       cache.UnknownLength,
	}
}

// URL 返回会话下载的地址。
func (s *Session) URL() string {
	return s.url
}

// State 返回当前阶段。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel 请求协作式取消：会话在下一次读取前停止。
// discard 为 true 时删除目标文件，否则保留已下载部分供下次续传。
func (s *Session) Cancel(discard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.cancelled = true
	s.discard = s.discard || discard
	if s.stop != nil {
		s.stop()
	}
}

// Run 执行下载，返回的错误总是 *Error。ctx 取消等同于不丢弃的 Cancel。
func (s *Session) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrSessionReused
	}
	s.started = true
	runCtx, stop := context.WithCancel(ctx)
	s.stop = stop
	if s.cancelled {
		stop()
	}
	s.mu.Unlock()
	defer stop()

	return s.run(runCtx)
}

func (s *Session) run(ctx context.Context) (*Result, error) {
	started := time.Now()
	s.transition(StateResolveCache)
	entry, err := s.index.Resolve(ctx, s.url)
	if err != nil {
		return nil, s.abort(ctx, nil, false, err)
	}

	size := entry.FileSize()
	if entry.IsComplete(size) {
		s.setProgress(size, size, true)
		s.transition(StateCacheHit)
		s.logger.WithFields(logging.FetchFields(s.url, "", true)).
			WithField("file", entry.FilePath).Info("fetch_cache_hit")
		return &Result{URL: s.url, FilePath: entry.FilePath, Length: size, CacheHit: true}, nil
	}

	s.transition(StateOpenTransport)
	source, err := s.sources.Select(s.url)
	if err != nil {
		return nil, s.abort(ctx, entry, false, err)
	}
	var offset int64
	if entry.IsPartial(size) {
		offset = size
		s.setProgress(size, entry.ExpectedLength, false)
		s.emit()
	}

	stream, err := source.Open(ctx, transport.Request{URL: s.url, Offset: offset, Validator: entry.Validator})
	if err != nil {
		return nil, s.abort(ctx, entry, false, err)
	}
	defer stream.Close()
	if err := ctx.Err(); err != nil {
		return nil, s.abort(ctx, entry, false, err)
	}

	var base int64
	if stream.ResumeAccepted {
		base = offset
		entry.ResumeAccepted = true
		if stream.TotalLength >= 0 {
			entry.ExpectedLength = stream.TotalLength
		}
	} else {
		entry.ExpectedLength = stream.TotalLength
		entry.Validator = stream.Validator
	}

	if s.sizeLimit >= 0 && entry.ExpectedLength >= 0 {
		if remaining := entry.ExpectedLength - base; remaining > s.sizeLimit {
			return nil, s.pause(source.Kind(), remaining)
		}
	}

	flag := os.O_CREATE | os.O_WRONLY
	if entry.ResumeAccepted {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	file, err := os.OpenFile(entry.FilePath, flag, 0o644)
	if err != nil {
		return nil, s.abort(ctx, entry, false, err)
	}
	// 长度与校验值先行落库，进程中途退出后旧校验值不会与新内容错配
	if err := s.record(ctx, entry); err != nil {
		_ = file.Close()
		s.removePartial(entry)
		return nil, s.abort(ctx, nil, false, err)
	}

	s.transition(StateStreaming)
	written, err := s.copy(ctx, file, stream, base, entry.ExpectedLength)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil && entry.ExpectedLength >= 0 && written < entry.ExpectedLength {
		err = fmt.Errorf("short body: got %d of %d bytes: %w", written, entry.ExpectedLength, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, s.abort(ctx, entry, true, err)
	}

	if entry.ExpectedLength < 0 {
		entry.ExpectedLength = written
	}
	// 下载期间行可能已被淘汰，此时文件不再归任何行所有
	if err := s.record(ctx, entry); err != nil {
		s.removePartial(entry)
		return nil, s.abort(ctx, nil, false, err)
	}
	s.setProgress(written, entry.ExpectedLength, true)
	s.transition(StateComplete)
	s.logger.WithFields(logging.FetchFields(s.url, string(source.Kind()), false)).WithFields(logrus.Fields{
		"file":       entry.FilePath,
		"bytes":      written,
		"resumed":    entry.ResumeAccepted,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("fetch_complete")
	return &Result{URL: s.url, FilePath: entry.FilePath, Length: written}, nil
}

// copy 按块读取并写入 dst，每次读取前检查取消；返回写入后文件的总长度。
func (s *Session) copy(ctx context.Context, dst io.Writer, stream *transport.Stream, base, total int64) (int64, error) {
	buf := make([]byte, s.chunkSize)
	current := base
	for {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return current, err
			}
			current += int64(n)
			if total > 0 {
				s.setProgress(current, total, true)
				s.emit()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return current, nil
		}
		if readErr != nil {
			return current, readErr
		}
	}
}

// abort 处理失败与取消。opened 表示目标文件已按本次协商结果打开（截断或追加）。
func (s *Session) abort(ctx context.Context, entry *cache.Entry, opened bool, cause error) error {
	s.mu.Lock()
	cancelled, discard := s.cancelled || ctx.Err() != nil, s.discard
	s.mu.Unlock()

	if cancelled {
		if entry != nil {
			switch {
			case discard:
				s.removePartial(entry)
			case opened:
				s.keepPartial(ctx, entry)
			}
		}
		s.transition(StateCancelled)
		s.logger.WithFields(logging.FetchFields(s.url, "", false)).
			WithField("discard", discard).Info("fetch_cancelled")
		return &Error{Kind: KindCancelled, Err: cause}
	}

	if entry != nil && opened {
		s.keepPartial(ctx, entry)
	}
	fe := classify(cause)
	s.transition(StateFailed)
	s.logger.WithFields(logging.FetchFields(s.url, "", false)).WithError(cause).
		WithField("error_kind", fe.Kind).Warn("fetch_failed")
	return fe
}

// keepPartial 保留已下载部分；总长度未知或行已被淘汰时只能删除。
func (s *Session) keepPartial(ctx context.Context, entry *cache.Entry) {
	if entry.ExpectedLength < 0 || s.record(ctx, entry) != nil {
		s.removePartial(entry)
	}
}

func (s *Session) removePartial(entry *cache.Entry) {
	if err := os.Remove(entry.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WithError(err).WithField("file", entry.FilePath).Warn("cache_file_delete_failed")
	}
}

func (s *Session) pause(kind transport.Kind, remaining int64) error {
	message := humanize.Bytes(uint64(remaining))
	s.transition(StatePaused)
	s.logger.WithFields(logging.FetchFields(s.url, string(kind), false)).WithFields(logrus.Fields{
		"remaining":  remaining,
		"size_limit": s.sizeLimit,
	}).Info("fetch_paused")
	return &Error{Kind: KindSizeWarning, Message: message, Remaining: remaining}
}

// record 持久化长度与校验值。只有行已不属于该文件（cache.ErrEntryNotFound）时返回错误，
// 其它写入失败只记录日志，不影响本次下载结果。
func (s *Session) record(ctx context.Context, entry *cache.Entry) error {
	err := s.index.RecordProgress(context.WithoutCancel(ctx), entry)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrEntryNotFound):
		s.logger.WithFields(logging.FetchFields(s.url, "", false)).
			WithField("file", entry.FilePath).Warn("fetch_entry_evicted")
		return err
	default:
		s.logger.WithError(err).WithFields(logging.FetchFields(s.url, "", false)).Warn("fetch_record_failed")
		return nil
	}
}

func (s *Session) setProgress(current, max int64, determinate bool) {
	s.mu.Lock()
	s.current, s.max, s.determinate = current, max, determinate
	s.mu.Unlock()
}

func (s *Session) transition(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emit()
}

func (s *Session) emit() {
	if s.onEvent == nil {
		return
	}
	s.mu.Lock()
	ev := Event{State: s.state, Current: s.current, Max: s.max, Determinate: s.determinate}
	s.mu.Unlock()
	s.onEvent(ev)
}
