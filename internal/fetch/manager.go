package fetch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/logging"
)

var (
	ErrManagerClosed       = errors.New("fetch: manager closed")
	ErrUnknownSubscription = errors.New("fetch: unknown subscription")
	ErrNotPaused           = errors.New("fetch: download is not paused by size warning")
)

// ManagerOptions 描述 Manager 共享给所有会话的依赖。
type ManagerOptions struct {
	Index     cache.Index
	Sources   SourceSelector
	ChunkSize int
	Logger    *logrus.Logger
	// OnFinish 在每个下载进入终态后调用，用于统计。
	OnFinish func(p Progress, result *Result)
}

// Manager 为每个订阅维护一个当前下载。
// 同一 url 同时只有一个会话在写文件：后来的请求挂到进行中的下载上，
// 被取消的旧会话结束之前新的会话不会开始。
type Manager struct {
	index     cache.Index
	sources   SourceSelector
	chunkSize int
	logger    *logrus.Logger
	onFinish  func(Progress, *Result)

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	subs     map[string]*Download
	inflight map[string]*Download
}

// NewManager 创建 Manager；调用方负责在退出前 Close。
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		index:     opts.Index,
		sources:   opts.Sources,
		chunkSize: opts.ChunkSize,
		logger:    logger,
		onFinish:  opts.OnFinish,
		ctx:       ctx,
		stop:      stop,
		subs:      make(map[string]*Download),
		inflight:  make(map[string]*Download),
	}
}

// Start 让订阅 sub 下载 rawURL。
// 若订阅当前已有同一 url 且仍有效的下载，直接返回它（started=false）；
// 否则替换旧下载（无人引用时取消并保留已下载部分），挂到同 url 的进行中下载或启动新会话。
func (m *Manager) Start(sub, rawURL string, sizeLimit int64) (d *Download, started bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrManagerClosed
	}

	if cur := m.subs[sub]; cur != nil {
		if cur.url == rawURL && cur.Progress().Valid() {
			return cur, false, nil
		}
		m.detachLocked(sub, cur)
	}

	d = m.attachableLocked(rawURL)
	if d == nil {
		d = m.launchLocked(rawURL, sizeLimit, m.waitListLocked(rawURL), nil)
	}
	d.refs++
	m.subs[sub] = d
	return d, true, nil
}

// Get 返回订阅当前的下载。
func (m *Manager) Get(sub string) (*Download, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.subs[sub]
	return d, ok
}

// Subscriptions 返回所有订阅的进度快照，按订阅名排序。
func (m *Manager) Subscriptions() []SubscriptionProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionProgress, 0, len(m.subs))
	for sub, d := range m.subs {
		out = append(out, SubscriptionProgress{Subscription: sub, Progress: d.Progress()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscription < out[j].Subscription })
	return out
}

// SubscriptionProgress 是订阅名与其下载进度的组合。
type SubscriptionProgress struct {
	Subscription string `json:"subscription"`
	Progress
}

// Refresh 丢弃订阅当前下载的全部内容并重新下载：取消（删除文件）、等待旧会话结束、
// 使缓存条目失效，然后启动新会话。挂在旧下载上的其他订阅一并迁移到新下载。
func (m *Manager) Refresh(sub string) (*Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	old := m.subs[sub]
	if old == nil {
		return nil, ErrUnknownSubscription
	}

	rawURL := old.url
	m.cancelLocked(old, true)
	after := []*Download{old}
	if other := m.inflight[rawURL]; other != nil && other != old {
		m.cancelLocked(other, true)
		after = append(after, other)
	}
	d := m.launchLocked(rawURL, old.sizeLimit, after, func(ctx context.Context) error {
		return m.index.Invalidate(ctx, rawURL)
	})
	for _, prev := range after {
		m.moveLocked(prev, d)
	}
	return d, nil
}

// Confirm 在体积警告暂停后关闭阈值重新下载。
// 同 url 上进行中的下载若带有阈值则不挂靠，而是在它结束后启动无阈值会话。
func (m *Manager) Confirm(sub string) (*Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	old := m.subs[sub]
	if old == nil {
		return nil, ErrUnknownSubscription
	}
	if !old.Progress().TooLarge {
		return nil, ErrNotPaused
	}

	d := m.attachableLocked(old.url)
	if d == nil || d.sizeLimit >= 0 {
		d = m.launchLocked(old.url, NoSizeLimit, m.waitListLocked(old.url), nil)
	}
	m.moveLocked(old, d)
	return d, nil
}

// Cancel 解除订阅；没有其他订阅引用该下载时取消会话并等待其结束。
// discard 为 true 时删除已下载部分，否则保留以便续传。
func (m *Manager) Cancel(ctx context.Context, sub string, discard bool) (Progress, error) {
	m.mu.Lock()
	d := m.subs[sub]
	if d == nil {
		m.mu.Unlock()
		return Progress{}, ErrUnknownSubscription
	}
	delete(m.subs, sub)
	d.refs--
	cancelled := false
	if d.refs <= 0 && !d.finished() {
		m.cancelLocked(d, discard)
		cancelled = true
	}
	m.mu.Unlock()

	if cancelled {
		select {
		case <-d.done:
		case <-ctx.Done():
			return d.Progress(), ctx.Err()
		}
	}
	return d.Progress(), nil
}

// Fetch 同步下载 rawURL，同一 url 的并发调用共享一个会话。
// ctx 取消时若已无其他调用方等待，会话被取消并保留已下载部分。
func (m *Manager) Fetch(ctx context.Context, rawURL string, sizeLimit int64) (*Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	d := m.attachableLocked(rawURL)
	if d == nil {
		d = m.launchLocked(rawURL, sizeLimit, m.waitListLocked(rawURL), nil)
	}
	d.refs++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		d.refs--
		if d.refs <= 0 && !d.finished() {
			m.cancelLocked(d, false)
		}
	}()
	return d.Wait(ctx)
}

// Invalidate 取消 url 的进行中下载（删除文件）并清空其缓存条目。
func (m *Manager) Invalidate(ctx context.Context, rawURL string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	d := m.inflight[rawURL]
	if d != nil {
		m.cancelLocked(d, true)
	}
	m.mu.Unlock()

	if d != nil {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.index.Invalidate(ctx, rawURL)
}

// Close 取消所有进行中的下载（保留已下载部分）并等待会话退出。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, d := range m.inflight {
		m.cancelLocked(d, false)
	}
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
	return nil
}

func (m *Manager) attachableLocked(rawURL string) *Download {
	d := m.inflight[rawURL]
	if d == nil || d.cancelRequested || d.finished() {
		return nil
	}
	return d
}

// waitListLocked 返回 url 上仍未退出的旧会话（已被取消或即将结束）。
func (m *Manager) waitListLocked(rawURL string) []*Download {
	if d := m.inflight[rawURL]; d != nil {
		return []*Download{d}
	}
	return nil
}

// launchLocked 启动新会话；先等待 after 中的会话全部结束，prepare 在会话开始前执行。
func (m *Manager) launchLocked(rawURL string, sizeLimit int64, after []*Download, prepare func(ctx context.Context) error) *Download {
	d := newDownload(uuid.NewString(), rawURL, sizeLimit)
	d.session = NewSession(rawURL, SessionOptions{
		Index:     m.index,
		Sources:   m.sources,
		SizeLimit: sizeLimit,
		ChunkSize: m.chunkSize,
		Logger:    m.logger,
		OnEvent:   d.publish,
	})
	m.inflight[rawURL] = d

	m.logger.WithFields(logrus.Fields{
		"action":      "download_start",
		"download_id": d.id,
		"url":         rawURL,
		"size_limit":  sizeLimit,
	}).Debug("download_started")

	m.wg.Add(1)
	go m.run(d, after, prepare)
	return d
}

func (m *Manager) run(d *Download, after []*Download, prepare func(ctx context.Context) error) {
	defer m.wg.Done()
	for _, prev := range after {
		<-prev.done
	}

	var (
		result *Result
		err    error
	)
	if prepare != nil {
		if prepErr := prepare(m.ctx); prepErr != nil {
			if m.ctx.Err() != nil {
				err = &Error{Kind: KindCancelled, Err: prepErr}
			} else {
				err = classify(prepErr)
			}
		}
	}
	if err == nil {
		result, err = d.session.Run(m.ctx)
	}
	d.finish(result, err)
	if m.onFinish != nil {
		m.onFinish(d.Progress(), result)
	}

	m.mu.Lock()
	if m.inflight[d.url] == d {
		delete(m.inflight, d.url)
	}
	m.mu.Unlock()
}

func (m *Manager) cancelLocked(d *Download, discard bool) {
	d.cancelRequested = true
	d.session.Cancel(discard)
}

func (m *Manager) detachLocked(sub string, d *Download) {
	delete(m.subs, sub)
	d.refs--
	if d.refs <= 0 && !d.finished() {
		m.cancelLocked(d, false)
	}
}

// moveLocked 把引用 from 的订阅全部指向 to。
func (m *Manager) moveLocked(from, to *Download) {
	for sub, d := range m.subs {
		if d == from {
			m.subs[sub] = to
			to.refs++
		}
	}
	from.refs = 0
}
