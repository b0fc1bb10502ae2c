package fetch

import (
	"context"
	"errors"
	"sync"
)

// watcherBuffer 为每个订阅 channel 的缓冲；慢消费者会丢失中间进度，但总能收到最终状态。
const watcherBuffer = 16

// Download 是 Manager 中的一次下载及其进度广播。
type Download struct {
	id        string
	url       string
	sizeLimit int64
	session   *Session

	// 由 Manager.mu 保护
	refs            int
	cancelRequested bool

	mu       sync.Mutex
	progress Progress
	watchers map[chan Progress]struct{}
	result   *Result
	err      error
	done     chan struct{}
}

func newDownload(id, rawURL string, sizeLimit int64) *Download {
	return &Download{
		id:        id,
		url:       rawURL,
		sizeLimit: sizeLimit,
		progress: Progress{
			ID:        id,
			URL:       rawURL,
			SizeLimit: sizeLimit,
			State:     StateInit,
			Max:       -1,
		},
		watchers: make(map[chan Progress]struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Download) ID() string       { return d.id }
func (d *Download) URL() string      { return d.url }
func (d *Download) SizeLimit() int64 { return d.sizeLimit }

// Done 在下载结束（任何终态）后关闭。
func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Progress 返回当前快照。
func (d *Download) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Result 返回最终结果；下载未结束时两者均为 nil。
func (d *Download) Result() (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result, d.err
}

// Wait 阻塞到下载结束或 ctx 取消；ctx 取消不会取消下载本身。
func (d *Download) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
	}
}

// Watch 订阅进度：立即收到一次当前快照，结束时收到最终快照后 channel 关闭。
// 返回的函数用于提前退订，可重复调用。
func (d *Download) Watch() (<-chan Progress, func()) {
	ch := make(chan Progress, watcherBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()

	ch <- d.progress
	if d.finished() {
		close(ch)
		return ch, func() {}
	}
	d.watchers[ch] = struct{}{}
	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.watchers[ch]; ok {
			delete(d.watchers, ch)
			close(ch)
		}
	}
}

func (d *Download) finished() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Download) publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished() {
		return
	}
	d.progress.apply(ev)
	snapshot := d.progress
	for ch := range d.watchers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (d *Download) finish(result *Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.result, d.err = result, err
	p := &d.progress
	if state := d.session.State(); state.Terminal() {
		p.State = state
	}
	if err == nil {
		p.FilePath = result.FilePath
		p.Current, p.Max, p.Determinate = result.Length, result.Length, true
	} else {
		var fe *Error
		if !errors.As(err, &fe) {
			fe = classify(err)
		}
		switch fe.Kind {
		case KindSizeWarning:
			p.TooLarge = true
			p.TooLargeMessage = fe.Message
			p.State = StatePaused
		case KindCancelled:
			p.Err = fe
			p.State = StateCancelled
		default:
			p.Err = fe
			p.State = StateFailed
		}
	}

	snapshot := *p
	for ch := range d.watchers {
		// 腾出位置保证最终状态送达
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
		close(ch)
		delete(d.watchers, ch)
	}
	close(d.done)
}
