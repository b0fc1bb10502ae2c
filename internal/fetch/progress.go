package fetch

// State 是下载会话所处的阶段。
type State string

const (
	StateInit          State = "init"
	StateResolveCache  State = "resolve_cache"
	StateCacheHit      State = "cache_hit"
	StateOpenTransport State = "open_transport"
	StateStreaming     State = "streaming"
	StateComplete      State = "complete"
	StatePaused        State = "paused"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal 报告会话是否已经结束。
func (s State) Terminal() bool {
	switch s {
	case StateCacheHit, StateComplete, StatePaused, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Event 是会话向外发布的状态或进度变化。
// Determinate 为 false 表示总长度尚未确认（例如正在协商续传）。
type Event struct {
	State       State
	Current     int64
	Max         int64
	Determinate bool
}

// Progress 是一次下载对订阅者可见的快照。
type Progress struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	SizeLimit int64  `json:"size_limit"`

	State       State `json:"state"`
	Current     int64 `json:"current"`
	Max         int64 `json:"max"`
	Determinate bool  `json:"determinate"`

	// TooLarge 表示下载因体积阈值暂停，TooLargeMessage 为可读的剩余大小。
	TooLarge        bool   `json:"too_large"`
	TooLargeMessage string `json:"too_large_message,omitempty"`

	Err      *Error `json:"-"`
	FilePath string `json:"file_path,omitempty"`
}

// Running 报告下载是否仍在进行。
func (p Progress) Running() bool {
	return p.FilePath == "" && !p.TooLarge && p.Err == nil
}

// Valid 报告下载是否成功，或仍有机会成功（未失败、未暂停、未取消）。
func (p Progress) Valid() bool {
	return p.FilePath != "" || (!p.TooLarge && p.Err == nil)
}

func (p *Progress) apply(ev Event) {
	p.State = ev.State
	p.Current = ev.Current
	p.Max = ev.Max
	p.Determinate = ev.Determinate
}
