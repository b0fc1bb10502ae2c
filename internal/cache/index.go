package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/logging"
)

const (
	// BackendSQLite 使用单表 SQLite 存储索引（默认）。
	BackendSQLite = "sqlite"
	// BackendBolt 使用 BoltDB bucket 存储索引。
	BackendBolt = "bolt"

	// DefaultCapacity 为默认保留的缓存条目数。
	DefaultCapacity = 100
	// DefaultEvictionSlack 为每次淘汰最多删除的超额条目数。
	DefaultEvictionSlack = 100

	// schemaVersion 变化时直接删表重建，缓存元数据丢失是可接受的。
	schemaVersion = 2
)

// ErrEntryNotFound 表示索引中不存在对应 url 的行（例如已被淘汰）。
var ErrEntryNotFound = errors.New("cache entry not found")

// Index 是 url -> Entry 的持久化映射，负责容量淘汰与缓存目录管理。
// 每个公开操作都是一次独立事务，并与其它操作串行执行。
type Index interface {
	// Resolve 查找 url 对应条目并刷新访问时间；不存在时分配新行并触发淘汰。
	Resolve(ctx context.Context, rawURL string) (*Entry, error)

	// RecordProgress 持久化条目的期望长度与校验值。行已被淘汰或已换成别的文件名时返回 ErrEntryNotFound。
	RecordProgress(ctx context.Context, entry *Entry) error

	// Invalidate 删除正文文件并将行重置为全新状态（新文件名、空长度与校验值）。
	Invalidate(ctx context.Context, rawURL string) error

	// Evict 按访问时间倒序跳过前 capacity 行，删除其后最多 slack 行及其文件，返回删除数量。
	Evict(ctx context.Context) (int, error)

	// Dir 返回缓存目录的绝对路径。
	Dir() string

	io.Closer
}

// Options 描述索引的构建参数。
type Options struct {
	// Dir 为首选（外部）缓存目录，FallbackDir 为回退（内部）目录。
	Dir         string
	FallbackDir string

	Capacity      int
	EvictionSlack int
	Backend       string

	Logger *logrus.Logger
	// Now 用于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Open 解析缓存目录并按 Backend 打开索引；任何失败都包裹 ErrCacheInit 返回。
func Open(opts Options) (Index, error) {
	dir, err := ResolveDir(opts.Dir, opts.FallbackDir)
	if err != nil {
		return nil, err
	}

	base := newIndexBase(dir, opts)
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendSQLite:
		idx, err := openSQLiteIndex(base)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheInit, err)
		}
		return idx, nil
	case BackendBolt:
		idx, err := openBoltIndex(base)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheInit, err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unsupported index backend %q", ErrCacheInit, opts.Backend)
	}
}

// indexBase 汇总两种存储引擎共享的目录、容量、时钟与文件删除逻辑。
type indexBase struct {
	dir      string
	capacity int
	slack    int
	logger   *logrus.Logger
	now      func() time.Time

	stampMu   sync.Mutex
	lastStamp int64
}

func newIndexBase(dir string, opts Options) *indexBase {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	slack := opts.EvictionSlack
	if slack <= 0 {
		slack = DefaultEvictionSlack
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &indexBase{
		dir:      dir,
		capacity: capacity,
		slack:    slack,
		logger:   logger,
		now:      now,
	}
}

// stamp 返回单调递增的毫秒时间戳，保证同一毫秒内分配的文件名不冲突、
// 访问顺序可区分。
func (b *indexBase) stamp() int64 {
	b.stampMu.Lock()
	defer b.stampMu.Unlock()
	ms := b.now().UnixMilli()
	if ms <= b.lastStamp {
		ms = b.lastStamp + 1
	}
	b.lastStamp = ms
	return ms
}

func (b *indexBase) Dir() string {
	return b.dir
}

func (b *indexBase) filePath(filename string) string {
	return filepath.Join(b.dir, filepath.Base(filename))
}

func (b *indexBase) entry(rawURL, filename string, size int64, validator string) *Entry {
	return &Entry{
		URL:            rawURL,
		FilePath:       b.filePath(filename),
		ExpectedLength: size,
		Validator:      validator,
	}
}

// deleteFiles 尽力删除正文文件，失败只记录日志。
func (b *indexBase) deleteFiles(filenames ...string) {
	for _, name := range filenames {
		if err := removeFile(b.filePath(name)); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"action":   "cache_delete",
				"filename": name,
			}).Warn("cache_file_delete_failed")
		}
	}
}

func (b *indexBase) logEvicted(victims []victim) {
	if len(victims) == 0 {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"action":   "cache_evict",
		"evicted":  len(victims),
		"capacity": b.capacity,
	}).Info("cache_evicted")
}

// victim 是一条待淘汰的行。
type victim struct {
	url      string
	filename string
}

func victimFiles(victims []victim) []string {
	files := make([]string, 0, len(victims))
	for _, v := range victims {
		files = append(files, v.filename)
	}
	return files
}
