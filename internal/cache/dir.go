package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCacheInit 表示缓存目录或索引无法创建，属于致命错误。
var ErrCacheInit = errors.New("cache initialization failed")

// ResolveDir 优先使用 preferred（外部缓存目录），失败时回退到 fallback（内部缓存目录）。
// 两者都不可用时返回包裹 ErrCacheInit 的错误。
func ResolveDir(preferred, fallback string) (string, error) {
	var errs []error
	for _, candidate := range []string{preferred, fallback} {
		if candidate == "" {
			continue
		}
		dir, err := ensureDir(candidate)
		if err == nil {
			return dir, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no cache directory configured", ErrCacheInit)
	}
	return "", fmt.Errorf("%w: %w", ErrCacheInit, errors.Join(errs...))
}

func ensureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve cache dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir %s: %w", abs, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat cache dir %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("cache dir %s is not a directory", abs)
	}
	return abs, nil
}
