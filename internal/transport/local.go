package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// LocalSource 直接读取本地文件，不支持续传，每次都从头读取。
type LocalSource struct{}

// NewLocalSource 创建 LocalSource。
func NewLocalSource() *LocalSource {
	return &LocalSource{}
}

func (LocalSource) Kind() Kind {
	return KindLocal
}

// Open 打开 file:// URL 或普通路径；非普通文件（管道、设备）长度未知。
func (LocalSource) Open(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := localPath(req.URL)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	total := UnknownLength
	if info, statErr := file.Stat(); statErr == nil && info.Mode().IsRegular() {
		total = info.Size()
	}
	return &Stream{Body: file, TotalLength: total}, nil
}

func localPath(rawURL string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(rawURL), "file:") {
		return rawURL, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse file url %q: %w", rawURL, err)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		return "", fmt.Errorf("file url %q: remote host %q not supported", rawURL, parsed.Host)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("file url %q: empty path", rawURL)
	}
	return parsed.Path, nil
}
