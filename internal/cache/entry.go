package cache

import (
	"errors"
	"io/fs"
	"os"
)

// UnknownLength 表示远端内容长度未知（数据库中对应 NULL）。
const UnknownLength int64 = -1

// Entry 描述单个缓存资源的元数据与磁盘位置，一个 Entry 始终对应一个
// 可能缺失、为空、部分或完整的正文文件。
type Entry struct {
	URL            string `json:"url"`
	FilePath       string `json:"file_path"`
	ExpectedLength int64  `json:"expected_length"`
	Validator      string `json:"validator,omitempty"`

	// ResumeAccepted 只在本次会话内有效：服务端返回 206 且校验值一致时才置为 true，不落库。
	ResumeAccepted bool `json:"-"`
}

// FileSize 返回正文文件当前大小，文件不存在或不可读时视为 0。
func (e *Entry) FileSize() int64 {
	info, err := os.Stat(e.FilePath)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// IsComplete 判断给定的文件大小是否已覆盖期望长度，可直接作为缓存命中返回。
// 长度为 NULL 的行只来自被中断的未知长度下载（完成时总会写回实际长度），不视为完整。
func (e *Entry) IsComplete(size int64) bool {
	return size > 0 && e.ExpectedLength >= 0 && size >= e.ExpectedLength
}

// IsPartial 判断文件是否只下载了一部分，可以尝试断点续传。
func (e *Entry) IsPartial(size int64) bool {
	return size > 0 && size < e.ExpectedLength
}

// removeFile 尽力删除正文文件；文件不存在不算错误。
func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
