package cache

import (
	"net/url"
	"path"
	"strconv"
	"strings"
)

// Extension 从 URL 最后一个路径段提取扩展名：统一小写，jpg 归一为 jpeg；
// 没有 "." 或扩展名含非字母数字字符时返回空串。
func Extension(rawURL string) string {
	name := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		name = parsed.Path
	} else if idx := strings.IndexAny(name, "?#"); idx >= 0 {
		name = name[:idx]
	}
	name = path.Base(name)

	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	ext := strings.ToLower(name[idx+1:])
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	if ext == "jpg" {
		return "jpeg"
	}
	return ext
}

// FileName 生成 `<创建毫秒时间戳>.<扩展名>` 形式的文件名，没有扩展名时只保留时间戳。
func FileName(stampMillis int64, rawURL string) string {
	name := strconv.FormatInt(stampMillis, 10)
	if ext := Extension(rawURL); ext != "" {
		name += "." + ext
	}
	return name
}
