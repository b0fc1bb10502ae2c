package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 content 写入临时目录下的 config.toml，相对路径以该目录为基准。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func mustLoad(t *testing.T, path string) *Config {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	return cfg
}

func expectFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != field {
		t.Fatalf("expected field error on %s, got %v", field, err)
	}
}

// validConfig 返回一份通过校验的配置，用例在其基础上修改单个字段。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort: 5000,
			LogLevel:   "info",
		},
		Cache: CacheConfig{
			Dir:           "./cache",
			FallbackDir:   "./fallback",
			Capacity:      100,
			EvictionSlack: 100,
			Backend:       "sqlite",
		},
		Fetch: FetchConfig{
			ConnectTimeout: Duration(15 * time.Second),
			SizeWarning:    -1,
			ChunkSize:      4096,
		},
	}
}
