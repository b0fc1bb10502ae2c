package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultCapacity       = 100
	defaultEvictionSlack  = 100
	defaultBackend        = "sqlite"
	defaultConnectTimeout = 15 * time.Second
	defaultChunkSize      = 32 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	applyFetchDefaults(&cfg.Fetch)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutize(&cfg.Cache); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Cache.Capacity", defaultCapacity)
	v.SetDefault("Cache.EvictionSlack", defaultEvictionSlack)
	v.SetDefault("Cache.Backend", defaultBackend)
	v.SetDefault("Fetch.ConnectTimeout", "15s")
	v.SetDefault("Fetch.IdleTimeout", "0s")
	v.SetDefault("Fetch.SizeWarning", -1)
	v.SetDefault("Fetch.ChunkSize", defaultChunkSize)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Dir = strings.TrimSpace(c.Dir)
	c.FallbackDir = strings.TrimSpace(c.FallbackDir)
	if c.FallbackDir == "" {
		c.FallbackDir = DefaultFallbackDir()
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = defaultBackend
	}
}

func applyFetchDefaults(f *FetchConfig) {
	if f.ConnectTimeout.DurationValue() == 0 {
		f.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if f.ChunkSize == 0 {
		f.ChunkSize = defaultChunkSize
	}
}

// DefaultFallbackDir 返回用户缓存目录下的 any-fetch 子目录，获取失败时使用系统临时目录。
func DefaultFallbackDir() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "any-fetch")
}

func absolutize(c *CacheConfig) error {
	if c.Dir != "" {
		abs, err := filepath.Abs(c.Dir)
		if err != nil {
			return fmt.Errorf("无法解析缓存目录: %w", err)
		}
		c.Dir = abs
	}
	abs, err := filepath.Abs(c.FallbackDir)
	if err != nil {
		return fmt.Errorf("无法解析备用缓存目录: %w", err)
	}
	c.FallbackDir = abs
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
