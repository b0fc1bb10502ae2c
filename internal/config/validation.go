package config

import (
	"errors"
	"fmt"
)

var supportedBackends = map[string]struct{}{
	"sqlite": {},
	"bolt":   {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}

	cache := c.Cache
	if cache.Dir == "" && cache.FallbackDir == "" {
		return newFieldError("Cache.Dir", "Dir 与 FallbackDir 不能同时为空")
	}
	if cache.Capacity < 1 {
		return newFieldError("Cache.Capacity", "必须大于 0")
	}
	if cache.EvictionSlack < 1 {
		return newFieldError("Cache.EvictionSlack", "必须大于 0")
	}
	if _, ok := supportedBackends[cache.Backend]; !ok {
		return newFieldError("Cache.Backend", fmt.Sprintf("仅支持 sqlite|bolt，当前: %q", cache.Backend))
	}

	fetch := c.Fetch
	if fetch.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Fetch.ConnectTimeout", "必须大于 0")
	}
	if fetch.IdleTimeout.DurationValue() < 0 {
		return newFieldError("Fetch.IdleTimeout", "不能为负数")
	}
	if fetch.ChunkSize < 1 {
		return newFieldError("Fetch.ChunkSize", "必须大于 0")
	}

	return nil
}
