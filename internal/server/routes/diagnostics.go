package routes

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-fetch/internal/fetch"
	"github.com/any-hub/any-fetch/internal/version"
)

// CacheInfo 描述 /-/cache 暴露的缓存配置。
type CacheInfo struct {
	Dir           string
	Backend       string
	Capacity      int
	EvictionSlack int
}

// RegisterDiagnosticRoutes 暴露 /-/healthz、/-/cache 与 /-/downloads 诊断接口，供运维查询缓存与下载状态。
func RegisterDiagnosticRoutes(app *fiber.App, info CacheInfo, manager *fetch.Manager) {
	if app == nil || manager == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": version.Version})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		usage, err := scanDir(info.Dir)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_dir_unreadable"})
		}
		return c.JSON(cachePayload{
			Dir:           info.Dir,
			Backend:       info.Backend,
			Capacity:      info.Capacity,
			EvictionSlack: info.EvictionSlack,
			Files:         usage.files,
			Bytes:         usage.bytes,
			Human:         humanize.Bytes(uint64(usage.bytes)),
		})
	})

	app.Get("/-/downloads", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"states": encodeStates(manager.Subscriptions())})
	})
}

type cachePayload struct {
	Dir           string `json:"dir"`
	Backend       string `json:"backend"`
	Capacity      int    `json:"capacity"`
	EvictionSlack int    `json:"eviction_slack"`
	Files         int    `json:"files"`
	Bytes         int64  `json:"bytes"`
	Human         string `json:"human_size"`
}

type statePayload struct {
	State         fetch.State `json:"state"`
	Subscriptions int         `json:"subscriptions"`
}

type dirUsage struct {
	files int
	bytes int64
}

// scanDir 统计缓存目录下的正文文件，索引数据库文件一并计入。
func scanDir(dir string) (dirUsage, error) {
	var usage dirUsage
	if dir == "" {
		return usage, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return usage, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		usage.files++
		usage.bytes += fi.Size()
	}
	return usage, nil
}

func encodeStates(subs []fetch.SubscriptionProgress) []statePayload {
	if len(subs) == 0 {
		return nil
	}
	counts := make(map[fetch.State]int)
	for _, sp := range subs {
		counts[sp.State]++
	}
	result := make([]statePayload, 0, len(counts))
	for state, n := range counts {
		result = append(result, statePayload{State: state, Subscriptions: n})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].State < result[j].State
	})
	return result
}
