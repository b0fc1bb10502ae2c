package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/fetch"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger  *logrus.Logger
	Manager *fetch.Manager
	// SizeWarning 是请求未携带 size_limit 时使用的体积阈值，负数表示关闭。
	SizeWarning int64
	ListenPort  int
}

const contextKeyRequestID = "_anyfetch_request_id"

// NewApp builds a Fiber application with request ID middleware, panic
// recovery and the download/file routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("download manager is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &handlers{
		manager:     opts.Manager,
		logger:      opts.Logger,
		sizeWarning: opts.SizeWarning,
		port:        opts.ListenPort,
	}

	app.Get("/downloads", h.listDownloads)
	app.Post("/downloads", h.startDownload)
	app.Get("/downloads/:id", h.getDownload)
	app.Delete("/downloads/:id", h.cancelDownload)
	app.Post("/downloads/:id/confirm", h.confirmDownload)
	app.Post("/downloads/:id/refresh", h.refreshDownload)

	app.Get("/files", h.serveFile)
	app.Head("/files", h.serveFile)
	app.Delete("/files", h.invalidateFile)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
