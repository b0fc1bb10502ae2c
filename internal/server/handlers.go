package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/fetch"
	"github.com/any-hub/any-fetch/internal/logging"
)

// maxWait 限制 GET /downloads/:id?wait= 的最长阻塞时间。
const maxWait = 60 * time.Second

type handlers struct {
	manager     *fetch.Manager
	logger      *logrus.Logger
	sizeWarning int64
	port        int
}

type startRequest struct {
	Subscription string `json:"subscription"`
	URL          string `json:"url"`
	SizeLimit    *int64 `json:"size_limit"`
}

// downloadPayload 是订阅进度的响应结构。
type downloadPayload struct {
	Subscription string `json:"subscription"`
	fetch.Progress
	Running bool          `json:"running"`
	Valid   bool          `json:"valid"`
	Error   *errorPayload `json:"error,omitempty"`
}

func newDownloadPayload(sub string, p fetch.Progress) downloadPayload {
	out := downloadPayload{
		Subscription: sub,
		Progress:     p,
		Running:      p.Running(),
		Valid:        p.Valid(),
	}
	switch {
	case p.Err != nil:
		out.Error = encodeError(p.Err)
	case p.TooLarge:
		out.Error = &errorPayload{Kind: fetch.KindSizeWarning, Message: p.TooLargeMessage}
	}
	return out
}

func (h *handlers) listDownloads(c fiber.Ctx) error {
	subs := h.manager.Subscriptions()
	out := make([]downloadPayload, 0, len(subs))
	for _, sp := range subs {
		out = append(out, newDownloadPayload(sp.Subscription, sp.Progress))
	}
	return c.JSON(fiber.Map{"downloads": out})
}

func (h *handlers) startDownload(c fiber.Ctx) error {
	var req startRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}
	sub := strings.TrimSpace(req.Subscription)
	if sub == "" {
		sub = uuid.NewString()
	}
	limit := h.sizeWarning
	if req.SizeLimit != nil {
		limit = *req.SizeLimit
	}

	d, started, err := h.manager.Start(sub, req.URL, limit)
	if err != nil {
		return writeManagerError(c, err)
	}
	h.logAction(c, "download_start", sub, d)
	status := fiber.StatusOK
	if started {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(newDownloadPayload(sub, d.Progress()))
}

func (h *handlers) getDownload(c fiber.Ctx) error {
	sub := c.Params("id")
	d, ok := h.manager.Get(sub)
	if !ok {
		return writeError(c, fiber.StatusNotFound, "subscription_not_found")
	}
	if raw := c.Query("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			return writeError(c, fiber.StatusBadRequest, "invalid_wait")
		}
		if wait > maxWait {
			wait = maxWait
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-d.Done():
		case <-timer.C:
		}
	}
	return c.JSON(newDownloadPayload(sub, d.Progress()))
}

func (h *handlers) cancelDownload(c fiber.Ctx) error {
	sub := c.Params("id")
	discard, _ := strconv.ParseBool(c.Query("discard"))
	progress, err := h.manager.Cancel(requestContext(c), sub, discard)
	if err != nil {
		return writeManagerError(c, err)
	}
	h.logger.WithFields(logrus.Fields{
		"action":       "download_cancel",
		"subscription": sub,
		"url":          progress.URL,
		"discard":      discard,
		"request_id":   RequestID(c),
	}).Info("download_cancel")
	return c.JSON(newDownloadPayload(sub, progress))
}

func (h *handlers) confirmDownload(c fiber.Ctx) error {
	sub := c.Params("id")
	d, err := h.manager.Confirm(sub)
	if err != nil {
		return writeManagerError(c, err)
	}
	h.logAction(c, "download_confirm", sub, d)
	return c.Status(fiber.StatusAccepted).JSON(newDownloadPayload(sub, d.Progress()))
}

func (h *handlers) refreshDownload(c fiber.Ctx) error {
	sub := c.Params("id")
	d, err := h.manager.Refresh(sub)
	if err != nil {
		return writeManagerError(c, err)
	}
	h.logAction(c, "download_refresh", sub, d)
	return c.Status(fiber.StatusAccepted).JSON(newDownloadPayload(sub, d.Progress()))
}

// serveFile 阻塞直到 url 下载完成（或命中缓存），然后把文件作为响应体返回。
func (h *handlers) serveFile(c fiber.Ctx) error {
	started := time.Now()
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}
	limit := h.sizeWarning
	if raw := c.Query("size_limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_size_limit")
		}
		limit = parsed
	}

	result, err := h.manager.Fetch(requestContext(c), rawURL, limit)
	if err != nil {
		h.logResult(c, rawURL, false, statusForKind(fetch.KindOf(err)), started, err)
		if errors.Is(err, fetch.ErrManagerClosed) {
			return writeManagerError(c, err)
		}
		return writeFetchError(c, err)
	}

	file, err := os.Open(result.FilePath)
	if err != nil {
		h.logResult(c, rawURL, result.CacheHit, fiber.StatusInternalServerError, started, err)
		return writeError(c, fiber.StatusInternalServerError, "file_unavailable")
	}
	defer file.Close()

	if contentType := mime.TypeByExtension(filepath.Ext(result.FilePath)); contentType != "" {
		c.Set("Content-Type", contentType)
	} else {
		c.Set("Content-Type", "application/octet-stream")
	}
	c.Response().Header.SetContentLength(int(result.Length))
	c.Set("X-Any-Fetch-Cache-Hit", strconv.FormatBool(result.CacheHit))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		h.logResult(c, rawURL, result.CacheHit, fiber.StatusOK, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), file)
	h.logResult(c, rawURL, result.CacheHit, fiber.StatusOK, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *handlers) invalidateFile(c fiber.Ctx) error {
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}
	if err := h.manager.Invalidate(requestContext(c), rawURL); err != nil {
		return writeManagerError(c, err)
	}
	h.logger.WithFields(logrus.Fields{
		"action":     "file_invalidate",
		"url":        rawURL,
		"request_id": RequestID(c),
	}).Info("file_invalidate")
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) logAction(c fiber.Ctx, action, sub string, d *fetch.Download) {
	h.logger.WithFields(logrus.Fields{
		"action":       action,
		"subscription": sub,
		"download_id":  d.ID(),
		"url":          d.URL(),
		"size_limit":   d.SizeLimit(),
		"request_id":   RequestID(c),
	}).Info(action)
}

func (h *handlers) logResult(c fiber.Ctx, rawURL string, cacheHit bool, status int, started time.Time, err error) {
	fields := logging.FetchFields(rawURL, sourceLabel(rawURL), cacheHit)
	fields["action"] = "file_serve"
	fields["status"] = status
	fields["port"] = h.port
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if reqID := RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("file_serve_failed")
		return
	}
	h.logger.WithFields(fields).Info("file_serve_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// sourceLabel 粗略区分远程与本地 url，仅用于日志。
func sourceLabel(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Scheme == "file" {
		return "local"
	}
	return parsed.Scheme
}
