package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-fetch/internal/fetch"
)

// errorPayload 是下载失败时返回给客户端的结构。
type errorPayload struct {
	Kind      fetch.Kind `json:"kind"`
	Message   string     `json:"message,omitempty"`
	Remaining int64      `json:"remaining,omitempty"`
}

// statusForKind 将下载错误分类映射为 HTTP 状态码。
func statusForKind(kind fetch.Kind) int {
	switch kind {
	case fetch.KindSizeWarning:
		return fiber.StatusRequestEntityTooLarge
	case fetch.KindHostUnresolved, fetch.KindSocket, fetch.KindUnverified, fetch.KindHTTPResponse:
		return fiber.StatusBadGateway
	case fetch.KindTimeout:
		return fiber.StatusGatewayTimeout
	case fetch.KindCancelled:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func encodeError(err error) *errorPayload {
	if err == nil {
		return nil
	}
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		return &errorPayload{Kind: fetch.KindOf(err), Message: err.Error()}
	}
	return &errorPayload{Kind: fe.Kind, Message: fe.Message, Remaining: fe.Remaining}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func writeFetchError(c fiber.Ctx, err error) error {
	payload := encodeError(err)
	return c.Status(statusForKind(payload.Kind)).JSON(fiber.Map{
		"error":  string(payload.Kind),
		"detail": payload,
	})
}

// writeManagerError 处理订阅相关的哨兵错误。
func writeManagerError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, fetch.ErrUnknownSubscription):
		return writeError(c, fiber.StatusNotFound, "subscription_not_found")
	case errors.Is(err, fetch.ErrNotPaused):
		return writeError(c, fiber.StatusConflict, "not_paused")
	case errors.Is(err, fetch.ErrManagerClosed):
		return writeError(c, fiber.StatusServiceUnavailable, "shutting_down")
	default:
		return writeFetchError(c, err)
	}
}
