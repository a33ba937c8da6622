package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

// StatusCode 将错误码映射为 HTTP 状态码。
func StatusCode(err error) int {
	switch cacheerr.CodeOf(err) {
	case cacheerr.CodeInvalidSection:
		return fiber.StatusBadRequest
	case cacheerr.CodeExpiredData:
		return fiber.StatusNotFound
	case cacheerr.CodeQuotaExceeded:
		return fiber.StatusInsufficientStorage
	case cacheerr.CodeCorruptedData, cacheerr.CodeCompressionFailed:
		return fiber.StatusUnprocessableEntity
	case cacheerr.CodeDownloadFailed:
		return fiber.StatusBadGateway
	case cacheerr.CodeTimeout:
		return fiber.StatusGatewayTimeout
	case cacheerr.CodeDurableUnavailable, cacheerr.CodeStorageUnavailable, cacheerr.CodeInitializationFailed:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// RenderError 以 {"error": code, "message": ...} 的形式输出结构化错误。
func RenderError(c fiber.Ctx, err error) error {
	payload := fiber.Map{
		"error":   string(cacheerr.CodeOf(err)),
		"message": err.Error(),
	}
	var coded *cacheerr.Error
	if errors.As(err, &coded) && coded.Section != "" {
		payload["section"] = coded.Section
	}
	if reqID := RequestID(c); reqID != "" {
		payload["request_id"] = reqID
	}
	return c.Status(StatusCode(err)).JSON(payload)
}

// RenderMessage 输出不对应错误码的客户端错误，例如缺失的 section。
func RenderMessage(c fiber.Ctx, status int, key, message string) error {
	payload := fiber.Map{"error": key, "message": message}
	if reqID := RequestID(c); reqID != "" {
		payload["request_id"] = reqID
	}
	return c.Status(status).JSON(payload)
}

func httpErrorKey(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusRequestEntityTooLarge:
		return "body_too_large"
	default:
		return "http_error"
	}
}
