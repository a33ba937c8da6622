package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/version"
)

// HealthFunc 为 /-/health 提供额外的诊断字段，例如存储后端信息。
type HealthFunc func() fiber.Map

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Health     HealthFunc
	ListenPort int
}

const contextKeyRequestID = "_catalog_request_id"

// NewApp builds a Fiber application with request-id middleware, access logs,
// panic recovery and the JSON error envelope. API routes are registered by
// the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	// 路由参数会被保存进队列、同步状态与统计记录，必须脱离 fasthttp 复用的缓冲区
	app := fiber.New(fiber.Config{
		Immutable:     true,
		CaseSensitive: true,
		BodyLimit:     256 * 1024 * 1024,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.Get("/-/health", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		}
		if opts.Health != nil {
			for k, v := range opts.Health() {
				payload[k] = v
			}
		}
		return c.JSON(payload)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()
		if err != nil {
			// 交给 ErrorHandler 渲染，这里只负责日志
			if handlerErr := c.App().Config().ErrorHandler(c, err); handlerErr != nil {
				return handlerErr
			}
		}

		fields := logrus.Fields{
			"action":      "http",
			"request_id":  reqID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"elapsed_ms":  time.Since(started).Milliseconds(),
			"listen_port": opts.ListenPort,
		}
		if isDiagnosticsPath(c.Path()) {
			opts.Logger.WithFields(fields).Debug("request served")
		} else {
			opts.Logger.WithFields(fields).Info("request served")
		}
		return nil
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error":   httpErrorKey(fe.Code),
				"message": fe.Message,
			})
		}
		logger.WithFields(logrus.Fields{
			"action":     "http_error",
			"request_id": RequestID(c),
		}).WithError(err).Error("unhandled handler error")
		return RenderError(c, err)
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
