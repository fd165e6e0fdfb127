package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// LoggingMiddleware logs HTTP requests. Polled endpoints log at debug level.
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		path := c.Path()
		if path == "/metrics" || path == "/health" {
			return err
		}

		status := c.Response().StatusCode()
		attrs := []any{
			"method", c.Method(),
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		}
		if room := c.Params("room"); room != "" {
			attrs = append(attrs, "room_id", room)
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Warn("http request", attrs...)
		case c.Method() == fiber.MethodGet && polled(path):
			logger.Debug("http request", attrs...)
		default:
			logger.Info("http request", attrs...)
		}

		return err
	}
}

// polled reports whether path is refreshed continuously by the operator UI
func polled(path string) bool {
	return path == "/api/loudness" ||
		strings.HasSuffix(path, "/field") ||
		strings.HasSuffix(path, ".png")
}
