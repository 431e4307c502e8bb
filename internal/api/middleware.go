package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID, generated when the client sends none
const RequestIDHeader = "X-Request-ID"

// errorHandler renders every fiber error as {"error": "..."} with the request ID attached
func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		ev := logger.Warn()
		if code >= fiber.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("request_id", requestID(c)).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error":      err.Error(),
			"request_id": requestID(c),
		})
	}
}

// apiHeaders sets the response headers for a JSON-only API
func apiHeaders() fiber.Handler {
	headers := [][2]string{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	}
	return func(c *fiber.Ctx) error {
		for _, h := range headers {
			c.Set(h[0], h[1])
		}
		return c.Next()
	}
}

// requestMetrics assigns the request ID, counts the request and logs it.
// Failed requests log at warn or error; the rest at debug.
func requestMetrics(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		id := c.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Locals(RequestIDHeader, id)

		err := c.Next()
		if err != nil {
			// Let the error handler set the final status before it is recorded
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		elapsed := time.Since(start)
		status := c.Response().StatusCode()

		m := metrics.Get()
		m.IncHTTPRequests()
		m.RecordHTTPLatency(elapsed.Microseconds())
		if status >= fiber.StatusBadRequest {
			m.IncHTTPError()
		} else {
			m.IncHTTPSuccess()
		}

		var ev *zerolog.Event
		switch {
		case status >= fiber.StatusInternalServerError:
			ev = logger.Error()
		case status >= fiber.StatusBadRequest:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev.Str("request_id", id).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", elapsed).
			Int("bytes_in", len(c.Body())).
			Int("bytes_out", len(c.Response().Body())).
			Msg("HTTP request")

		return err
	}
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(RequestIDHeader).(string); ok {
		return id
	}
	return c.Get(RequestIDHeader)
}

// queryInt reads a positive integer query parameter no larger than max, falling back to def
func queryInt(c *fiber.Ctx, key string, def, max int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}
