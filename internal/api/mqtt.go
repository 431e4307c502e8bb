package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/lpdecode/internal/mqtt"
)

// MQTTHandler handles MQTT subscription, stats and health endpoints
type MQTTHandler struct {
	manager mqtt.Manager
	logger  zerolog.Logger
}

// NewMQTTHandler creates a new MQTT handler
func NewMQTTHandler(manager mqtt.Manager, logger zerolog.Logger) *MQTTHandler {
	return &MQTTHandler{
		manager: manager,
		logger:  logger,
	}
}

// RegisterRoutes registers the MQTT API routes
func (h *MQTTHandler) RegisterRoutes(app *fiber.App) {
	mqttGroup := app.Group("/api/v1/mqtt")

	mqttGroup.Get("/subscriptions", h.handleList)
	mqttGroup.Get("/subscriptions/:name/stats", h.handleSubscriptionStats)
	mqttGroup.Post("/subscriptions/:name/start", h.handleStart)
	mqttGroup.Post("/subscriptions/:name/stop", h.handleStop)

	mqttGroup.Get("/stats", h.handleStats)
	mqttGroup.Get("/health", h.handleHealth)
}

// handleList returns the configured subscriptions
func (h *MQTTHandler) handleList(c *fiber.Ctx) error {
	subs, err := h.manager.List(c.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list subscriptions")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to list subscriptions",
		})
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// handleSubscriptionStats returns statistics for one subscription
func (h *MQTTHandler) handleSubscriptionStats(c *fiber.Ctx) error {
	name := c.Params("name")

	stats, err := h.manager.GetStats(c.Context(), name)
	if err != nil {
		return h.lifecycleError(c, name, err, "Failed to get subscription stats")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"stats":   stats,
	})
}

// handleStart starts a stopped or errored subscription
func (h *MQTTHandler) handleStart(c *fiber.Ctx) error {
	name := c.Params("name")

	if err := h.manager.StartSubscription(c.Context(), name); err != nil {
		return h.lifecycleError(c, name, err, "Failed to start subscription")
	}

	h.logger.Info().Str("name", name).Msg("Started MQTT subscription")

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Subscription started",
	})
}

// handleStop stops a running subscription
func (h *MQTTHandler) handleStop(c *fiber.Ctx) error {
	name := c.Params("name")

	if err := h.manager.StopSubscription(c.Context(), name); err != nil {
		return h.lifecycleError(c, name, err, "Failed to stop subscription")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Subscription stopped",
	})
}

func (h *MQTTHandler) lifecycleError(c *fiber.Ctx, name string, err error, msg string) error {
	switch {
	case errors.Is(err, mqtt.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	case errors.Is(err, mqtt.ErrAlreadyRunning), errors.Is(err, mqtt.ErrNotRunning):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	h.logger.Error().Err(err).Str("name", name).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   msg + ": " + err.Error(),
	})
}

// handleStats returns statistics for all MQTT subscriptions
func (h *MQTTHandler) handleStats(c *fiber.Ctx) error {
	stats, err := h.manager.GetAllStats(c.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get MQTT stats")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to get MQTT stats",
		})
	}

	var totalMessages, totalFailed, totalBytes, totalRecords int64
	var runningCount, stoppedCount, errorCount int

	for _, s := range stats {
		totalMessages += s.MessagesReceived
		totalFailed += s.MessagesFailed
		totalBytes += s.BytesReceived
		totalRecords += s.RecordsDecoded

		switch mqtt.SubscriptionStatus(s.Status) {
		case mqtt.StatusRunning:
			runningCount++
		case mqtt.StatusStopped:
			stoppedCount++
		case mqtt.StatusError:
			errorCount++
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"stats": fiber.Map{
			"subscriptions": stats,
			"summary": fiber.Map{
				"total_subscriptions": len(stats),
				"running":             runningCount,
				"stopped":             stoppedCount,
				"error":               errorCount,
				"total_messages":      totalMessages,
				"total_failed":        totalFailed,
				"total_bytes":         totalBytes,
				"total_records":       totalRecords,
			},
		},
	})
}

// handleHealth returns MQTT subsystem health status
func (h *MQTTHandler) handleHealth(c *fiber.Ctx) error {
	stats, err := h.manager.GetAllStats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unhealthy",
			"error":   "Failed to get MQTT stats",
			"healthy": false,
		})
	}

	var running, stopped, errs int
	for _, s := range stats {
		switch mqtt.SubscriptionStatus(s.Status) {
		case mqtt.StatusRunning:
			running++
		case mqtt.StatusStopped:
			stopped++
		case mqtt.StatusError:
			errs++
		}
	}

	status := "healthy"
	if errs > 0 {
		status = "degraded"
	}
	if running == 0 && len(stats) > 0 {
		status = "unhealthy"
	}

	return c.JSON(fiber.Map{
		"status":  status,
		"healthy": status == "healthy",
		"subscriptions": fiber.Map{
			"total":   len(stats),
			"running": running,
			"stopped": stopped,
			"errors":  errs,
		},
	})
}
