package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"homeservices-realtime/internal/gateway"
)

// RealtimeHealth is satisfied by the connection gateway.
type RealtimeHealth interface {
	Health() gateway.Health
}

// Check is one dependency probed by /ready.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthHandler struct {
	realtime RealtimeHealth
	checks   []Check
}

func NewHealthHandler(realtime RealtimeHealth, checks ...Check) *HealthHandler {
	return &HealthHandler{realtime: realtime, checks: checks}
}

// Health reports liveness. A degraded realtime transport is reported but
// is not a failure: the HTTP surface keeps working without it.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	rt := h.realtime.Health()
	status := 200
	if rt.Status == gateway.StatusUnhealthy {
		status = 503
	}
	return c.Status(status).JSON(fiber.Map{
		"status":   "ok",
		"realtime": rt,
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	failed := fiber.Map{}
	for _, chk := range h.checks {
		if err := chk.Ping(ctx); err != nil {
			failed[chk.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.Status(503).JSON(fiber.Map{"status": "not ready", "errors": failed})
	}
	return c.JSON(fiber.Map{"status": "ready", "realtime": h.realtime.Health().Mode})
}
