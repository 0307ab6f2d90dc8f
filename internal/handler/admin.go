package handler

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/model"
)

// PresenceDirectory lists identities mirrored as online, across instances.
type PresenceDirectory interface {
	OnlineIDs(ctx context.Context, role model.Role) ([]string, error)
}

// NotificationHistory reads the notification audit log.
type NotificationHistory interface {
	ListForSubject(ctx context.Context, subjectID string, limit int) ([]model.NotificationLog, error)
}

type AdminHandler struct {
	relay         Relay
	realtime      RealtimeHealth
	directory     PresenceDirectory
	notifications NotificationHistory
}

func NewAdminHandler(relay Relay, realtime RealtimeHealth, directory PresenceDirectory, notifications NotificationHistory) *AdminHandler {
	return &AdminHandler{relay: relay, realtime: realtime, directory: directory, notifications: notifications}
}

// Stats returns the dashboard counters plus transport health.
// GET /api/v1/admin/stats
func (h *AdminHandler) Stats(c *fiber.Ctx) error {
	resp := fiber.Map{
		"dashboard": h.relay.Dashboard(),
		"realtime":  h.realtime.Health(),
	}
	if h.directory != nil {
		staff, err := h.directory.OnlineIDs(c.UserContext(), model.RoleStaff)
		if err != nil {
			logging.Get().Warn().Err(err).Msg("read presence directory")
		} else {
			resp["staff_online"] = staff
		}
	}
	return c.JSON(resp)
}

type announceRequest struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Announce pushes a system alert to staff dashboards.
// POST /api/v1/admin/announce
func (h *AdminHandler) Announce(c *fiber.Ctx) error {
	var req announceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Message == "" {
		return c.Status(400).JSON(fiber.Map{"error": "message is required"})
	}
	if req.Level == "" {
		req.Level = "info"
	}
	if req.Title == "" {
		req.Title = "Announcement"
	}

	err := h.relay.SystemAlert(c.UserContext(), model.SystemAlert{Level: req.Level, Title: req.Title, Message: req.Message})
	if err != nil {
		logging.Get().Warn().Err(err).Msg("announce delivered partially")
		return c.Status(502).JSON(fiber.Map{"ok": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true, "online": h.relay.Dashboard().Staff})
}

// Notifications lists the audit log for a subject.
// GET /api/v1/admin/subjects/:subjectId/notifications?limit=100
func (h *AdminHandler) Notifications(c *fiber.Ctx) error {
	if h.notifications == nil {
		return c.Status(503).JSON(fiber.Map{"error": "notification log unavailable"})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	entries, err := h.notifications.ListForSubject(c.UserContext(), param(c, "subjectId"), limit)
	if err != nil {
		logging.Get().Error().Err(err).Msg("list notifications")
		return c.Status(500).JSON(fiber.Map{"error": "failed to load notifications"})
	}
	if entries == nil {
		entries = []model.NotificationLog{}
	}
	return c.JSON(entries)
}
