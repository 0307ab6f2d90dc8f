package handler

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"

	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/model"
)

// Relay is the message router surface used over HTTP.
type Relay interface {
	RelayChatMessage(ctx context.Context, roomID string, msg model.ChatMessage) error
	NotifyUrgent(ctx context.Context, roomID string, payload model.UrgentPayload) ([]model.Result, error)
	SystemAlert(ctx context.Context, alert model.SystemAlert) error
	Dashboard() model.DashboardUpdate
}

// TranscriptReader returns archived room messages, oldest first.
type TranscriptReader interface {
	History(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error)
}

const (
	maxMessageLength = 4000
	maxHistoryLimit  = 500
)

type ChatHandler struct {
	relay      Relay
	transcript TranscriptReader
}

func NewChatHandler(relay Relay, transcript TranscriptReader) *ChatHandler {
	return &ChatHandler{relay: relay, transcript: transcript}
}

type postMessageRequest struct {
	SenderID   string     `json:"sender_id"`
	SenderRole model.Role `json:"sender_role"`
	Message    string     `json:"message"`
	Priority   string     `json:"priority"`
}

// PostMessage relays a message produced outside the realtime connection,
// e.g. an automated notice from the booking system. While the gateway is in
// fallback mode this succeeds without delivering anything.
// POST /api/v1/internal/rooms/:roomId/messages
func (h *ChatHandler) PostMessage(c *fiber.Ctx) error {
	var req postMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	body := strings.TrimSpace(req.Message)
	if req.SenderID == "" || body == "" {
		return c.Status(400).JSON(fiber.Map{"error": "sender_id and message are required"})
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return c.Status(400).JSON(fiber.Map{"error": "message too long"})
	}
	if req.SenderRole == "" {
		req.SenderRole = model.RoleStaff
	}

	roomID := param(c, "roomId")
	msg := model.ChatMessage{
		RoomID:     roomID,
		Message:    body,
		SenderID:   req.SenderID,
		SenderRole: req.SenderRole,
		Priority:   req.Priority,
	}
	if err := h.relay.RelayChatMessage(c.UserContext(), roomID, msg); err != nil {
		logging.Get().Error().Err(err).Str("room", roomID).Msg("http relay failed")
		return c.Status(500).JSON(fiber.Map{"error": "failed to relay message"})
	}

	resp := fiber.Map{"ok": true, "realtime": h.relay.Dashboard().RealtimeMode}
	if req.Priority == model.PriorityHigh {
		results, err := h.relay.NotifyUrgent(c.UserContext(), roomID, model.UrgentPayload{Message: body, From: req.SenderID})
		if err != nil {
			logging.Get().Warn().Err(err).Str("room", roomID).Msg("urgent notify failed")
		}
		resp["pages"] = results
	}
	return c.Status(202).JSON(resp)
}

// History returns archived messages for a room.
// GET /api/v1/rooms/:roomId/history?limit=50
func (h *ChatHandler) History(c *fiber.Ctx) error {
	if h.transcript == nil {
		return c.Status(503).JSON(fiber.Map{"error": "transcripts unavailable"})
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	roomID := param(c, "roomId")
	msgs, err := h.transcript.History(c.UserContext(), roomID, limit)
	if err != nil {
		logging.Get().Error().Err(err).Str("room", roomID).Msg("load history")
		return c.Status(500).JSON(fiber.Map{"error": "failed to load history"})
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	return c.JSON(fiber.Map{"room_id": roomID, "messages": msgs})
}
