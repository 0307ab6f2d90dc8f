package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"homeservices-realtime/internal/dispatch"
	"homeservices-realtime/internal/escalation"
	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/model"
	"homeservices-realtime/internal/repository"
)

// Escalations is the escalation scheduler surface exposed over HTTP.
type Escalations interface {
	PaymentFailed(ctx context.Context, f model.PaymentFailure) (model.SendOutcome, error)
	PaymentRecovered(ctx context.Context, subjectID string) error
	SendPaymentReminder(ctx context.Context, subjectID string, r model.PaymentReminder) (model.SendOutcome, error)
	SendUpgradeSuggestion(ctx context.Context, subjectID string, u model.UsageSnapshot) (model.SendOutcome, error)
	SendEngagementReminder(ctx context.Context, subjectID string, e model.Engagement) (model.SendOutcome, error)
	Record(subjectID string) (escalation.Record, bool)
}

// SubjectWriter stores subject contact details pushed by the billing
// backend.
type SubjectWriter interface {
	UpsertSubject(ctx context.Context, s model.Subject) error
}

// TokenSigner mints realtime credentials.
type TokenSigner interface {
	Sign(id model.Identity, ttl time.Duration) (string, error)
}

const (
	defaultTokenTTL = time.Hour
	maxTokenTTL     = 24 * time.Hour
)

// ServerHandler serves the server-to-server API used by the billing and
// web backends.
type ServerHandler struct {
	escalations Escalations
	signer      TokenSigner
	subjects    SubjectWriter
}

func NewServerHandler(escalations Escalations, signer TokenSigner, subjects SubjectWriter) *ServerHandler {
	return &ServerHandler{escalations: escalations, signer: signer, subjects: subjects}
}

// PutSubject creates or refreshes the contact details notices are sent to.
// PUT /api/v1/internal/subjects/:subjectId
func (h *ServerHandler) PutSubject(c *fiber.Ctx) error {
	if h.subjects == nil {
		return c.Status(503).JSON(fiber.Map{"error": "subject store unavailable"})
	}
	var req model.Subject
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	req.ID = param(c, "subjectId")
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Email == "" {
		return c.Status(400).JSON(fiber.Map{"error": "email is required"})
	}
	if req.Phone != "" && !dispatch.ValidateRecipient(req.Phone) {
		return c.Status(400).JSON(fiber.Map{"error": "phone must be E.164"})
	}

	if err := h.subjects.UpsertSubject(c.UserContext(), req); err != nil {
		logging.Get().Error().Err(err).Str("subject", req.ID).Msg("upsert subject")
		return c.Status(500).JSON(fiber.Map{"error": "failed to save subject"})
	}
	return c.JSON(req)
}

// PaymentFailed opens or extends a subject's escalation.
// POST /api/v1/internal/payments/failed
func (h *ServerHandler) PaymentFailed(c *fiber.Ctx) error {
	var req model.PaymentFailure
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.SubjectID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "subject_id is required"})
	}

	out, err := h.escalations.PaymentFailed(c.UserContext(), req)
	if err != nil {
		return escalationError(c, err)
	}
	rec, _ := h.escalations.Record(req.SubjectID)
	return c.JSON(fiber.Map{"outcome": out, "escalation": rec})
}

// PaymentRecovered resolves a subject's escalation.
// POST /api/v1/internal/payments/recovered
func (h *ServerHandler) PaymentRecovered(c *fiber.Ctx) error {
	var req model.PaymentRecovery
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.SubjectID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "subject_id is required"})
	}
	if err := h.escalations.PaymentRecovered(c.UserContext(), req.SubjectID); err != nil {
		return escalationError(c, err)
	}
	rec, _ := h.escalations.Record(req.SubjectID)
	return c.JSON(fiber.Map{"ok": true, "escalation": rec})
}

// GetEscalation returns the escalation snapshot for a subject.
// GET /api/v1/internal/escalations/:subjectId
func (h *ServerHandler) GetEscalation(c *fiber.Ctx) error {
	rec, ok := h.escalations.Record(param(c, "subjectId"))
	if !ok {
		return c.Status(404).JSON(fiber.Map{"error": "no escalation for subject"})
	}
	return c.JSON(rec)
}

// PaymentReminder sends a one-off due-date reminder.
// POST /api/v1/internal/subjects/:subjectId/reminders/payment
func (h *ServerHandler) PaymentReminder(c *fiber.Ctx) error {
	var req model.PaymentReminder
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.DaysUntilDue < 0 {
		return c.Status(400).JSON(fiber.Map{"error": "days_until_due must not be negative"})
	}
	out, err := h.escalations.SendPaymentReminder(c.UserContext(), param(c, "subjectId"), req)
	if err != nil {
		return escalationError(c, err)
	}
	return c.JSON(out)
}

// UpgradeSuggestion suggests a larger plan when usage warrants it.
// POST /api/v1/internal/subjects/:subjectId/reminders/upgrade
func (h *ServerHandler) UpgradeSuggestion(c *fiber.Ctx) error {
	var req model.UsageSnapshot
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	out, err := h.escalations.SendUpgradeSuggestion(c.UserContext(), param(c, "subjectId"), req)
	if err != nil {
		return escalationError(c, err)
	}
	return c.JSON(out)
}

// EngagementReminder nudges an idle subject.
// POST /api/v1/internal/subjects/:subjectId/reminders/engagement
func (h *ServerHandler) EngagementReminder(c *fiber.Ctx) error {
	var req model.Engagement
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	out, err := h.escalations.SendEngagementReminder(c.UserContext(), param(c, "subjectId"), req)
	if err != nil {
		return escalationError(c, err)
	}
	return c.JSON(out)
}

type tokenRequest struct {
	Identity   string     `json:"identity"`
	Role       model.Role `json:"role"`
	TTLSeconds int        `json:"ttl_seconds"`
}

// RealtimeToken mints a credential a browser presents to the gateway.
// POST /api/v1/internal/realtime/token
func (h *ServerHandler) RealtimeToken(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Identity == "" || !req.Role.Valid() {
		return c.Status(400).JSON(fiber.Map{"error": "identity and a valid role are required"})
	}

	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}

	token, err := h.signer.Sign(model.Identity{ID: req.Identity, Role: req.Role}, ttl)
	if err != nil {
		logging.Get().Error().Err(err).Msg("sign realtime token")
		return c.Status(500).JSON(fiber.Map{"error": "failed to issue token"})
	}
	return c.JSON(fiber.Map{"token": token, "expires_in": int(ttl.Seconds())})
}

func escalationError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, escalation.ErrInvalidArgument):
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		return c.Status(404).JSON(fiber.Map{"error": "subject not found"})
	}
	logging.Get().Error().Err(err).Str("path", c.Path()).Msg("escalation request failed")
	return c.Status(500).JSON(fiber.Map{"error": "internal error"})
}
