package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homeservices-realtime/internal/middleware"
	"homeservices-realtime/internal/model"
	"homeservices-realtime/internal/presence"
)

// Routes wires the HTTP handlers onto an app.
type Routes struct {
	Health    *HealthHandler
	Server    *ServerHandler
	Chat      *ChatHandler
	Admin     *AdminHandler
	Verifier  presence.Verifier
	ServerKey string
	AdminKey  string
}

func (r Routes) Mount(app *fiber.App) {
	app.Get("/health", r.Health.Health)
	app.Get("/ready", r.Health.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	// Server-to-server
	internal := v1.Group("/internal", middleware.ServerKey(r.ServerKey))
	internal.Post("/payments/failed", r.Server.PaymentFailed)
	internal.Post("/payments/recovered", r.Server.PaymentRecovered)
	internal.Get("/escalations/:subjectId", r.Server.GetEscalation)
	internal.Put("/subjects/:subjectId", r.Server.PutSubject)
	internal.Post("/subjects/:subjectId/reminders/payment", r.Server.PaymentReminder)
	internal.Post("/subjects/:subjectId/reminders/upgrade", r.Server.UpgradeSuggestion)
	internal.Post("/subjects/:subjectId/reminders/engagement", r.Server.EngagementReminder)
	internal.Post("/realtime/token", r.Server.RealtimeToken)
	internal.Post("/rooms/:roomId/messages", r.Chat.PostMessage)

	// Admin
	admin := v1.Group("/admin", middleware.AdminKey(r.AdminKey))
	admin.Get("/stats", r.Admin.Stats)
	admin.Post("/announce", middleware.RateLimit(10, time.Minute), r.Admin.Announce)
	admin.Get("/subjects/:subjectId/notifications", r.Admin.Notifications)

	// Staff, bearer token
	rooms := v1.Group("/rooms", middleware.Auth(r.Verifier), middleware.RequireRole(model.RoleStaff))
	rooms.Get("/:roomId/history", r.Chat.History)
}

// param copies a route parameter out of the request buffer, which fiber
// reuses once the handler returns.
func param(c *fiber.Ctx, key string) string {
	return utils.CopyString(c.Params(key))
}
