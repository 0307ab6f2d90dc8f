package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"homeservices-realtime/internal/model"
	"homeservices-realtime/internal/presence"
)

const identityKey = "identity"

// Auth verifies the bearer token with the same verifier the realtime
// gateway uses and stores the identity in Locals.
func Auth(verifier presence.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return c.Status(401).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		id, err := verifier.Verify(c.UserContext(), tokenString)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(identityKey, id)
		return c.Next()
	}
}

// RequireRole rejects authenticated callers without the given role. Must
// run after Auth.
func RequireRole(role model.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := IdentityFrom(c)
		if !ok || id.Role != role {
			return c.Status(403).JSON(fiber.Map{"error": "forbidden"})
		}
		return c.Next()
	}
}

// IdentityFrom returns the identity stored by Auth.
func IdentityFrom(c *fiber.Ctx) (model.Identity, bool) {
	id, ok := c.Locals(identityKey).(model.Identity)
	return id, ok
}

func ServerKey(expectedKey string) fiber.Handler {
	return requireKey("X-Server-Key", expectedKey, "invalid server key")
}

func AdminKey(expectedKey string) fiber.Handler {
	return requireKey("X-Admin-Key", expectedKey, "invalid admin key")
}

func requireKey(header, expected, msg string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(header)
		if key == "" || key != expected {
			return c.Status(403).JSON(fiber.Map{"error": msg})
		}
		return c.Next()
	}
}
