package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/manimcat/api/internal/auth"
	"github.com/manimcat/api/pkg/response"
)

// Authenticate resolves the bearer credential of each request and stores
// the caller identity in context locals.
func Authenticate(a *auth.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.BearerToken(c.Get("Authorization"))
		if err != nil {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}

		id, err := a.Identify(token)
		if err != nil {
			if errors.Is(err, auth.ErrNotConfigured) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

// Anonymous is used when no credential scheme is configured. Callers are
// keyed by client IP so rate limits still apply.
func Anonymous() fiber.Handler {
	return func(c *fiber.Ctx) error {
		setIdentity(c, &auth.Identity{UserID: "ip-" + c.IP(), Method: "anonymous"})
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
	c.Locals("authMethod", id.Method)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
