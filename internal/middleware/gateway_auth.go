package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/manimcat/api/internal/auth"
	"github.com/manimcat/api/pkg/response"
)

// GatewayAuth trusts the X-User-* headers an API gateway sets after its
// own forward-auth call to /auth/verify.
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
			Method: "gateway",
		})
		return c.Next()
	}
}
