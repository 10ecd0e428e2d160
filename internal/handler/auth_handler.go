package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/manimcat/api/internal/auth"
)

// AuthHandler answers forward-auth checks from an API gateway
type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(a *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: a}
}

// Verify handles GET /auth/verify. It returns 200 with X-User-* headers
// for a valid credential and 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, err := auth.BearerToken(c.Get("Authorization"))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, err := h.authenticator.Identify(token)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	if id.Email != "" {
		c.Set("X-User-Email", id.Email)
	}
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
