package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"reviewflow/utils"
)

// Protected verifies the dashboard JWT and stores the business it acts for
// in Locals("businessID").
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = tokenParts[1]
		} else {
			// websocket clients cannot set headers
			token = c.Query("access_token", c.Cookies("access_token"))
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseJWTToken(token, secret)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		c.Locals("businessID", claims.BusinessID)
		return c.Next()
	}
}

// BusinessID returns the business set by Protected or TriggerAuth.
func BusinessID(c *fiber.Ctx) uint {
	id, _ := c.Locals("businessID").(uint)
	return id
}
