package middleware

import (
	"github.com/gofiber/fiber/v2"

	"reviewflow/logging"
	"reviewflow/store"
	"reviewflow/utils"
)

const TriggerTokenHeader = "X-Trigger-Token"

// TriggerAuth authenticates webhook callers of /hooks/:businessID against
// the business's bcrypt-hashed trigger token.
func TriggerAuth(businesses store.BusinessDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		businessID := utils.ParseUint(c.Params("businessID"))
		token := c.Get(TriggerTokenHeader)
		if businessID == 0 || token == "" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Trigger token required", nil)
		}

		business, err := businesses.Get(c.UserContext(), businessID)
		if err != nil || !utils.CheckTriggerToken(business.TriggerTokenHash, token) {
			logging.LogEvent("trigger_auth_failed", map[string]interface{}{
				"business_id": businessID,
				"ip":          c.IP(),
				"path":        c.Path(),
			})
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid trigger token", nil)
		}

		c.Locals("businessID", business.ID)
		return c.Next()
	}
}
