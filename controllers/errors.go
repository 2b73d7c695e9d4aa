package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"reviewflow/apperrors"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/utils"
)

// respondError maps domain errors onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var ve *apperrors.ValidationError
	var fe *fiber.Error
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"error":   "Validation failed",
			"details": ve.Error(),
			"issues":  ve.Issues,
		})
	case apperrors.IsNotFound(err):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case apperrors.IsConflict(err):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Conflict", err)
	case errors.As(err, &fe):
		return utils.ErrorResponse(c, fe.Code, fe.Message, nil)
	}

	logging.LogError("request_failed", err, map[string]interface{}{
		"method":      c.Method(),
		"path":        c.Path(),
		"business_id": middleware.BusinessID(c),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

// parseBody decodes and validates a JSON body. When ok is false the error
// response has already been written and err is what the handler returns.
func parseBody(c *fiber.Ctx, out interface{}) (ok bool, err error) {
	if err := c.BodyParser(out); err != nil {
		return false, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(out); err != nil {
		return false, respondError(c, err)
	}
	return true, nil
}

func pagination(c *fiber.Ctx) (page, pageSize int) {
	return c.QueryInt("page", 1), c.QueryInt("page_size", 50)
}
