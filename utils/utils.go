package utils

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseUint safely parses a string to uint
func ParseUint(s string) uint {
	i, _ := strconv.ParseUint(s, 10, 32)
	return uint(i)
}

// ParamID reads a positive numeric route parameter.
func ParamID(c *fiber.Ctx, name string) (uint, error) {
	id := ParseUint(c.Params(name))
	if id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, name+" must be a positive integer")
	}
	return id, nil
}

// ParamIndex reads a zero-based step index route parameter.
func ParamIndex(c *fiber.Ctx, name string) (int, error) {
	i, err := strconv.Atoi(c.Params(name))
	if err != nil || i < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, name+" must be a non-negative integer")
	}
	return i, nil
}

// QueryTime parses an optional RFC 3339 query parameter.
func QueryTime(c *fiber.Ctx, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, name+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// PaginatedResponse structure for paginated results
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}
