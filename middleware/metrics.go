package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"reviewflow/metrics"
)

// Metrics records request counts and latencies by route pattern.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		path := c.Route().Path
		metrics.RequestCount.WithLabelValues(path, c.Method(), strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(path, c.Method()).Observe(time.Since(start).Seconds())
		return err
	}
}
