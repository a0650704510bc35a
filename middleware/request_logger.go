// contest-proxy-system/middleware/request_logger.go
package middleware

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestLogger tags every request with an id and logs method, path,
// status, and latency. The id is available to handlers via Locals.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := uuid.NewString()
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)

		start := time.Now()
		err := c.Next()

		log.Printf("[REQ %.8s] %s %s -> %d (%v)",
			requestID, c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start))
		return err
	}
}
