package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// ServiceTokenMiddleware admits requests carrying the operator token as a
// Bearer credential or a raw Authorization value. An empty token admits
// nobody.
func ServiceTokenMiddleware(token string, log zerolog.Logger) fiber.Handler {
	log = log.With().Str("component", "auth").Logger()
	expected := []byte(token)

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			log.Warn().Str("path", c.Path()).Msg("missing authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "service token missing",
			})
		}

		got := strings.TrimPrefix(header, "Bearer ")
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			log.Warn().Str("path", c.Path()).Msg("invalid service token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid service token",
			})
		}
		return c.Next()
	}
}
