package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/diaglink/proxy/internal/config"
)

// AdminAuth guards the admin API with the configured key. Open when no key
// is configured.
func AdminAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := cfg.Auth.AdminAPIKey
		if apiKey == "" {
			return c.Next()
		}
		if !TokenMatches(apiKey, c.Get("X-Admin-Token"), c.Get("Authorization")) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}
		return c.Next()
	}
}

// TokenMatches checks a token sent either in its own header or as a bearer
// Authorization header.
func TokenMatches(want, header, authorization string) bool {
	got := header
	if got == "" {
		const prefix = "Bearer "
		if strings.HasPrefix(authorization, prefix) {
			got = authorization[len(prefix):]
		}
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
