package httpapi

import (
	"strings"

	"tulip/internal/auth"
	. "tulip/internal/common"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

const callerKey = "caller"

// JWTMiddleware authenticates the caller from a Bearer token signed with
// secret. The token subject is the caller identity.
func JWTMiddleware(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			return reject(c, fiber.StatusUnauthorized, "bearer token required")
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		caller, err := auth.Verify(secret, tokenStr)
		if err != nil {
			log.Debug().Err(err).Msg("rejected token")
			return reject(c, fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(callerKey, caller)
		return c.Next()
	}
}

// Caller returns the identity authenticated by JWTMiddleware.
func Caller(c *fiber.Ctx) Identity {
	id, _ := c.Locals(callerKey).(Identity)
	return id
}
