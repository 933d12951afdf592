package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Identity headers are set by the gateway in front of the API, which owns
// authentication.
const (
	UserHeader = "X-User-ID"
	RoleHeader = "X-User-Role"
)

func UserID(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get(UserHeader))
}

func Role(c *fiber.Ctx) string {
	return strings.ToLower(strings.TrimSpace(c.Get(RoleHeader)))
}

// HasRole reports whether the caller carries role.
func HasRole(c *fiber.Ctx, role string) bool {
	return Role(c) == role
}

// RequireRole rejects callers without role with 403.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !HasRole(c, role) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": role + " role required",
			})
		}
		return c.Next()
	}
}
