// contest-proxy-system/middleware/auth.go
package middleware

import (
	"errors"
	"log"

	"contest-proxy-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
)

// MasterSIDKey is where the proxy session keeps the backend master SID.
const MasterSIDKey = "ej_master_sid"

// RequireUser resolves the proxy session to a live backend master session.
// Without one it renders the login page (carrying the original URL as the
// return target) instead of the requested view; with one it stashes the
// User in Locals for the handlers.
func RequireUser(manager *services.SessionManager, sessions *session.Store, renderLogin func(c *fiber.Ctx, returnURI string) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := sessions.Get(c)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session storage failed"})
		}

		masterSID, _ := sess.Get(MasterSIDKey).(string)
		origin := services.Origin{RemoteAddr: c.IP(), Host: c.Hostname()}

		user, err := manager.ResolveUser(c.Context(), origin, masterSID, c.Cookies("EJSID"))
		if err != nil {
			if errors.Is(err, services.ErrBackendUnavailable) {
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "backend unavailable"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session resolution failed"})
		}
		if user == nil {
			log.Printf("🔒 [AUTH] no live master session for %s, prompting login", c.Path())
			return renderLogin(c, c.OriginalURL())
		}

		c.Locals("user", user)
		return c.Next()
	}
}
