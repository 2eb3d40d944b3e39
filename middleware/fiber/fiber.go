// Package fiber provides Fiber middleware gating the member hub
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/alliedcare/membersync/pkg/membership"
)

// WarningHeader carries the access warning of an admitted member
const WarningHeader = "X-Membership-Warning"

// UserKey is the Fiber locals key holding the admitted *membership.User
const UserKey = "membership.user"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Users resolves the signed-in user (required)
	Users membership.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user has no member access.
	// user is nil when the identity has no account.
	// If nil, returns 403 Forbidden
	OnForbidden func(c *fiber.Ctx, user *membership.User) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only users with member access
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Users == nil {
		panic("membersync/fiber: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("membersync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		// Extract user ID
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		user, err := cfg.Users.GetUser(c.UserContext(), userID)
		if err != nil && !errors.Is(err, membership.ErrUserNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c)
		}

		access := membership.HasMemberAccess(user)
		if !access.Allowed {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c, user)
			}
			return defaultForbidden(c)
		}

		if access.Warning != "" {
			c.Set(WarningHeader, access.Warning)
		}
		c.Locals(UserKey, user)

		return c.Next()
	}
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Membership required"})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// CurrentUser returns the member admitted by Middleware
func CurrentUser(c *fiber.Ctx) (*membership.User, bool) {
	user, ok := c.Locals(UserKey).(*membership.User)
	return user, ok && user != nil
}

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
// set by an upstream auth middleware via c.Locals(key, userID).
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
