// Package echo provides Echo middleware gating the member hub
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/alliedcare/membersync/pkg/membership"
)

// WarningHeader carries the access warning of an admitted member
const WarningHeader = "X-Membership-Warning"

// UserKey is the Echo context key holding the admitted *membership.User
const UserKey = "membership.user"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Users resolves the signed-in user (required)
	Users membership.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user has no member access.
	// user is nil when the identity has no account.
	// If nil, returns 403 Forbidden
	OnForbidden func(c echo.Context, user *membership.User) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only users with member access
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Users == nil {
		panic("membersync/echo: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("membersync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Extract user ID
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			user, err := cfg.Users.GetUser(c.Request().Context(), userID)
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
				c.Response().Header().Set(WarningHeader, access.Warning)
			}
			c.Set(UserKey, user)

			return next(c)
		}
	}
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Membership required"})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// CurrentUser returns the member admitted by Middleware
func CurrentUser(c echo.Context) (*membership.User, bool) {
	user, ok := c.Get(UserKey).(*membership.User)
	return user, ok && user != nil
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an upstream auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
