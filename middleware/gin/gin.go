// Package gin provides Gin middleware gating the member hub
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/alliedcare/membersync/pkg/membership"
)

// WarningHeader carries the access warning of an admitted member
const WarningHeader = "X-Membership-Warning"

// UserKey is the Gin context key holding the admitted *membership.User
const UserKey = "membership.user"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Users resolves the signed-in user (required)
	Users membership.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user has no member access.
	// user is nil when the identity has no account.
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context, user *membership.User)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits only users with member access
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Users == nil {
		panic("membersync/gin: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("membersync/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		// Extract user ID
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		user, err := cfg.Users.GetUser(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, membership.ErrUserNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		access := membership.HasMemberAccess(user)
		if !access.Allowed {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, user)
			} else {
				defaultForbidden(c)
			}
			c.Abort()
			return
		}

		if access.Warning != "" {
			c.Header(WarningHeader, access.Warning)
		}
		c.Set(UserKey, user)

		// Proceed to handler
		c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context) {
	c.JSON(http.StatusForbidden, gongin.H{"error": "Membership required"})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// CurrentUser returns the member admitted by Middleware
func CurrentUser(c *gongin.Context) (*membership.User, bool) {
	val, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	user, ok := val.(*membership.User)
	return user, ok && user != nil
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In member hub config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
