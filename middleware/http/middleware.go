// Package http provides net/http middleware gating the member hub
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alliedcare/membersync/pkg/membership"
)

// WarningHeader carries the access warning of an admitted member
const WarningHeader = "X-Membership-Warning"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Users resolves the signed-in user (required)
	Users membership.UserStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user has no member access.
	// user is nil when the identity has no account.
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, user *membership.User)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits only users with member access.
// The resolved user is available to the next handler through UserFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if config.Users == nil {
		panic("membersync/http: Config.Users is required")
	}
	if config.GetUserID == nil {
		panic("membersync/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			user, err := config.Users.GetUser(r.Context(), userID)
			if err != nil && !errors.Is(err, membership.ErrUserNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			access := membership.HasMemberAccess(user)
			if !access.Allowed {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, user)
				} else {
					writeJSONError(w, http.StatusForbidden, "Membership required")
				}
				return
			}

			if access.Warning != "" {
				w.Header().Set(WarningHeader, access.Warning)
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates the member hub (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "membership:userID"

	userKey ContextKey = "membership:user"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithUser stores the admitted member on ctx
func WithUser(ctx context.Context, user *membership.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the member admitted by Middleware
func UserFromContext(ctx context.Context) (*membership.User, bool) {
	user, ok := ctx.Value(userKey).(*membership.User)
	return user, ok && user != nil
}
