package api

import (
	"fmt"
	"net/http"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/membership"
)

// Config holds configuration for the membership API handler
type Config struct {
	// Users is the user table (required)
	Users membership.UserStore

	// Provider starts checkouts and resyncs users (required)
	Provider billing.Provider

	// GetUserID extracts the authenticated user ID from the request (required).
	// Authentication itself happens upstream.
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to membership.NoopLogger
	Logger membership.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Users == nil {
		return fmt.Errorf("users store is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("billing provider is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new membership API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &membership.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
