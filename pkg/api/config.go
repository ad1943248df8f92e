package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Config holds configuration for the Entitlement API handler
type Config struct {
	// Engine is the entitlement engine instance (required)
	Engine *goentitle.Engine

	// GetUserID extracts the user ID from the HTTP request
	// (default: FromPathValue("userID"))
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger goentitle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	return nil
}

// NewHandler creates a new Entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromPathValue("userID")
	}
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromPathValue returns a GetUserID function that reads a net/http pattern wildcard.
// chi populates the same path values, so this works with both routers.
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
