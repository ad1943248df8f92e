// Package echo provides Echo middleware for tier-gated routes
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// TierContextKey is the echo context key holding the resolved tier.
const TierContextKey = "entitlement_tier"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Reader resolves the user's effective tier, typically *goentitle.Engine
	Reader goentitle.TierReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// MinTier is the lowest tier allowed through (required)
	MinTier string

	// OnForbidden is called when the user's tier is below MinTier
	// If nil, returns 403 JSON with the current and required tier
	OnForbidden func(c echo.Context, tier string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireTier creates an Echo middleware that only admits users entitled to at least cfg.MinTier
func RequireTier(cfg Config) echo.MiddlewareFunc {
	if cfg.Reader == nil {
		panic("goentitle/echo: Config.Reader is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}
	if cfg.MinTier == "" {
		panic("goentitle/echo: Config.MinTier is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			tier, err := cfg.Reader.GetEffectiveTier(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if !cfg.Reader.Tiers().Satisfies(tier, cfg.MinTier) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, tier)
				}
				return defaultForbidden(c, tier, cfg.MinTier)
			}

			c.Set(TierContextKey, tier)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, tier, required string) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":    "Insufficient tier",
		"tier":     tier,
		"required": required,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an upstream auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
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

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Tier returns the tier resolved by RequireTier
func Tier(c echo.Context) string {
	tier, _ := c.Get(TierContextKey).(string)
	return tier
}
