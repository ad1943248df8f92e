// Package gin provides Gin middleware for tier-gated routes
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// TierContextKey is the gin context key holding the resolved tier.
const TierContextKey = "entitlement_tier"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, tier string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireTier creates a Gin middleware that only admits users entitled to at least cfg.MinTier
func RequireTier(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Reader == nil {
		panic("goentitle/gin: Config.Reader is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}
	if cfg.MinTier == "" {
		panic("goentitle/gin: Config.MinTier is required")
	}

	return func(c *gongin.Context) {
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

		tier, err := cfg.Reader.GetEffectiveTier(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if !cfg.Reader.Tiers().Satisfies(tier, cfg.MinTier) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, tier)
			} else {
				defaultForbidden(c, tier, cfg.MinTier)
			}
			c.Abort()
			return
		}

		c.Set(TierContextKey, tier)
		c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, tier, required string) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":    "Insufficient tier",
		"tier":     tier,
		"required": required,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
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
//	// In tier middleware config:
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

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Tier returns the tier resolved by RequireTier
func Tier(c *gongin.Context) string {
	return c.GetString(TierContextKey)
}
