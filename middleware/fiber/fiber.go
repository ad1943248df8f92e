// Package fiber provides Fiber middleware for tier-gated routes
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// TierLocalsKey is the fiber locals key holding the resolved tier.
const TierLocalsKey = "entitlement_tier"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, tier string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireTier creates a Fiber middleware that only admits users entitled to at least cfg.MinTier
func RequireTier(cfg Config) fiber.Handler {
	if cfg.Reader == nil {
		panic("goentitle/fiber: Config.Reader is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}
	if cfg.MinTier == "" {
		panic("goentitle/fiber: Config.MinTier is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		tier, err := cfg.Reader.GetEffectiveTier(c.UserContext(), userID)
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

		c.Locals(TierLocalsKey, tier)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, tier, required string) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":    "Insufficient tier",
		"tier":     tier,
		"required": required,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an upstream auth middleware via c.Locals("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Tier returns the tier resolved by RequireTier
func Tier(c *fiber.Ctx) string {
	tier, _ := c.Locals(TierLocalsKey).(string)
	return tier
}
