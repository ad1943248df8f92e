// Package http provides HTTP middleware for tier-gated routes
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Reader resolves the user's effective tier, typically *goentitle.Engine
	Reader goentitle.TierReader

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// MinTier is the lowest tier allowed through (required)
	MinTier string

	// OnForbidden is called when the user's tier is below MinTier
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, tier string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireTier creates an HTTP middleware that only admits users entitled to at least cfg.MinTier.
// The resolved tier is stored in the request context, see TierFromContext.
func RequireTier(cfg Config) func(http.Handler) http.Handler {
	if cfg.Reader == nil {
		panic("goentitle/http: Config.Reader is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}
	if cfg.MinTier == "" {
		panic("goentitle/http: Config.MinTier is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			tier, err := cfg.Reader.GetEffectiveTier(ctx, userID)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !cfg.Reader.Tiers().Satisfies(tier, cfg.MinTier) {
				if cfg.OnForbidden != nil {
					cfg.OnForbidden(w, r, tier)
				} else {
					http.Error(w, "Forbidden: "+cfg.MinTier+" tier required", http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, TierKey, tier)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates on tier (HandlerFunc version)
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireTier(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlement:userID"

	// TierKey is the context key for the resolved tier
	TierKey ContextKey = "entitlement:tier"
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

// TierFromContext returns the tier resolved by RequireTier
func TierFromContext(ctx context.Context) string {
	tier, _ := ctx.Value(TierKey).(string)
	return tier
}
