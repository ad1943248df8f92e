package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for entitlement inspection
type Handler struct {
	config Config
}

// GetEntitlement returns a JSON view of the user's effective tier and per-platform grants
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	ent, err := h.config.Engine.GetEntitlement(ctx, userID)
	if err != nil && !errors.Is(err, goentitle.ErrNotFound) {
		h.config.Logger.Error("failed to get entitlement",
			goentitle.Field{Key: "user_id", Value: userID},
			goentitle.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, fmt.Errorf("failed to get entitlement"), http.StatusInternalServerError)
		return
	}

	tiers := h.config.Engine.Tiers()
	now := h.config.Engine.Now(ctx)
	response := EntitlementResponse{
		UserID: userID,
		Tier:   tiers.UserTier(ent, now),
		Grants: make(map[string]GrantView),
	}
	if ent != nil {
		updatedAt := ent.UpdatedAt
		response.UpdatedAt = &updatedAt
		for platform, g := range ent.Grants {
			tier := tiers.GrantTier(g, now)
			response.Grants[string(platform)] = GrantView{
				SubscriptionID: g.SubscriptionID,
				Status:         string(g.Status),
				Tier:           tier,
				Until:          g.Until,
				Active:         tiers.Rank(tier) > tiers.Rank(tiers.DefaultTier),
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Log encoding error but response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		// Log encoding error but response already sent
		_ = encodeErr
	}
}
