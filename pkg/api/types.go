package api

import "time"

// EntitlementResponse represents the entitlement state of a user
type EntitlementResponse struct {
	UserID    string               `json:"user_id"`
	Tier      string               `json:"tier"`
	Grants    map[string]GrantView `json:"grants"`               // keyed by platform
	UpdatedAt *time.Time           `json:"updated_at,omitempty"` // nil for users never seen
}

// GrantView represents what one platform subscription contributes
type GrantView struct {
	SubscriptionID string     `json:"subscription_id"`
	Status         string     `json:"status"`
	Tier           string     `json:"tier"`            // tier granted right now
	Until          *time.Time `json:"until,omitempty"` // lapse time for non-renewing subscriptions
	Active         bool       `json:"active"`
}
