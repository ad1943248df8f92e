package billing

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// WebhookEvent describes a webhook delivery that was applied and committed.
// It is passed to Config.OnProcessed.
type WebhookEvent struct {
	// Provider is the billing provider name ("android", "ios")
	Provider string

	// EventType is the provider-specific notification type
	// Android: "4", "2", "voided", ...
	// iOS: "DID_RENEW", "EXPIRED/VOLUNTARY", ...
	EventType string

	// Event is the canonical event that was applied
	Event *goentitle.Event

	// Outcome tells whether the event changed state, was a duplicate or an anomaly
	Outcome goentitle.Outcome

	// PreviousTier and NewTier are the subscription's effective tiers around the event
	PreviousTier string
	NewTier      string

	// ProcessedAt is when the handler finished applying the event
	ProcessedAt time.Time
}
