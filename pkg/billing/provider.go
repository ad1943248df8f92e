package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Provider is the interface each store integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "android", "ios")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler
}

// Normalizer turns a raw webhook delivery into a canonical event.
//
// NormalizeEvent verifies the request before decoding it and returns:
//   - ErrAuthenticity when the request cannot be proven to come from the store
//   - ErrMalformedPayload when the body cannot be decoded or validated
//   - an event with Kind == goentitle.EventIgnored for notifications that carry no
//     state change, together with ErrUnknownNotification if the type is unknown
type Normalizer interface {
	Name() string

	// Configured reports whether the normalizer has credentials to verify deliveries.
	Configured() bool

	NormalizeEvent(ctx context.Context, r *http.Request, body []byte) (*goentitle.Event, error)
}
