// Package android normalizes Google Play Real-time Developer Notifications
// delivered through Pub/Sub push subscriptions.
package android

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	providerName = "android"

	userIDAttribute = "userId"

	providerTypeVoided = "voided"
	providerTypeTest   = "test"
)

// notificationKinds maps subscriptionNotification.notificationType to canonical events.
var notificationKinds = map[int]goentitle.EventKind{
	1:  goentitle.EventRecovered,
	2:  goentitle.EventRenewed,
	3:  goentitle.EventCanceled,
	4:  goentitle.EventPurchased,
	5:  goentitle.EventOnHold,
	6:  goentitle.EventEnteredGracePeriod,
	7:  goentitle.EventRestarted,
	10: goentitle.EventExpired,
}

// knownIgnored are documented notification types that carry no lifecycle change here:
// price change confirmed/updated, deferred, pause schedule changed, revoked,
// expired (reported through 10), pending purchase canceled.
var knownIgnored = map[int]bool{8: true, 9: true, 11: true, 12: true, 13: true, 19: true, 20: true}

// Config configures the Android provider.
type Config struct {
	billing.Config

	// Verifier authenticates pushes. If nil, an OIDC verifier is built from PushAudience,
	// or an HMAC verifier from WebhookSecret.
	Verifier Verifier

	// PushAudience is the audience configured on the Pub/Sub push subscription.
	PushAudience string

	// PushServiceAccount optionally pins the service account that signs pushes.
	PushServiceAccount string

	// PackageName, if set, rejects notifications for other apps.
	PackageName string

	// Fetcher optionally enriches events with the Play Developer API.
	Fetcher SubscriptionFetcher
}

// Provider implements billing.Provider and billing.Normalizer for Google Play.
type Provider struct {
	config   Config
	verifier Verifier
	tiers    *billing.TierMapper
	handler  *billing.WebhookHandler
}

// NewProvider creates a new Android billing provider
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.Config.WithDefaults()

	verifier := config.Verifier
	switch {
	case verifier != nil:
	case config.PushAudience != "":
		verifier = NewOIDCVerifier(ctx, config.PushAudience, config.PushServiceAccount)
	case strings.TrimSpace(config.WebhookSecret) != "":
		verifier = NewHMACVerifier(config.WebhookSecret)
	}

	p := &Provider{
		config:   config,
		verifier: verifier,
		tiers:    billing.NewTierMapper(config.TierMapping),
	}
	handler, err := billing.NewWebhookHandler(p, config.Config)
	if err != nil {
		return nil, err
	}
	p.handler = handler
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Configured reports whether pushes can be authenticated.
func (p *Provider) Configured() bool {
	return p.verifier != nil
}

// WebhookHandler returns the HTTP handler for Pub/Sub pushes
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler.Handler()
}

// NormalizeEvent implements billing.Normalizer
func (p *Provider) NormalizeEvent(ctx context.Context, r *http.Request, body []byte) (*goentitle.Event, error) {
	if p.verifier == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if err := p.verifier.Verify(ctx, r, body); err != nil {
		return nil, err
	}

	env, n, err := decodePush(body)
	if err != nil {
		return nil, err
	}
	if p.config.PackageName != "" && n.PackageName != p.config.PackageName {
		return nil, fmt.Errorf("%w: unexpected package %q", billing.ErrMalformedPayload, n.PackageName)
	}

	ev := &goentitle.Event{
		Platform:   goentitle.PlatformAndroid,
		OccurredAt: occurredAt(env, n),
		UserID:     strings.TrimSpace(env.Message.Attributes[userIDAttribute]),
		DeliveryID: env.Message.MessageID,
	}

	switch {
	case n.SubscriptionNotification != nil:
		sn := n.SubscriptionNotification
		ev.ProviderKey = sn.PurchaseToken
		ev.ProviderType = strconv.Itoa(sn.NotificationType)
		ev.ProductID = sn.SubscriptionID
		kind, ok := notificationKinds[sn.NotificationType]
		if !ok {
			ev.Kind = goentitle.EventIgnored
			if knownIgnored[sn.NotificationType] {
				return ev, nil
			}
			return ev, billing.ErrUnknownNotification
		}
		ev.Kind = kind
	case n.VoidedPurchaseNotification != nil:
		ev.ProviderKey = n.VoidedPurchaseNotification.PurchaseToken
		ev.ProviderType = providerTypeVoided
		ev.Kind = goentitle.EventRefunded
	default:
		ev.ProviderType = providerTypeTest
		ev.Kind = goentitle.EventIgnored
		return ev, nil
	}

	if err := p.enrich(ctx, n.PackageName, ev); err != nil {
		return nil, err
	}
	if ev.ProductID != "" {
		ev.Tier = p.tiers.Map(ev.ProductID)
	}
	return ev, nil
}

// enrich fills period end, product and user from the Play Developer API. Purchases
// need it most, so a failed lookup only fails the delivery for purchases.
func (p *Provider) enrich(ctx context.Context, packageName string, ev *goentitle.Event) error {
	if p.config.Fetcher == nil || ev.Kind == goentitle.EventRefunded {
		return nil
	}
	details, err := p.config.Fetcher.FetchSubscription(ctx, packageName, ev.ProviderKey)
	if err != nil {
		if ev.Kind == goentitle.EventPurchased {
			return err
		}
		p.config.Logger.Warn("subscription lookup failed",
			goentitle.Field{Key: "provider_key", Value: ev.ProviderKey},
			goentitle.Field{Key: "error", Value: err.Error()},
		)
		return nil
	}
	if details.ProductID != "" {
		ev.ProductID = details.ProductID
	}
	if ev.UserID == "" {
		ev.UserID = details.UserID
	}
	ev.PeriodEnd = details.ExpiresAt
	ev.AutoRenew = details.AutoRenew
	return nil
}
