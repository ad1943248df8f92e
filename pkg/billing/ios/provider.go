// Package ios normalizes App Store Server Notifications V2.
package ios

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const providerName = "ios"

// Notification types and subtypes this provider acts on.
const (
	typeSubscribed             = "SUBSCRIBED"
	typeDidRenew               = "DID_RENEW"
	typeDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	typeDidFailToRenew         = "DID_FAIL_TO_RENEW"
	typeExpired                = "EXPIRED"
	typeGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	typeRefund                 = "REFUND"
	subtypeResubscribe         = "RESUBSCRIBE"
	subtypeBillingRecovery     = "BILLING_RECOVERY"
	subtypeGracePeriod         = "GRACE_PERIOD"
	subtypeAutoRenewEnabled    = "AUTO_RENEW_ENABLED"
	subtypeAutoRenewDisabled   = "AUTO_RENEW_DISABLED"
)

// knownIgnored are documented notification types without a lifecycle change here.
var knownIgnored = map[string]bool{
	"TEST":                    true,
	"CONSUMPTION_REQUEST":     true,
	"DID_CHANGE_RENEWAL_PREF": true,
	"EXTERNAL_PURCHASE_TOKEN": true,
	"OFFER_REDEEMED":          true,
	"ONE_TIME_CHARGE":         true,
	"PRICE_INCREASE":          true,
	"REFUND_DECLINED":         true,
	"REFUND_REVERSED":         true,
	"RENEWAL_EXTENDED":        true,
	"RENEWAL_EXTENSION":       true,
	"REVOKE":                  true,
}

// Config configures the iOS provider.
type Config struct {
	billing.Config

	// Verifier checks JWS signatures. If nil, a chain verifier is built from RootCertificates,
	// or a key verifier from PublicKey.
	Verifier Verifier

	// RootCertificates are the trusted roots for the x5c chain (Apple Root CA - G3).
	RootCertificates *x509.CertPool

	// PublicKey is a static signing key, used when no roots are configured.
	PublicKey *ecdsa.PublicKey

	// BundleID, if set, rejects notifications for other apps.
	BundleID string
}

// Provider implements billing.Provider and billing.Normalizer for the App Store.
type Provider struct {
	config   Config
	verifier Verifier
	tiers    *billing.TierMapper
	handler  *billing.WebhookHandler
}

// NewProvider creates a new iOS billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.Config.WithDefaults()

	verifier := config.Verifier
	switch {
	case verifier != nil:
	case config.RootCertificates != nil:
		verifier = NewChainVerifier(config.RootCertificates)
	case config.PublicKey != nil:
		verifier = NewKeyVerifier(config.PublicKey)
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

// Configured reports whether signatures can be verified.
func (p *Provider) Configured() bool {
	return p.verifier != nil
}

// WebhookHandler returns the HTTP handler for App Store notifications
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler.Handler()
}

// NormalizeEvent implements billing.Normalizer
func (p *Provider) NormalizeEvent(_ context.Context, _ *http.Request, body []byte) (*goentitle.Event, error) {
	if p.verifier == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	payload, tx, renewal, err := decodeNotification(p.verifier, body)
	if err != nil {
		return nil, err
	}

	ev := &goentitle.Event{
		Platform:     goentitle.PlatformIOS,
		ProviderType: payload.NotificationType,
		OccurredAt:   timeOrZero(millis(payload.SignedDate)),
		DeliveryID:   payload.NotificationUUID,
	}
	if payload.Subtype != "" {
		ev.ProviderType += "/" + payload.Subtype
	}

	kind, known := eventKind(payload.NotificationType, payload.Subtype)
	if !known {
		ev.Kind = goentitle.EventIgnored
		if knownIgnored[payload.NotificationType] {
			return ev, nil
		}
		if tx != nil {
			ev.ProviderKey = tx.OriginalTransactionID
		}
		return ev, billing.ErrUnknownNotification
	}
	ev.Kind = kind

	if tx == nil {
		return nil, fmt.Errorf("%w: %s without transaction info", billing.ErrMalformedPayload, payload.NotificationType)
	}
	bundleID := tx.BundleID
	if bundleID == "" {
		bundleID = payload.Data.BundleID
	}
	if p.config.BundleID != "" && bundleID != p.config.BundleID {
		return nil, fmt.Errorf("%w: unexpected bundle %q", billing.ErrMalformedPayload, bundleID)
	}

	ev.ProviderKey = tx.OriginalTransactionID
	ev.ProductID = tx.ProductID
	ev.Tier = p.tiers.Map(tx.ProductID)
	ev.UserID = tx.AppAccountToken
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = timeOrZero(millis(tx.SignedDate))
	}

	ev.AutoRenew = autoRenew(payload.Subtype, renewal, tx)
	if kind == goentitle.EventRenewalStatusChanged {
		// The period end stays unset so that toggling twice in one period
		// produces distinct ledger keys from the signing date.
		return ev, nil
	}
	ev.PeriodEnd = millis(tx.ExpiresDate)
	return ev, nil
}

func eventKind(notificationType, subtype string) (goentitle.EventKind, bool) {
	switch notificationType {
	case typeSubscribed:
		if subtype == subtypeResubscribe {
			return goentitle.EventRestarted, true
		}
		return goentitle.EventPurchased, true
	case typeDidRenew:
		if subtype == subtypeBillingRecovery {
			return goentitle.EventRecovered, true
		}
		return goentitle.EventRenewed, true
	case typeDidChangeRenewalStatus:
		return goentitle.EventRenewalStatusChanged, true
	case typeDidFailToRenew:
		if subtype == subtypeGracePeriod {
			return goentitle.EventEnteredGracePeriod, true
		}
		return goentitle.EventOnHold, true
	case typeExpired, typeGracePeriodExpired:
		return goentitle.EventExpired, true
	case typeRefund:
		return goentitle.EventRefunded, true
	default:
		return goentitle.EventIgnored, false
	}
}

// autoRenew reads renewal intent from the subtype, then the renewal info, then
// the transaction.
func autoRenew(subtype string, renewal *renewalInfo, tx *transactionInfo) *bool {
	var on bool
	switch {
	case subtype == subtypeAutoRenewEnabled:
		on = true
	case subtype == subtypeAutoRenewDisabled:
		on = false
	case renewal != nil && renewal.AutoRenewStatus != nil:
		on = *renewal.AutoRenewStatus == 1
	case tx != nil && tx.AutoRenewStatus != nil:
		on = *tx.AutoRenewStatus == 1
	default:
		return nil
	}
	return &on
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
