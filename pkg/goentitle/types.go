package goentitle

import (
	"context"
	"time"
)

// Platform identifies the store a subscription was purchased through.
type Platform string

const (
	// PlatformAndroid is the Google Play store
	PlatformAndroid Platform = "android"

	// PlatformIOS is the Apple App Store
	PlatformIOS Platform = "ios"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformAndroid, PlatformIOS}

// Status is the lifecycle state of a subscription.
type Status string

const (
	// StatusPending is a subscription record created before its purchase applied
	StatusPending Status = "pending"

	// StatusActive is paid and renewing, or paid through the period after auto-renew was turned off
	StatusActive Status = "active"

	// StatusOnHold is a failed renewal without access
	StatusOnHold Status = "on_hold"

	// StatusInGracePeriod is a failed renewal with access until GracePeriodEnd
	StatusInGracePeriod Status = "in_grace_period"

	// StatusCanceled is canceled by the user or refunded; a cancellation keeps access until the period end
	StatusCanceled Status = "canceled"

	// StatusExpired is terminal; the subscription grants nothing
	StatusExpired Status = "expired"
)

// Statuses lists every subscription status.
var Statuses = []Status{
	StatusPending,
	StatusActive,
	StatusOnHold,
	StatusInGracePeriod,
	StatusCanceled,
	StatusExpired,
}

// IsOpen reports whether a subscription in this status still occupies the
// user's single open slot on a platform.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusActive, StatusOnHold, StatusInGracePeriod:
		return true
	default:
		return false
	}
}

// EventKind is a canonical, provider-independent billing event.
type EventKind string

const (
	// EventPurchased is a new purchase of a provider key
	EventPurchased EventKind = "purchased"

	// EventRenewed is a successful renewal into the next period
	EventRenewed EventKind = "renewed"

	// EventRecovered is a successful payment after hold or grace
	EventRecovered EventKind = "recovered"

	// EventCanceled is a user cancellation
	EventCanceled EventKind = "canceled"

	// EventOnHold is a failed renewal that suspends access
	EventOnHold EventKind = "on_hold"

	// EventEnteredGracePeriod is a failed renewal that keeps access for the grace window
	EventEnteredGracePeriod EventKind = "entered_grace_period"

	// EventRestarted is a canceled subscription resumed before it ended
	EventRestarted EventKind = "restarted"

	// EventExpired ends access
	EventExpired EventKind = "expired"

	// EventRefunded is a refund or voided purchase
	EventRefunded EventKind = "refunded"

	// EventRenewalStatusChanged toggles auto-renew without changing status
	EventRenewalStatusChanged EventKind = "renewal_status_changed"

	// EventIgnored marks a provider notification that carries no lifecycle meaning.
	EventIgnored EventKind = "ignored"
)

// EventKinds lists every canonical event that can drive a transition.
var EventKinds = []EventKind{
	EventPurchased,
	EventRenewed,
	EventRecovered,
	EventCanceled,
	EventOnHold,
	EventEnteredGracePeriod,
	EventRestarted,
	EventExpired,
	EventRefunded,
	EventRenewalStatusChanged,
}

// Subscription is the persisted state of one user's subscription with one store.
type Subscription struct {
	ID                string
	UserID            string
	Platform          Platform
	Tier              string
	ProductID         string
	Status            Status
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	// GracePeriodEnd is set only while Status is StatusInGracePeriod
	GracePeriodEnd *time.Time
	// ProviderKey is the purchase token (android) or original transaction id (ios)
	ProviderKey string
	RefundedAt  *time.Time
	// WarnedAt is set once the expiry warning for the current period was sent
	WarnedAt *time.Time
	// EndedAt is when the subscription stopped granting access
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.GracePeriodEnd = cloneTime(s.GracePeriodEnd)
	c.RefundedAt = cloneTime(s.RefundedAt)
	c.WarnedAt = cloneTime(s.WarnedAt)
	c.EndedAt = cloneTime(s.EndedAt)
	return &c
}

// Event is a verified provider notification translated into the canonical model.
type Event struct {
	Platform    Platform
	ProviderKey string
	Kind        EventKind

	// ProviderType is the raw provider notification code, kept for logs and metrics
	ProviderType string

	UserID    string
	Tier      string
	ProductID string

	// PeriodEnd is the provider-reported end of the paid period, if any
	PeriodEnd *time.Time

	// AutoRenew is the provider-reported renewal intent, if any
	AutoRenew *bool

	// OccurredAt is the provider's event timestamp (zero for sweep-generated events)
	OccurredAt time.Time

	// DeliveryID identifies the provider message and is stable across redeliveries.
	// It scopes the idempotency key when the event carries no period end or timestamp.
	DeliveryID string
}

// ProcessedEvent is an idempotency ledger entry. Entries are never mutated.
type ProcessedEvent struct {
	Key            string
	ProviderKey    string
	Platform       Platform
	Event          EventKind
	PeriodRef      time.Time
	SubscriptionID string
	ProcessedAt    time.Time
}

// Grant is what one platform subscription contributes to a user's entitlement.
type Grant struct {
	SubscriptionID string
	Tier           string
	Status         Status
	// Until bounds the grant for subscriptions that will not renew; nil means open-ended
	Until *time.Time
}

// Entitlement is the per-user projection of all subscriptions.
type Entitlement struct {
	UserID    string
	Grants    map[Platform]Grant
	Tier      string
	UpdatedAt time.Time
}

// Clone returns a deep copy of the entitlement.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	c.Grants = make(map[Platform]Grant, len(e.Grants))
	for p, g := range e.Grants {
		g.Until = cloneTime(g.Until)
		c.Grants[p] = g
	}
	return &c
}

// Outcome describes what happened to a single event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeAnomaly   Outcome = "anomaly"
	OutcomeNotFound  Outcome = "not_found"
)

// Result reports the effect of applying one event.
type Result struct {
	Event        *Event
	Outcome      Outcome
	Subscription *Subscription
	FromStatus   Status
	TierBefore   string
	TierAfter    string
}

// TimeSource defines an interface for getting the current time.
// Storage backends may implement it so that every replica agrees on "now".
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
