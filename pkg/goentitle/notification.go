package goentitle

import (
	"context"
	"sync"
	"time"
)

// NotificationKind is the closed set of user-facing notifications.
type NotificationKind string

// Notification kinds, one per payload type.
const (
	NotifyPurchaseConfirmed     NotificationKind = "purchase_confirmed"
	NotifySubscriptionRenewed   NotificationKind = "subscription_renewed"
	NotifySubscriptionRecovered NotificationKind = "subscription_recovered"
	NotifySubscriptionCanceled  NotificationKind = "subscription_canceled"
	NotifySubscriptionOnHold    NotificationKind = "subscription_on_hold"
	NotifyGracePeriodStarted    NotificationKind = "grace_period_started"
	NotifySubscriptionRestarted NotificationKind = "subscription_restarted"
	NotifySubscriptionExpired   NotificationKind = "subscription_expired"
	NotifySubscriptionRefunded  NotificationKind = "subscription_refunded"
	NotifyExpiryWarning         NotificationKind = "expiry_warning"
)

// Payload is implemented only by the notification payload types in this package.
type Payload interface {
	Kind() NotificationKind
	sealed()
}

// PurchaseConfirmed is sent when a first purchase activates a subscription.
type PurchaseConfirmed struct {
	Tier      string    `json:"tier"`
	PeriodEnd time.Time `json:"periodEnd"`
}

// SubscriptionRenewed is sent when a renewal extends the paid period.
type SubscriptionRenewed struct {
	Tier      string    `json:"tier"`
	PeriodEnd time.Time `json:"periodEnd"`
}

// SubscriptionRecovered is sent when a failed payment recovers from hold or grace.
type SubscriptionRecovered struct {
	Tier      string    `json:"tier"`
	PeriodEnd time.Time `json:"periodEnd"`
}

// SubscriptionCanceled is sent when the user cancels; access lasts until AccessUntil.
type SubscriptionCanceled struct {
	Tier        string    `json:"tier"`
	AccessUntil time.Time `json:"accessUntil"`
}

// SubscriptionOnHold is sent when payment fails without a grace period.
type SubscriptionOnHold struct {
	Tier string `json:"tier"`
}

// GracePeriodStarted is sent when payment fails and access continues until GracePeriodEnd.
type GracePeriodStarted struct {
	Tier           string    `json:"tier"`
	GracePeriodEnd time.Time `json:"gracePeriodEnd"`
}

// SubscriptionRestarted is sent when a canceled subscription is resumed before it ends.
type SubscriptionRestarted struct {
	Tier      string    `json:"tier"`
	PeriodEnd time.Time `json:"periodEnd"`
}

// SubscriptionExpired is sent when access ends.
type SubscriptionExpired struct {
	PreviousTier string `json:"previousTier"`
}

// SubscriptionRefunded is sent when the store refunds or voids the purchase.
type SubscriptionRefunded struct {
	PreviousTier string    `json:"previousTier"`
	RefundedAt   time.Time `json:"refundedAt"`
}

// ExpiryWarning is sent once per period before a non-renewing subscription ends.
type ExpiryWarning struct {
	Tier      string    `json:"tier"`
	PeriodEnd time.Time `json:"periodEnd"`
}

func (PurchaseConfirmed) Kind() NotificationKind     { return NotifyPurchaseConfirmed }
func (SubscriptionRenewed) Kind() NotificationKind   { return NotifySubscriptionRenewed }
func (SubscriptionRecovered) Kind() NotificationKind { return NotifySubscriptionRecovered }
func (SubscriptionCanceled) Kind() NotificationKind  { return NotifySubscriptionCanceled }
func (SubscriptionOnHold) Kind() NotificationKind    { return NotifySubscriptionOnHold }
func (GracePeriodStarted) Kind() NotificationKind    { return NotifyGracePeriodStarted }
func (SubscriptionRestarted) Kind() NotificationKind { return NotifySubscriptionRestarted }
func (SubscriptionExpired) Kind() NotificationKind   { return NotifySubscriptionExpired }
func (SubscriptionRefunded) Kind() NotificationKind  { return NotifySubscriptionRefunded }
func (ExpiryWarning) Kind() NotificationKind         { return NotifyExpiryWarning }

func (PurchaseConfirmed) sealed()     {}
func (SubscriptionRenewed) sealed()   {}
func (SubscriptionRecovered) sealed() {}
func (SubscriptionCanceled) sealed()  {}
func (SubscriptionOnHold) sealed()    {}
func (GracePeriodStarted) sealed()    {}
func (SubscriptionRestarted) sealed() {}
func (SubscriptionExpired) sealed()   {}
func (SubscriptionRefunded) sealed()  {}
func (ExpiryWarning) sealed()         {}

// Notification is a message for the user about their subscription.
type Notification struct {
	UserID         string
	SubscriptionID string
	Platform       Platform
	CreatedAt      time.Time
	Payload        Payload
}

// Kind returns the payload's kind.
func (n Notification) Kind() NotificationKind {
	if n.Payload == nil {
		return ""
	}
	return n.Payload.Kind()
}

// Dispatcher hands notifications to a delivery system. Notify must not block
// the caller on delivery and never reports failure.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification)
}

// NoopDispatcher discards every notification.
type NoopDispatcher struct{}

func (NoopDispatcher) Notify(context.Context, Notification) {}

// Sender delivers a single notification synchronously.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// AsyncDispatcher queues notifications and delivers them from a background
// worker. When the queue is full the notification is dropped and logged.
type AsyncDispatcher struct {
	sender  Sender
	queue   chan Notification
	timeout time.Duration
	logger  Logger
	metrics Metrics

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// AsyncDispatcherConfig configures an AsyncDispatcher.
type AsyncDispatcherConfig struct {
	// QueueSize bounds the number of pending notifications (default: 1024)
	QueueSize int

	// SendTimeout bounds a single Send call (default: 5s)
	SendTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// NewAsyncDispatcher starts a dispatcher that delivers through sender.
func NewAsyncDispatcher(sender Sender, config AsyncDispatcherConfig) *AsyncDispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	d := &AsyncDispatcher{
		sender:  sender,
		queue:   make(chan Notification, config.QueueSize),
		timeout: config.SendTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues n without blocking.
func (d *AsyncDispatcher) Notify(_ context.Context, n Notification) {
	select {
	case <-d.done:
		d.drop(n, "dispatcher closed")
		return
	default:
	}

	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (d *AsyncDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	<-d.stopped
	for {
		select {
		case n := <-d.queue:
			d.send(n)
		default:
			return
		}
	}
}

func (d *AsyncDispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case n := <-d.queue:
			d.send(n)
		}
	}
}

func (d *AsyncDispatcher) send(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sender.Send(ctx, n); err != nil {
		d.metrics.RecordNotification(n.Kind(), "failed")
		d.logger.Error("notification delivery failed",
			Field{Key: "kind", Value: string(n.Kind())},
			Field{Key: "user_id", Value: n.UserID},
			Field{Key: "subscription_id", Value: n.SubscriptionID},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	d.metrics.RecordNotification(n.Kind(), "sent")
}

func (d *AsyncDispatcher) drop(n Notification, reason string) {
	d.metrics.RecordNotification(n.Kind(), "dropped")
	d.logger.Warn("notification dropped",
		Field{Key: "kind", Value: string(n.Kind())},
		Field{Key: "user_id", Value: n.UserID},
		Field{Key: "reason", Value: reason},
	)
}

// notificationFor builds the notification for an applied transition, if any.
func notificationFor(prev, next *Subscription, kind EventKind, now time.Time) (Notification, bool) {
	var payload Payload
	switch kind {
	case EventPurchased:
		payload = PurchaseConfirmed{Tier: next.Tier, PeriodEnd: next.CurrentPeriodEnd}
	case EventRenewed:
		payload = SubscriptionRenewed{Tier: next.Tier, PeriodEnd: next.CurrentPeriodEnd}
	case EventRecovered:
		payload = SubscriptionRecovered{Tier: next.Tier, PeriodEnd: next.CurrentPeriodEnd}
	case EventCanceled:
		payload = SubscriptionCanceled{Tier: next.Tier, AccessUntil: next.CurrentPeriodEnd}
	case EventOnHold:
		payload = SubscriptionOnHold{Tier: next.Tier}
	case EventEnteredGracePeriod:
		payload = GracePeriodStarted{Tier: next.Tier, GracePeriodEnd: *next.GracePeriodEnd}
	case EventRestarted:
		payload = SubscriptionRestarted{Tier: next.Tier, PeriodEnd: next.CurrentPeriodEnd}
	case EventExpired:
		payload = SubscriptionExpired{PreviousTier: prev.Tier}
	case EventRefunded:
		payload = SubscriptionRefunded{PreviousTier: prev.Tier, RefundedAt: *next.RefundedAt}
	default:
		return Notification{}, false
	}
	return Notification{
		UserID:         next.UserID,
		SubscriptionID: next.ID,
		Platform:       next.Platform,
		CreatedAt:      now,
		Payload:        payload,
	}, true
}
