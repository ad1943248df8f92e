package goentitle

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var subscriptionNamespace = uuid.MustParse("6f1c7a52-3b0e-4c7e-9a43-0d5f2f1b8e11")

// SubscriptionID returns the deterministic ID of the subscription for a provider key.
// Concurrent first purchases of the same key therefore address the same record.
func SubscriptionID(platform Platform, providerKey string) string {
	return uuid.NewSHA1(subscriptionNamespace, []byte(string(platform)+":"+providerKey)).String()
}

// PeriodRef returns the period reference that scopes an event's idempotency key.
// The provider-reported period end wins, then the provider's event timestamp,
// then the stored period end.
func PeriodRef(ev *Event, stored *Subscription) time.Time {
	switch {
	case ev.PeriodEnd != nil && !ev.PeriodEnd.IsZero():
		return ev.PeriodEnd.UTC()
	case !ev.OccurredAt.IsZero():
		return ev.OccurredAt.UTC()
	case stored != nil:
		return stored.CurrentPeriodEnd.UTC()
	default:
		return time.Time{}
	}
}

// IdempotencyKey derives the ledger key for (providerKey, event, periodRef).
// An event without its own period end or timestamp is keyed by its DeliveryID
// instead, since the stored period end moves once the first delivery applies.
func IdempotencyKey(ev *Event, periodRef time.Time) string {
	ref := "0"
	switch {
	case !hasEventTime(ev) && ev.DeliveryID != "":
		ref = "delivery:" + ev.DeliveryID
	case !periodRef.IsZero():
		ref = strconv.FormatInt(periodRef.UnixMilli(), 10)
	}
	sum := sha256.Sum256([]byte(string(ev.Platform) + "|" + ev.ProviderKey + "|" + string(ev.Kind) + "|" + ref))
	return hex.EncodeToString(sum[:])
}

func hasEventTime(ev *Event) bool {
	return (ev.PeriodEnd != nil && !ev.PeriodEnd.IsZero()) || !ev.OccurredAt.IsZero()
}
