package goentitle

import (
	"fmt"
	"time"
)

// Policy holds the time windows used when applying transitions.
type Policy struct {
	// GraceWindow is how long a subscription stays in grace before the sweep expires it
	GraceWindow time.Duration

	// BillingPeriod extends the paid period when the provider does not report one
	BillingPeriod time.Duration
}

// transitionTable maps current status and event to the next status.
// renewal_status_changed is handled separately because it never moves status.
var transitionTable = map[Status]map[EventKind]Status{
	StatusPending: {
		EventPurchased: StatusActive,
	},
	StatusActive: {
		EventRenewed:            StatusActive,
		EventCanceled:           StatusCanceled,
		EventOnHold:             StatusOnHold,
		EventEnteredGracePeriod: StatusInGracePeriod,
		EventRefunded:           StatusCanceled,
	},
	StatusOnHold: {
		EventEnteredGracePeriod: StatusInGracePeriod,
		EventRecovered:          StatusActive,
		EventRefunded:           StatusCanceled,
	},
	StatusInGracePeriod: {
		EventRecovered: StatusActive,
		EventExpired:   StatusExpired,
		EventRefunded:  StatusCanceled,
	},
	StatusCanceled: {
		EventRestarted: StatusActive,
	},
}

// NextStatus returns the status reached by applying event in status from.
// The second result is false when the pair has no edge.
func NextStatus(from Status, event EventKind) (Status, bool) {
	if event == EventRenewalStatusChanged {
		return from, true
	}
	to, ok := transitionTable[from][event]
	return to, ok
}

// Transition applies ev to sub and returns the resulting subscription. sub is not
// modified. Pairs without an edge return ErrUnhandledTransition.
func Transition(sub *Subscription, ev *Event, now time.Time, policy Policy) (*Subscription, error) {
	to, ok := NextStatus(sub.Status, ev.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnhandledTransition, ev.Kind, sub.Status)
	}

	next := sub.Clone()
	next.Status = to
	next.UpdatedAt = now

	switch ev.Kind {
	case EventPurchased:
		if ev.Tier != "" {
			next.Tier = ev.Tier
		}
		if ev.ProductID != "" {
			next.ProductID = ev.ProductID
		}
		end := now.Add(policy.BillingPeriod)
		if ev.PeriodEnd != nil {
			end = *ev.PeriodEnd
		}
		next.CurrentPeriodEnd = latest(sub.CurrentPeriodEnd, end)
		next.CancelAtPeriodEnd = ev.AutoRenew != nil && !*ev.AutoRenew
		next.EndedAt = nil

	case EventRenewed:
		if ev.Tier != "" {
			next.Tier = ev.Tier
		}
		if ev.ProductID != "" {
			next.ProductID = ev.ProductID
		}
		end := sub.CurrentPeriodEnd.Add(policy.BillingPeriod)
		if sub.CurrentPeriodEnd.IsZero() {
			end = now.Add(policy.BillingPeriod)
		}
		if ev.PeriodEnd != nil {
			end = *ev.PeriodEnd
		}
		next.CurrentPeriodEnd = latest(sub.CurrentPeriodEnd, end)

	case EventRecovered:
		next.GracePeriodEnd = nil
		switch {
		case ev.PeriodEnd != nil:
			next.CurrentPeriodEnd = latest(sub.CurrentPeriodEnd, *ev.PeriodEnd)
		case !sub.CurrentPeriodEnd.After(now):
			next.CurrentPeriodEnd = now.Add(policy.BillingPeriod)
		}

	case EventCanceled:
		next.CancelAtPeriodEnd = true
		next.EndedAt = timePtr(next.CurrentPeriodEnd)

	case EventOnHold:

	case EventEnteredGracePeriod:
		next.GracePeriodEnd = timePtr(now.Add(policy.GraceWindow))

	case EventRestarted:
		next.CancelAtPeriodEnd = false
		next.EndedAt = nil
		next.WarnedAt = nil
		if ev.PeriodEnd != nil {
			next.CurrentPeriodEnd = latest(sub.CurrentPeriodEnd, *ev.PeriodEnd)
		}

	case EventExpired:
		next.GracePeriodEnd = nil
		next.EndedAt = timePtr(now)

	case EventRefunded:
		next.GracePeriodEnd = nil
		next.CancelAtPeriodEnd = true
		next.RefundedAt = timePtr(now)
		next.EndedAt = timePtr(now)

	case EventRenewalStatusChanged:
		if ev.AutoRenew != nil {
			next.CancelAtPeriodEnd = !*ev.AutoRenew
		} else {
			next.CancelAtPeriodEnd = !sub.CancelAtPeriodEnd
		}
	}

	if next.CurrentPeriodEnd.After(sub.CurrentPeriodEnd) {
		next.WarnedAt = nil
	}

	if err := CheckInvariants(sub, next); err != nil {
		return nil, err
	}
	return next, nil
}

// CheckInvariants validates next against the subscription it was derived from.
// prev may be nil for a newly created subscription.
func CheckInvariants(prev, next *Subscription) error {
	inGrace := next.Status == StatusInGracePeriod
	if inGrace != (next.GracePeriodEnd != nil) {
		return fmt.Errorf("%w: status %s with grace period end set=%t",
			ErrInvariantViolation, next.Status, next.GracePeriodEnd != nil)
	}
	if prev != nil && next.CurrentPeriodEnd.Before(prev.CurrentPeriodEnd) {
		return fmt.Errorf("%w: current period end moved backwards", ErrInvariantViolation)
	}
	return nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
