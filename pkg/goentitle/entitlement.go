package goentitle

import (
	"context"
	"time"
)

// DefaultTier is the tier of users without a paying subscription.
const DefaultTier = "basic"

// TierPolicy decides which tier a subscription grants.
type TierPolicy struct {
	// DefaultTier is granted when no subscription grants anything (default: "basic")
	DefaultTier string

	// Weights ranks tiers when a user holds grants on several platforms.
	// Unlisted tiers rank above the default tier and below any listed weight > 1.
	Weights map[string]int

	// RetainTierOnHold keeps the paid tier while a subscription is on hold.
	// By default on_hold suspends the entitlement until payment recovers.
	RetainTierOnHold bool
}

func (p TierPolicy) defaultTier() string {
	if p.DefaultTier == "" {
		return DefaultTier
	}
	return p.DefaultTier
}

// Grant derives the entitlement grant for a subscription.
func (p TierPolicy) Grant(sub *Subscription) Grant {
	g := Grant{
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		Tier:           p.defaultTier(),
	}

	switch sub.Status {
	case StatusActive, StatusInGracePeriod:
		g.Tier = sub.Tier
		if sub.Status == StatusActive && sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.IsZero() {
			g.Until = timePtr(sub.CurrentPeriodEnd)
		}
	case StatusOnHold:
		if p.RetainTierOnHold {
			g.Tier = sub.Tier
		}
	case StatusCanceled:
		if sub.RefundedAt == nil {
			g.Tier = sub.Tier
			g.Until = timePtr(sub.CurrentPeriodEnd)
		}
	}
	return g
}

// EffectiveTier returns the tier sub grants at now.
func (p TierPolicy) EffectiveTier(sub *Subscription, now time.Time) string {
	return p.tierOf(p.Grant(sub), now)
}

// UserTier returns the highest ranked tier among the entitlement's grants at now.
func (p TierPolicy) UserTier(ent *Entitlement, now time.Time) string {
	best := p.defaultTier()
	if ent == nil {
		return best
	}
	bestWeight := p.weight(best)
	for _, platform := range Platforms {
		g, ok := ent.Grants[platform]
		if !ok {
			continue
		}
		tier := p.tierOf(g, now)
		if w := p.weight(tier); w > bestWeight {
			best, bestWeight = tier, w
		}
	}
	return best
}

// GrantTier returns the tier a single grant confers at now.
func (p TierPolicy) GrantTier(g Grant, now time.Time) string {
	return p.tierOf(g, now)
}

// Rank orders tiers for comparison. Unknown paid tiers rank 1 and the default tier 0.
func (p TierPolicy) Rank(tier string) int {
	return p.weight(tier)
}

func (p TierPolicy) tierOf(g Grant, now time.Time) string {
	if g.Tier == "" {
		return p.defaultTier()
	}
	if g.Until != nil && !now.Before(*g.Until) {
		return p.defaultTier()
	}
	return g.Tier
}

func (p TierPolicy) weight(tier string) int {
	if w, ok := p.Weights[tier]; ok {
		return w
	}
	if tier == p.defaultTier() {
		return 0
	}
	return 1
}

// applyGrant updates ent with the grant derived from sub and reports whether it
// changed. A subscription only replaces another subscription's grant on the
// same platform when it is open or the existing grant has lapsed.
func (p TierPolicy) applyGrant(ent *Entitlement, sub *Subscription, now time.Time) bool {
	if ent.Grants == nil {
		ent.Grants = make(map[Platform]Grant)
	}
	current, exists := ent.Grants[sub.Platform]
	if exists && current.SubscriptionID != sub.ID && !sub.Status.IsOpen() {
		if p.tierOf(current, now) != p.defaultTier() {
			return false
		}
	}
	next := p.Grant(sub)
	if exists && grantsEqual(current, next) {
		return false
	}
	ent.Grants[sub.Platform] = next
	ent.Tier = p.UserTier(ent, now)
	ent.UpdatedAt = now
	return true
}

func grantsEqual(a, b Grant) bool {
	if a.SubscriptionID != b.SubscriptionID || a.Tier != b.Tier || a.Status != b.Status {
		return false
	}
	if (a.Until == nil) != (b.Until == nil) {
		return false
	}
	return a.Until == nil || a.Until.Equal(*b.Until)
}

// TierReader is the read side of the engine used by request gating middleware.
type TierReader interface {
	GetEffectiveTier(ctx context.Context, userID string) (string, error)
	Tiers() TierPolicy
}

// Satisfies reports whether tier ranks at least as high as required.
func (p TierPolicy) Satisfies(tier, required string) bool {
	return p.weight(tier) >= p.weight(required)
}
