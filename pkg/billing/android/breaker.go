package android

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a BreakerFetcher.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned while the Play Developer API is considered down.
var ErrBreakerOpen = errors.New("android: subscription lookups suspended")

// BreakerConfig configures a BreakerFetcher.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the breaker (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before one trial lookup (default: 30s)
	ResetTimeout time.Duration

	// OnStateChange is called on every transition, with the lock held.
	OnStateChange func(state BreakerState)
}

// BreakerFetcher stops calling the Play Developer API after repeated failures.
// Lookups fail fast with ErrBreakerOpen until ResetTimeout passes, then a single
// success closes the breaker again.
type BreakerFetcher struct {
	next   SubscriptionFetcher
	config BreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreakerFetcher wraps next.
func NewBreakerFetcher(next SubscriptionFetcher, config BreakerConfig) *BreakerFetcher {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &BreakerFetcher{next: next, config: config, now: time.Now, state: BreakerClosed}
}

// State returns the current state.
func (b *BreakerFetcher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *BreakerFetcher) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.config.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// FetchSubscription implements SubscriptionFetcher
func (b *BreakerFetcher) FetchSubscription(
	ctx context.Context, packageName, purchaseToken string,
) (*SubscriptionDetails, error) {
	b.mu.Lock()
	switch b.currentState() {
	case BreakerOpen:
		b.mu.Unlock()
		return nil, ErrBreakerOpen
	case BreakerHalfOpen:
		if b.state == BreakerHalfOpen {
			// A trial lookup is already in flight.
			b.mu.Unlock()
			return nil, ErrBreakerOpen
		}
		b.changeState(BreakerHalfOpen)
	}
	b.mu.Unlock()

	details, err := b.next.FetchSubscription(ctx, packageName, purchaseToken)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.failures = 0
		b.changeState(BreakerClosed)
	case errors.Is(err, context.Canceled):
		// The caller went away, so the trial proved nothing.
		if b.state == BreakerHalfOpen {
			b.changeState(BreakerOpen)
		}
	default:
		b.failures++
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
			b.changeState(BreakerOpen)
		}
	}
	return details, err
}

func (b *BreakerFetcher) changeState(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(state)
	}
}
