package goentitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxApplyAttempts = 3

// Config configures an Engine.
type Config struct {
	// GraceWindow is the length of a grace period (default: 7 days)
	GraceWindow time.Duration

	// BillingPeriod extends a period when the provider does not report its end (default: 30 days)
	BillingPeriod time.Duration

	// Tiers decides what each subscription grants
	Tiers TierPolicy

	// CacheTTL is how long GetEffectiveTier may serve a cached projection (default: 30s).
	// A negative value disables caching.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached users (default: 10000)
	CacheSize int

	// Dispatcher receives notifications after each committed transaction (default: NoopDispatcher)
	Dispatcher Dispatcher

	// TimeSource overrides the clock. If nil and the storage implements TimeSource it is used.
	TimeSource TimeSource

	// Metrics is used for tracking transitions (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Engine applies canonical events to subscriptions and maintains entitlements.
type Engine struct {
	storage    Storage
	config     Config
	policy     Policy
	tiers      TierPolicy
	cache      Cache
	group      singleflight.Group
	dispatcher Dispatcher
	timeSource TimeSource
	metrics    Metrics
	logger     Logger
}

// NewEngine creates a new engine with the given storage and configuration.
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.GraceWindow == 0 {
		config.GraceWindow = 7 * 24 * time.Hour
	}
	if config.BillingPeriod == 0 {
		config.BillingPeriod = 30 * 24 * time.Hour
	}
	if config.GraceWindow < 0 || config.BillingPeriod < 0 {
		return nil, fmt.Errorf("grace window and billing period must be positive")
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 30 * time.Second
	}
	if config.Tiers.DefaultTier == "" {
		config.Tiers.DefaultTier = DefaultTier
	}
	if config.Dispatcher == nil {
		config.Dispatcher = NoopDispatcher{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	timeSource := config.TimeSource
	if timeSource == nil {
		if ts, ok := storage.(TimeSource); ok {
			timeSource = ts
		}
	}

	var cache Cache = NoopCache{}
	if config.CacheTTL > 0 {
		cache = NewLRUCache(config.CacheSize)
	}

	return &Engine{
		storage: storage,
		config:  config,
		policy: Policy{
			GraceWindow:   config.GraceWindow,
			BillingPeriod: config.BillingPeriod,
		},
		tiers:      config.Tiers,
		cache:      cache,
		dispatcher: config.Dispatcher,
		timeSource: timeSource,
		metrics:    config.Metrics,
		logger:     config.Logger,
	}, nil
}

// Now returns the engine's notion of the current time.
func (e *Engine) Now(ctx context.Context) time.Time {
	if e.timeSource != nil {
		if t, err := e.timeSource.Now(ctx); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// Tiers returns the tier policy in use.
func (e *Engine) Tiers() TierPolicy {
	return e.tiers
}

// Apply applies a single event. Duplicates, ignored events and anomalies are
// reported through Result.Outcome with a nil error. An unknown provider key for
// any event other than purchased returns ErrNotFound.
func (e *Engine) Apply(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil {
		return nil, ErrMalformedEvent
	}
	if err := validateEvent(ev); err != nil {
		return nil, wrapEventError(ev, err)
	}
	if ev.Kind == EventIgnored {
		e.logger.Debug("ignoring event", eventFields(ev)...)
		return &Result{Event: ev, Outcome: OutcomeIgnored}, nil
	}

	results, err := e.apply(ctx, []*Event{ev})
	if err != nil {
		return nil, wrapEventError(ev, err)
	}
	r := results[0]
	if r.Outcome == OutcomeNotFound {
		return r, wrapEventError(ev, ErrNotFound)
	}
	return r, nil
}

// ApplyBatch applies events in one transaction through the same path as Apply.
// Events must address distinct subscriptions and at most MaxBatchSize of them.
func (e *Engine) ApplyBatch(ctx context.Context, events []*Event) ([]*Result, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if len(events) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", ErrMalformedEvent, len(events), MaxBatchSize)
	}

	seen := make(map[string]struct{}, len(events))
	pending := make([]*Event, 0, len(events))
	results := make([]*Result, len(events))
	index := make([]int, 0, len(events))
	for i, ev := range events {
		if ev == nil {
			return nil, ErrMalformedEvent
		}
		if err := validateEvent(ev); err != nil {
			return nil, wrapEventError(ev, err)
		}
		id := SubscriptionID(ev.Platform, ev.ProviderKey)
		if _, dup := seen[id]; dup {
			return nil, wrapEventError(ev, fmt.Errorf("%w: subscription appears twice in batch", ErrMalformedEvent))
		}
		seen[id] = struct{}{}
		if ev.Kind == EventIgnored {
			results[i] = &Result{Event: ev, Outcome: OutcomeIgnored}
			continue
		}
		pending = append(pending, ev)
		index = append(index, i)
	}

	applied, err := e.apply(ctx, pending)
	if err != nil {
		return nil, err
	}
	for j, r := range applied {
		results[index[j]] = r
	}
	return results, nil
}

// GetSubscription returns the stored subscription for a provider key.
func (e *Engine) GetSubscription(ctx context.Context, platform Platform, providerKey string) (*Subscription, error) {
	return e.storage.GetSubscription(ctx, platform, providerKey)
}

// GetEntitlement returns the user's entitlement projection, or ErrNotFound.
func (e *Engine) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	if ent, ok := e.cache.Get(userID); ok {
		e.metrics.RecordCacheHit()
		if ent == nil {
			return nil, ErrNotFound
		}
		return ent, nil
	}
	e.metrics.RecordCacheMiss()

	v, err, _ := e.group.Do(userID, func() (interface{}, error) {
		ent, err := e.storage.GetEntitlement(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			e.cache.Set(userID, nil, e.config.CacheTTL)
			return (*Entitlement)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		e.cache.Set(userID, ent, e.config.CacheTTL)
		return ent, nil
	})
	if err != nil {
		return nil, err
	}
	ent, _ := v.(*Entitlement)
	if ent == nil {
		return nil, ErrNotFound
	}
	return ent.Clone(), nil
}

// GetEffectiveTier returns the tier the user is entitled to right now.
func (e *Engine) GetEffectiveTier(ctx context.Context, userID string) (string, error) {
	ent, err := e.GetEntitlement(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return e.tiers.UserTier(ent, e.Now(ctx)), nil
}

// Dispatch hands notifications to the configured dispatcher.
func (e *Engine) Dispatch(ctx context.Context, notifications ...Notification) {
	ctx = context.WithoutCancel(ctx)
	for _, n := range notifications {
		e.dispatcher.Notify(ctx, n)
	}
}

func validateEvent(ev *Event) error {
	switch ev.Platform {
	case PlatformAndroid, PlatformIOS:
	default:
		return fmt.Errorf("%w: unknown platform %q", ErrMalformedEvent, ev.Platform)
	}
	if ev.ProviderKey == "" {
		return fmt.Errorf("%w: missing provider key", ErrMalformedEvent)
	}
	if ev.Kind == EventIgnored {
		return nil
	}
	for _, k := range EventKinds {
		if k == ev.Kind {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, ev.Kind)
}

// txOutput is what one run of the transaction function produced.
type txOutput struct {
	results       []*Result
	notifications []Notification
	users         []string
}

func (e *Engine) apply(ctx context.Context, events []*Event) ([]*Result, error) {
	now := e.Now(ctx)

	var out *txOutput
	var err error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		err = e.storage.TransactionalApply(ctx, func(ctx context.Context, tx Tx) error {
			o, txErr := e.runTx(ctx, tx, events, now)
			if txErr != nil {
				return txErr
			}
			out = o
			return nil
		})
		if !errors.Is(err, ErrDuplicateEvent) {
			break
		}
		// A concurrent delivery committed the same ledger key; the next attempt
		// observes it during the read phase.
	}
	if err != nil {
		return nil, classifyStoreError(err)
	}

	e.afterCommit(ctx, out)
	return out.results, nil
}

func classifyStoreError(err error) error {
	switch {
	case errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrInvariantViolation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTransientStore):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransientStore, err)
	}
}

type eventPlan struct {
	ev      *Event
	current *Subscription
	key     string
	ref     time.Time
	others  []*Subscription
	result  *Result
}

// runTx performs every read, computes all transitions in memory, then stages
// every write. It has no side effects outside tx so backends may retry it.
func (e *Engine) runTx(ctx context.Context, tx Tx, events []*Event, now time.Time) (*txOutput, error) {
	plans := make([]*eventPlan, 0, len(events))
	userIDs := make([]string, 0, len(events))
	userSeen := make(map[string]struct{})
	addUser := func(id string) {
		if _, ok := userSeen[id]; !ok {
			userSeen[id] = struct{}{}
			userIDs = append(userIDs, id)
		}
	}

	// Read phase.
	for _, ev := range events {
		p := &eventPlan{ev: ev}
		plans = append(plans, p)

		sub, err := tx.GetSubscription(ctx, ev.Platform, ev.ProviderKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if sub == nil && ev.Kind != EventPurchased {
			p.result = &Result{Event: ev, Outcome: OutcomeNotFound}
			continue
		}
		if sub == nil {
			if ev.UserID == "" {
				return nil, wrapEventError(ev, fmt.Errorf("%w: purchase without user id", ErrMalformedEvent))
			}
			if ev.Tier == "" {
				return nil, wrapEventError(ev, fmt.Errorf("%w: purchase without tier", ErrMalformedEvent))
			}
		}
		p.current = sub

		p.ref = PeriodRef(ev, sub)
		p.key = IdempotencyKey(ev, p.ref)
		processed, err := tx.HasProcessedEvent(ctx, p.key)
		if err != nil {
			return nil, err
		}
		if processed {
			p.result = &Result{Event: ev, Outcome: OutcomeDuplicate, Subscription: sub.Clone()}
			continue
		}

		userID := ev.UserID
		if sub != nil {
			userID = sub.UserID
		}
		if ev.Kind == EventPurchased || ev.Kind == EventRestarted {
			others, err := tx.ListOpenSubscriptions(ctx, userID, ev.Platform)
			if err != nil {
				return nil, err
			}
			p.others = others
		}
		addUser(userID)
	}

	ents := make(map[string]*Entitlement, len(userIDs))
	for _, id := range userIDs {
		ent, err := tx.GetEntitlement(ctx, id)
		if errors.Is(err, ErrNotFound) {
			ent = &Entitlement{UserID: id, Grants: map[Platform]Grant{}, Tier: e.tiers.defaultTier()}
		} else if err != nil {
			return nil, err
		}
		ents[id] = ent
	}

	// Compute phase.
	staged := make(map[string]*Subscription)
	var stagedOrder []string
	stage := func(s *Subscription) {
		if _, ok := staged[s.ID]; !ok {
			stagedOrder = append(stagedOrder, s.ID)
		}
		staged[s.ID] = s
	}
	latestOf := func(s *Subscription) *Subscription {
		if st, ok := staged[s.ID]; ok {
			return st
		}
		return s
	}

	var ledger []*ProcessedEvent
	changedEnts := make(map[string]bool)
	out := &txOutput{}

	for _, p := range plans {
		if p.result != nil {
			out.results = append(out.results, p.result)
			continue
		}
		ev := p.ev

		current := p.current
		if current == nil {
			current = &Subscription{
				ID:          SubscriptionID(ev.Platform, ev.ProviderKey),
				UserID:      ev.UserID,
				Platform:    ev.Platform,
				Tier:        ev.Tier,
				ProductID:   ev.ProductID,
				Status:      StatusPending,
				ProviderKey: ev.ProviderKey,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		} else {
			current = latestOf(current)
		}

		tierBefore := e.tiers.EffectiveTier(current, now)
		next, err := Transition(current, ev, now, e.policy)
		if errors.Is(err, ErrUnhandledTransition) {
			out.results = append(out.results, &Result{
				Event:        ev,
				Outcome:      OutcomeAnomaly,
				Subscription: current.Clone(),
				FromStatus:   current.Status,
				TierBefore:   tierBefore,
				TierAfter:    tierBefore,
			})
			continue
		}
		if err != nil {
			return nil, wrapEventError(ev, err)
		}

		ent := ents[next.UserID]
		for _, other := range p.others {
			other = latestOf(other)
			if other.ID == next.ID || !other.Status.IsOpen() {
				continue
			}
			superseded := other.Clone()
			superseded.Status = StatusExpired
			superseded.GracePeriodEnd = nil
			superseded.EndedAt = timePtr(now)
			superseded.UpdatedAt = now
			stage(superseded)
			if e.tiers.applyGrant(ent, superseded, now) {
				changedEnts[ent.UserID] = true
			}
		}

		stage(next)
		ledger = append(ledger, &ProcessedEvent{
			Key:            p.key,
			ProviderKey:    ev.ProviderKey,
			Platform:       ev.Platform,
			Event:          ev.Kind,
			PeriodRef:      p.ref,
			SubscriptionID: next.ID,
			ProcessedAt:    now,
		})
		if e.tiers.applyGrant(ent, next, now) {
			changedEnts[ent.UserID] = true
		}

		out.results = append(out.results, &Result{
			Event:        ev,
			Outcome:      OutcomeApplied,
			Subscription: next.Clone(),
			FromStatus:   current.Status,
			TierBefore:   tierBefore,
			TierAfter:    e.tiers.EffectiveTier(next, now),
		})
		if n, ok := notificationFor(current, next, ev.Kind, now); ok {
			out.notifications = append(out.notifications, n)
		}
	}

	// Write phase.
	for _, pe := range ledger {
		if err := tx.CreateIfAbsent(ctx, pe); err != nil {
			return nil, err
		}
	}
	for _, id := range stagedOrder {
		if err := tx.PutSubscription(ctx, staged[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range userIDs {
		if !changedEnts[id] {
			continue
		}
		if err := tx.PutEntitlement(ctx, ents[id]); err != nil {
			return nil, err
		}
		out.users = append(out.users, id)
	}

	return out, nil
}

func (e *Engine) afterCommit(ctx context.Context, out *txOutput) {
	for _, id := range out.users {
		e.cache.Invalidate(id)
	}

	for _, r := range out.results {
		ev := r.Event
		switch r.Outcome {
		case OutcomeApplied:
			e.metrics.RecordTransition(ev.Platform, r.FromStatus, r.Subscription.Status, ev.Kind)
			if r.TierBefore != r.TierAfter {
				e.metrics.RecordTierChange(ev.Platform, r.TierBefore, r.TierAfter)
			}
			e.logger.Info("subscription transition applied", append(eventFields(ev),
				Field{Key: "from", Value: string(r.FromStatus)},
				Field{Key: "to", Value: string(r.Subscription.Status)},
				Field{Key: "tier", Value: r.TierAfter},
			)...)
		case OutcomeDuplicate:
			e.metrics.RecordDuplicate(ev.Platform, ev.Kind)
			e.logger.Debug("duplicate event skipped", eventFields(ev)...)
		case OutcomeAnomaly:
			e.metrics.RecordAnomaly(ev.Platform, r.FromStatus, ev.Kind)
			e.logger.Warn("unhandled transition anomaly", append(eventFields(ev),
				Field{Key: "status", Value: string(r.FromStatus)},
			)...)
		}
	}

	e.Dispatch(ctx, out.notifications...)
}
