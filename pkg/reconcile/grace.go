package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// sweepProviderType marks events generated by a sweep rather than a provider.
const sweepProviderType = "sweep"

// GraceExpirySweep expires subscriptions whose grace period has ended. It goes
// through Engine.ApplyBatch so the result is the same as an expired notification.
type GraceExpirySweep struct {
	engine  *goentitle.Engine
	storage goentitle.Storage
	config  Config
}

// NewGraceExpirySweep creates the grace period expiry sweep.
func NewGraceExpirySweep(engine *goentitle.Engine, storage goentitle.Storage, config Config) *GraceExpirySweep {
	return &GraceExpirySweep{engine: engine, storage: storage, config: config.WithDefaults()}
}

func (s *GraceExpirySweep) Name() string            { return TaskGraceExpiry }
func (s *GraceExpirySweep) Interval() time.Duration { return s.config.GraceExpiryInterval }

// Run expires every subscription whose grace period ended at or before now.
func (s *GraceExpirySweep) Run(ctx context.Context) (int, error) {
	now := s.engine.Now(ctx)
	expired := 0

	for {
		subs, err := s.storage.ListGraceExpired(ctx, now, s.config.BatchSize)
		if err != nil {
			return expired, fmt.Errorf("list grace expired: %w", err)
		}
		if len(subs) == 0 {
			return expired, nil
		}

		events := make([]*goentitle.Event, 0, len(subs))
		for _, sub := range subs {
			events = append(events, &goentitle.Event{
				Platform:     sub.Platform,
				ProviderKey:  sub.ProviderKey,
				Kind:         goentitle.EventExpired,
				ProviderType: sweepProviderType,
			})
		}

		results, err := s.engine.ApplyBatch(ctx, events)
		if err != nil {
			return expired, fmt.Errorf("apply grace expiry batch: %w", err)
		}
		applied := 0
		for _, r := range results {
			if r.Outcome == goentitle.OutcomeApplied {
				applied++
			}
		}
		expired += applied

		// Nothing moved, so the next listing would return the same rows.
		if applied == 0 || len(subs) < s.config.BatchSize {
			return expired, nil
		}
	}
}
