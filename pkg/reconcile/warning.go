package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// ExpiryWarningSweep warns users whose non-renewing subscription ends soon.
// Each subscription is warned once per period.
type ExpiryWarningSweep struct {
	engine  *goentitle.Engine
	storage goentitle.Storage
	config  Config
}

// NewExpiryWarningSweep creates the expiry warning sweep.
func NewExpiryWarningSweep(engine *goentitle.Engine, storage goentitle.Storage, config Config) *ExpiryWarningSweep {
	return &ExpiryWarningSweep{engine: engine, storage: storage, config: config.WithDefaults()}
}

func (s *ExpiryWarningSweep) Name() string            { return TaskExpiryWarning }
func (s *ExpiryWarningSweep) Interval() time.Duration { return s.config.ExpiryWarningInterval }

// Run marks and notifies every candidate ending within the warning window.
// Only subscriptions this run managed to mark are notified, so overlapping
// runs never warn twice.
func (s *ExpiryWarningSweep) Run(ctx context.Context) (int, error) {
	now := s.engine.Now(ctx)
	until := now.Add(s.config.ExpiryWarningWindow)
	warned := 0

	for {
		subs, err := s.storage.ListExpiryWarningCandidates(ctx, now, until, s.config.BatchSize)
		if err != nil {
			return warned, fmt.Errorf("list expiry warning candidates: %w", err)
		}
		if len(subs) == 0 {
			return warned, nil
		}

		ids := make([]string, 0, len(subs))
		for _, sub := range subs {
			ids = append(ids, sub.ID)
		}
		marked, err := s.storage.MarkWarned(ctx, ids, now)
		if err != nil {
			return warned, fmt.Errorf("mark warned: %w", err)
		}

		markedSet := make(map[string]struct{}, len(marked))
		for _, id := range marked {
			markedSet[id] = struct{}{}
		}
		notifications := make([]goentitle.Notification, 0, len(marked))
		for _, sub := range subs {
			if _, ok := markedSet[sub.ID]; !ok {
				continue
			}
			notifications = append(notifications, goentitle.Notification{
				UserID:         sub.UserID,
				SubscriptionID: sub.ID,
				Platform:       sub.Platform,
				CreatedAt:      now,
				Payload:        goentitle.ExpiryWarning{Tier: sub.Tier, PeriodEnd: sub.CurrentPeriodEnd},
			})
		}
		s.engine.Dispatch(ctx, notifications...)
		warned += len(notifications)

		if len(marked) == 0 || len(subs) < s.config.BatchSize {
			return warned, nil
		}
	}
}
