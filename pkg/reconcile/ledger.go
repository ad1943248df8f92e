package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// LedgerGCSweep purges idempotency ledger entries of subscriptions that ended
// more than LedgerRetention ago. Providers stop redelivering long before that.
type LedgerGCSweep struct {
	engine  *goentitle.Engine
	storage goentitle.Storage
	config  Config
}

// NewLedgerGCSweep creates the ledger cleanup sweep.
func NewLedgerGCSweep(engine *goentitle.Engine, storage goentitle.Storage, config Config) *LedgerGCSweep {
	return &LedgerGCSweep{engine: engine, storage: storage, config: config.WithDefaults()}
}

func (s *LedgerGCSweep) Name() string            { return TaskLedgerGC }
func (s *LedgerGCSweep) Interval() time.Duration { return s.config.LedgerGCInterval }

func (s *LedgerGCSweep) Run(ctx context.Context) (int, error) {
	cutoff := s.engine.Now(ctx).Add(-s.config.LedgerRetention)
	total := 0
	for {
		purged, err := s.storage.PurgeProcessedEvents(ctx, cutoff, s.config.BatchSize)
		total += purged
		if err != nil {
			return total, fmt.Errorf("purge processed events: %w", err)
		}
		if purged < s.config.BatchSize {
			return total, nil
		}
	}
}
