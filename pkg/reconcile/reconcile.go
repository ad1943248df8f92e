// Package reconcile runs the periodic sweeps that move subscriptions forward
// when no provider notification will: grace periods running out, expiry
// warnings before a non-renewing period ends, and idempotency ledger cleanup.
package reconcile

import (
	"context"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Task names, also used as metric labels and by the sweep command.
const (
	TaskGraceExpiry   = "grace_expiry"
	TaskExpiryWarning = "expiry_warning"
	TaskLedgerGC      = "ledger_gc"
)

// PeriodicTask is a unit of reconciliation work run on an interval.
// Run must be idempotent and safe to retry from the top.
type PeriodicTask interface {
	Name() string
	Interval() time.Duration
	// Run performs one pass and returns the number of records it processed.
	Run(ctx context.Context) (int, error)
}

// Config configures the sweeps.
type Config struct {
	// GraceExpiryInterval is how often expired grace periods are collected (default: 1h)
	GraceExpiryInterval time.Duration

	// ExpiryWarningInterval is how often expiry warnings are sent (default: 24h)
	ExpiryWarningInterval time.Duration

	// ExpiryWarningWindow is how far ahead of the period end users are warned (default: 3 days)
	ExpiryWarningWindow time.Duration

	// LedgerGCInterval is how often the idempotency ledger is cleaned (default: 24h)
	LedgerGCInterval time.Duration

	// LedgerRetention is how long ledger entries outlive their ended subscription (default: 30 days)
	LedgerRetention time.Duration

	// BatchSize caps the records handled per transaction (default and max: goentitle.MaxBatchSize)
	BatchSize int

	// Logger is used for structured logging (default: NoopLogger)
	Logger goentitle.Logger
}

// WithDefaults returns a copy of c with defaults applied.
func (c Config) WithDefaults() Config {
	if c.GraceExpiryInterval <= 0 {
		c.GraceExpiryInterval = time.Hour
	}
	if c.ExpiryWarningInterval <= 0 {
		c.ExpiryWarningInterval = 24 * time.Hour
	}
	if c.ExpiryWarningWindow <= 0 {
		c.ExpiryWarningWindow = 3 * 24 * time.Hour
	}
	if c.LedgerGCInterval <= 0 {
		c.LedgerGCInterval = 24 * time.Hour
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 || c.BatchSize > goentitle.MaxBatchSize {
		c.BatchSize = goentitle.MaxBatchSize
	}
	if c.Logger == nil {
		c.Logger = &goentitle.NoopLogger{}
	}
	return c
}

// Tasks returns every sweep configured for engine and storage.
func Tasks(engine *goentitle.Engine, storage goentitle.Storage, config Config) []PeriodicTask {
	return []PeriodicTask{
		NewGraceExpirySweep(engine, storage, config),
		NewExpiryWarningSweep(engine, storage, config),
		NewLedgerGCSweep(engine, storage, config),
	}
}
