package goentitle

import "time"

// Metrics defines the interface for tracking lifecycle processing.
type Metrics interface {
	// RecordTransition records an applied transition.
	RecordTransition(platform Platform, from, to Status, event EventKind)

	// RecordDuplicate records an event short-circuited by the idempotency ledger.
	RecordDuplicate(platform Platform, event EventKind)

	// RecordAnomaly records an event with no edge from the current status.
	RecordAnomaly(platform Platform, status Status, event EventKind)

	// RecordTierChange records an effective tier change caused by a transition.
	RecordTierChange(platform Platform, fromTier, toTier string)

	// RecordSweep records one run of a reconciliation sweep.
	RecordSweep(task string, processed int, duration time.Duration, err error)

	// RecordNotification records a notification hand-off. status is "sent", "failed" or "dropped".
	RecordNotification(kind NotificationKind, status string)

	// RecordCacheHit records a read model cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a read model cache miss.
	RecordCacheMiss()
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(_ Platform, _, _ Status, _ EventKind)  {}
func (n *NoopMetrics) RecordDuplicate(_ Platform, _ EventKind)                {}
func (n *NoopMetrics) RecordAnomaly(_ Platform, _ Status, _ EventKind)        {}
func (n *NoopMetrics) RecordTierChange(_ Platform, _, _ string)               {}
func (n *NoopMetrics) RecordSweep(_ string, _ int, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordNotification(_ NotificationKind, _ string)        {}
func (n *NoopMetrics) RecordCacheHit()                                        {}
func (n *NoopMetrics) RecordCacheMiss()                                       {}
