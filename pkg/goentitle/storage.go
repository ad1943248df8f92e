package goentitle

import (
	"context"
	"time"
)

// MaxBatchSize caps the number of documents written by one sweep transaction.
const MaxBatchSize = 500

// Storage defines the interface for persisting subscriptions, the idempotency
// ledger and entitlements.
type Storage interface {
	// GetSubscription returns the subscription for a provider key, or ErrNotFound.
	GetSubscription(ctx context.Context, platform Platform, providerKey string) (*Subscription, error)

	// GetEntitlement returns the user's entitlement projection, or ErrNotFound.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// TransactionalApply runs fn inside a single atomic transaction. Either every
	// write staged through tx is committed or none is. Backends may run fn more
	// than once on contention, so fn must not have side effects outside tx.
	TransactionalApply(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListGraceExpired returns in_grace_period subscriptions whose grace period
	// ended at or before now.
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	// ListExpiryWarningCandidates returns active subscriptions that will not renew,
	// whose period ends within [from, to] and that have not been warned.
	ListExpiryWarningCandidates(ctx context.Context, from, to time.Time, limit int) ([]*Subscription, error)

	// MarkWarned atomically sets WarnedAt on the given subscriptions that are still
	// unwarned and returns the IDs it actually marked.
	MarkWarned(ctx context.Context, ids []string, at time.Time) ([]string, error)

	// PurgeProcessedEvents deletes ledger entries of subscriptions that ended
	// before the cutoff and returns how many were removed.
	PurgeProcessedEvents(ctx context.Context, endedBefore time.Time, limit int) (int, error)
}

// Tx is the view of storage available inside TransactionalApply.
// All reads must be issued before the first write.
type Tx interface {
	// GetSubscription returns the subscription for a provider key, or ErrNotFound.
	GetSubscription(ctx context.Context, platform Platform, providerKey string) (*Subscription, error)

	// ListOpenSubscriptions returns the user's subscriptions on a platform whose
	// status is pending, active, on_hold or in_grace_period.
	ListOpenSubscriptions(ctx context.Context, userID string, platform Platform) ([]*Subscription, error)

	// GetEntitlement returns the user's entitlement projection, or ErrNotFound.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// HasProcessedEvent reports whether a ledger entry exists for key.
	HasProcessedEvent(ctx context.Context, key string) (bool, error)

	// CreateIfAbsent stages the ledger entry. The transaction fails with
	// ErrDuplicateEvent if an entry with the same key exists at commit time.
	CreateIfAbsent(ctx context.Context, event *ProcessedEvent) error

	// PutSubscription stages a full write of the subscription.
	PutSubscription(ctx context.Context, sub *Subscription) error

	// PutEntitlement stages a full write of the entitlement.
	PutEntitlement(ctx context.Context, ent *Entitlement) error
}
