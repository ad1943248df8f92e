// Package memory provides an in-memory implementation of the goentitle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// ErrReadAfterWrite is returned when a transaction reads after staging a write.
// Firestore rejects such transactions, so the memory backend does too.
var ErrReadAfterWrite = errors.New("transaction read after write")

// Storage implements goentitle.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*goentitle.Subscription
	byProviderKey map[string]string
	ledger        map[string]*goentitle.ProcessedEvent
	entitlements  map[string]*goentitle.Entitlement

	// failNext makes the next transaction fail with the given error (tests only)
	failNext error
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*goentitle.Subscription),
		byProviderKey: make(map[string]string),
		ledger:        make(map[string]*goentitle.ProcessedEvent),
		entitlements:  make(map[string]*goentitle.Entitlement),
	}
}

func providerKey(platform goentitle.Platform, key string) string {
	return string(platform) + ":" + key
}

// GetSubscription implements goentitle.Storage
func (s *Storage) GetSubscription(
	_ context.Context, platform goentitle.Platform, key string,
) (*goentitle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSubscription(platform, key)
}

func (s *Storage) getSubscription(platform goentitle.Platform, key string) (*goentitle.Subscription, error) {
	id, ok := s.byProviderKey[providerKey(platform, key)]
	if !ok {
		return nil, goentitle.ErrNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(_ context.Context, userID string) (*goentitle.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, goentitle.ErrNotFound
	}
	return ent.Clone(), nil
}

// TransactionalApply implements goentitle.Storage. Transactions are serialized
// and staged writes are applied only when fn returns nil.
func (s *Storage) TransactionalApply(
	ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	tx := &memoryTx{
		s:             s,
		subscriptions: make(map[string]*goentitle.Subscription),
		ledger:        make(map[string]*goentitle.ProcessedEvent),
		entitlements:  make(map[string]*goentitle.Entitlement),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for key, pe := range tx.ledger {
		if _, exists := s.ledger[key]; exists {
			return goentitle.ErrDuplicateEvent
		}
		s.ledger[key] = pe
	}
	for id, sub := range tx.subscriptions {
		s.subscriptions[id] = sub
		s.byProviderKey[providerKey(sub.Platform, sub.ProviderKey)] = id
	}
	for userID, ent := range tx.entitlements {
		s.entitlements[userID] = ent
	}
	return nil
}

// FailNextTransaction makes the next TransactionalApply return err without
// running it. It is intended for tests that exercise storage failures.
func (s *Storage) FailNextTransaction(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// ListGraceExpired implements goentitle.Storage
func (s *Storage) ListGraceExpired(
	_ context.Context, now time.Time, limit int,
) ([]*goentitle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goentitle.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status != goentitle.StatusInGracePeriod || sub.GracePeriodEnd == nil {
			continue
		}
		if sub.GracePeriodEnd.After(now) {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GracePeriodEnd.Before(*out[j].GracePeriodEnd)
	})
	return truncate(out, limit), nil
}

// ListExpiryWarningCandidates implements goentitle.Storage
func (s *Storage) ListExpiryWarningCandidates(
	_ context.Context, from, to time.Time, limit int,
) ([]*goentitle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goentitle.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status != goentitle.StatusActive || !sub.CancelAtPeriodEnd || sub.WarnedAt != nil {
			continue
		}
		if sub.CurrentPeriodEnd.Before(from) || sub.CurrentPeriodEnd.After(to) {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
	})
	return truncate(out, limit), nil
}

// MarkWarned implements goentitle.Storage
func (s *Storage) MarkWarned(_ context.Context, ids []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		sub, ok := s.subscriptions[id]
		if !ok || sub.WarnedAt != nil {
			continue
		}
		updated := sub.Clone()
		warnedAt := at
		updated.WarnedAt = &warnedAt
		s.subscriptions[id] = updated
		marked = append(marked, id)
	}
	return marked, nil
}

// PurgeProcessedEvents implements goentitle.Storage
func (s *Storage) PurgeProcessedEvents(_ context.Context, endedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, pe := range s.ledger {
		if limit > 0 && purged >= limit {
			break
		}
		sub, ok := s.subscriptions[pe.SubscriptionID]
		if !ok || sub.Status.IsOpen() || sub.EndedAt == nil || !sub.EndedAt.Before(endedBefore) {
			continue
		}
		delete(s.ledger, key)
		purged++
	}
	return purged, nil
}

// ProcessedEventCount returns the number of ledger entries.
func (s *Storage) ProcessedEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

func truncate(subs []*goentitle.Subscription, limit int) []*goentitle.Subscription {
	if limit > 0 && len(subs) > limit {
		return subs[:limit]
	}
	return subs
}

// memoryTx stages writes until TransactionalApply commits them. The parent
// storage lock is held for the lifetime of the transaction.
type memoryTx struct {
	s             *Storage
	wrote         bool
	subscriptions map[string]*goentitle.Subscription
	ledger        map[string]*goentitle.ProcessedEvent
	entitlements  map[string]*goentitle.Entitlement
}

func (tx *memoryTx) read() error {
	if tx.wrote {
		return ErrReadAfterWrite
	}
	return nil
}

func (tx *memoryTx) GetSubscription(
	_ context.Context, platform goentitle.Platform, key string,
) (*goentitle.Subscription, error) {
	if err := tx.read(); err != nil {
		return nil, err
	}
	return tx.s.getSubscription(platform, key)
}

func (tx *memoryTx) ListOpenSubscriptions(
	_ context.Context, userID string, platform goentitle.Platform,
) ([]*goentitle.Subscription, error) {
	if err := tx.read(); err != nil {
		return nil, err
	}
	var out []*goentitle.Subscription
	for _, sub := range tx.s.subscriptions {
		if sub.UserID == userID && sub.Platform == platform && sub.Status.IsOpen() {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) GetEntitlement(_ context.Context, userID string) (*goentitle.Entitlement, error) {
	if err := tx.read(); err != nil {
		return nil, err
	}
	ent, ok := tx.s.entitlements[userID]
	if !ok {
		return nil, goentitle.ErrNotFound
	}
	return ent.Clone(), nil
}

func (tx *memoryTx) HasProcessedEvent(_ context.Context, key string) (bool, error) {
	if err := tx.read(); err != nil {
		return false, err
	}
	_, ok := tx.s.ledger[key]
	return ok, nil
}

func (tx *memoryTx) CreateIfAbsent(_ context.Context, pe *goentitle.ProcessedEvent) error {
	tx.wrote = true
	if pe == nil || pe.Key == "" {
		return fmt.Errorf("invalid processed event")
	}
	if _, ok := tx.s.ledger[pe.Key]; ok {
		return goentitle.ErrDuplicateEvent
	}
	if _, ok := tx.ledger[pe.Key]; ok {
		return goentitle.ErrDuplicateEvent
	}
	c := *pe
	tx.ledger[pe.Key] = &c
	return nil
}

func (tx *memoryTx) PutSubscription(_ context.Context, sub *goentitle.Subscription) error {
	tx.wrote = true
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	tx.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (tx *memoryTx) PutEntitlement(_ context.Context, ent *goentitle.Entitlement) error {
	tx.wrote = true
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}
	tx.entitlements[ent.UserID] = ent.Clone()
	return nil
}

// PutSubscription stores a subscription outside of a transaction. It is intended
// for seeding fixtures.
func (s *Storage) PutSubscription(_ context.Context, sub *goentitle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub.Clone()
	s.byProviderKey[providerKey(sub.Platform, sub.ProviderKey)] = sub.ID
	return nil
}
