// Package firestore provides a Firestore implementation of the goentitle.Storage interface.
//
// Collections (names configurable):
//   - subscriptions: one document per subscription, keyed by goentitle.SubscriptionID
//   - processed_events: the idempotency ledger, keyed by the idempotency key
//   - entitlements: one projection document per user
//
// The sweep queries need composite indexes on subscriptions:
// (status, gracePeriodEnd), (status, cancelAtPeriodEnd, warnedAt, currentPeriodEnd)
// and (ledgerPurged, endedAt).
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	ledgerCollection        string
	entitlementsCollection  string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "subscriptions"
	SubscriptionsCollection string

	// LedgerCollection is the Firestore collection for processed events
	// Default: "processed_events"
	LedgerCollection string

	// EntitlementsCollection is the Firestore collection for user entitlements
	// Default: "entitlements"
	EntitlementsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.LedgerCollection == "" {
		config.LedgerCollection = "processed_events"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		ledgerCollection:        config.LedgerCollection,
		entitlementsCollection:  config.EntitlementsCollection,
	}, nil
}

func (s *Storage) subscriptionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(id)
}

func (s *Storage) ledgerDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgerCollection).Doc(key)
}

func (s *Storage) entitlementDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(userID)
}

// GetSubscription implements goentitle.Storage
func (s *Storage) GetSubscription(
	ctx context.Context, platform goentitle.Platform, providerKey string,
) (*goentitle.Subscription, error) {
	snap, err := s.subscriptionDoc(goentitle.SubscriptionID(platform, providerKey)).Get(ctx)
	return subscriptionFromSnapshot(snap, err)
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*goentitle.Entitlement, error) {
	snap, err := s.entitlementDoc(userID).Get(ctx)
	return entitlementFromSnapshot(userID, snap, err)
}

// TransactionalApply implements goentitle.Storage. Firestore retries fn on
// contention; a ledger document created concurrently fails the commit with
// goentitle.ErrDuplicateEvent.
func (s *Storage) TransactionalApply(
	ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error,
) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{storage: s, tx: tx})
	})
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.AlreadyExists {
		return goentitle.ErrDuplicateEvent
	}
	return err
}

// ListGraceExpired implements goentitle.Storage
func (s *Storage) ListGraceExpired(
	ctx context.Context, now time.Time, limit int,
) ([]*goentitle.Subscription, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(goentitle.StatusInGracePeriod)).
		Where("gracePeriodEnd", "<=", now).
		OrderBy("gracePeriodEnd", firestore.Asc).
		Limit(limit)
	return s.querySubscriptions(ctx, q)
}

// ListExpiryWarningCandidates implements goentitle.Storage
func (s *Storage) ListExpiryWarningCandidates(
	ctx context.Context, from, to time.Time, limit int,
) ([]*goentitle.Subscription, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(goentitle.StatusActive)).
		Where("cancelAtPeriodEnd", "==", true).
		Where("warnedAt", "==", nil).
		Where("currentPeriodEnd", ">=", from).
		Where("currentPeriodEnd", "<=", to).
		OrderBy("currentPeriodEnd", firestore.Asc).
		Limit(limit)
	return s.querySubscriptions(ctx, q)
}

// MarkWarned implements goentitle.Storage
func (s *Storage) MarkWarned(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, s.subscriptionDoc(id))
	}

	var marked []string
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		marked = marked[:0]
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if !snap.Exists() || snap.Data()["warnedAt"] != nil {
				continue
			}
			if err := tx.Update(snap.Ref, []firestore.Update{{Path: "warnedAt", Value: at}}); err != nil {
				return err
			}
			marked = append(marked, snap.Ref.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark warned: %w", err)
	}
	return marked, nil
}

// PurgeProcessedEvents implements goentitle.Storage
func (s *Storage) PurgeProcessedEvents(ctx context.Context, endedBefore time.Time, limit int) (int, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("ledgerPurged", "==", false).
		Where("endedAt", "<", endedBefore).
		Limit(limit)
	subs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query ended subscriptions: %w", err)
	}

	purged := 0
	for _, sub := range subs {
		if goentitle.Status(getString(sub.Data(), "status")).IsOpen() {
			continue
		}
		entries, err := s.client.Collection(s.ledgerCollection).
			Where("subscriptionId", "==", sub.Ref.ID).
			Documents(ctx).GetAll()
		if err != nil {
			return purged, fmt.Errorf("failed to query processed events: %w", err)
		}

		bw := s.client.BulkWriter(ctx)
		jobs := make([]*firestore.BulkWriterJob, 0, len(entries))
		for _, entry := range entries {
			job, err := bw.Delete(entry.Ref)
			if err != nil {
				bw.End()
				return purged, fmt.Errorf("failed to delete processed event: %w", err)
			}
			jobs = append(jobs, job)
		}
		bw.End()
		for _, job := range jobs {
			if _, err := job.Results(); err != nil {
				return purged, fmt.Errorf("failed to delete processed event: %w", err)
			}
			purged++
		}

		if _, err := sub.Ref.Update(ctx, []firestore.Update{{Path: "ledgerPurged", Value: true}}); err != nil {
			return purged, fmt.Errorf("failed to mark ledger purged: %w", err)
		}
	}
	return purged, nil
}

func (s *Storage) querySubscriptions(ctx context.Context, q firestore.Query) ([]*goentitle.Subscription, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	subs := make([]*goentitle.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		subs = append(subs, subscriptionFromData(snap.Ref.ID, snap.Data()))
	}
	return subs, nil
}

// firestoreTx implements goentitle.Tx on a Firestore transaction.
type firestoreTx struct {
	storage *Storage
	tx      *firestore.Transaction
}

func (t *firestoreTx) GetSubscription(
	_ context.Context, platform goentitle.Platform, providerKey string,
) (*goentitle.Subscription, error) {
	snap, err := t.tx.Get(t.storage.subscriptionDoc(goentitle.SubscriptionID(platform, providerKey)))
	return subscriptionFromSnapshot(snap, err)
}

func (t *firestoreTx) ListOpenSubscriptions(
	_ context.Context, userID string, platform goentitle.Platform,
) ([]*goentitle.Subscription, error) {
	open := make([]string, 0, len(goentitle.Statuses))
	for _, st := range goentitle.Statuses {
		if st.IsOpen() {
			open = append(open, string(st))
		}
	}
	q := t.storage.client.Collection(t.storage.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("platform", "==", string(platform)).
		Where("status", "in", open)
	snaps, err := t.tx.Documents(q).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list open subscriptions: %w", err)
	}
	subs := make([]*goentitle.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		subs = append(subs, subscriptionFromData(snap.Ref.ID, snap.Data()))
	}
	return subs, nil
}

func (t *firestoreTx) GetEntitlement(_ context.Context, userID string) (*goentitle.Entitlement, error) {
	snap, err := t.tx.Get(t.storage.entitlementDoc(userID))
	return entitlementFromSnapshot(userID, snap, err)
}

func (t *firestoreTx) HasProcessedEvent(_ context.Context, key string) (bool, error) {
	snap, err := t.tx.Get(t.storage.ledgerDoc(key))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get processed event: %w", err)
	}
	return snap.Exists(), nil
}

func (t *firestoreTx) CreateIfAbsent(_ context.Context, pe *goentitle.ProcessedEvent) error {
	return t.tx.Create(t.storage.ledgerDoc(pe.Key), map[string]interface{}{
		"providerKey":    pe.ProviderKey,
		"platform":       string(pe.Platform),
		"event":          string(pe.Event),
		"periodRef":      pe.PeriodRef,
		"subscriptionId": pe.SubscriptionID,
		"processedAt":    pe.ProcessedAt,
	})
}

func (t *firestoreTx) PutSubscription(_ context.Context, sub *goentitle.Subscription) error {
	return t.tx.Set(t.storage.subscriptionDoc(sub.ID), subscriptionData(sub))
}

func (t *firestoreTx) PutEntitlement(_ context.Context, ent *goentitle.Entitlement) error {
	return t.tx.Set(t.storage.entitlementDoc(ent.UserID), entitlementData(ent))
}

// Helper functions for conversion to and from Firestore data

func subscriptionData(sub *goentitle.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"userId":            sub.UserID,
		"platform":          string(sub.Platform),
		"tier":              sub.Tier,
		"productId":         sub.ProductID,
		"status":            string(sub.Status),
		"currentPeriodEnd":  sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"gracePeriodEnd":    timeOrNil(sub.GracePeriodEnd),
		"providerKey":       sub.ProviderKey,
		"refundedAt":        timeOrNil(sub.RefundedAt),
		"warnedAt":          timeOrNil(sub.WarnedAt),
		"endedAt":           timeOrNil(sub.EndedAt),
		"ledgerPurged":      false,
		"createdAt":         sub.CreatedAt,
		"updatedAt":         sub.UpdatedAt,
	}
}

func subscriptionFromSnapshot(snap *firestore.DocumentSnapshot, err error) (*goentitle.Subscription, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goentitle.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, goentitle.ErrNotFound
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

func subscriptionFromData(id string, data map[string]interface{}) *goentitle.Subscription {
	return &goentitle.Subscription{
		ID:                id,
		UserID:            getString(data, "userId"),
		Platform:          goentitle.Platform(getString(data, "platform")),
		Tier:              getString(data, "tier"),
		ProductID:         getString(data, "productId"),
		Status:            goentitle.Status(getString(data, "status")),
		CurrentPeriodEnd:  getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		GracePeriodEnd:    getTimePtr(data, "gracePeriodEnd"),
		ProviderKey:       getString(data, "providerKey"),
		RefundedAt:        getTimePtr(data, "refundedAt"),
		WarnedAt:          getTimePtr(data, "warnedAt"),
		EndedAt:           getTimePtr(data, "endedAt"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func entitlementData(ent *goentitle.Entitlement) map[string]interface{} {
	grants := make(map[string]interface{}, len(ent.Grants))
	for platform, g := range ent.Grants {
		grants[string(platform)] = map[string]interface{}{
			"subscriptionId": g.SubscriptionID,
			"tier":           g.Tier,
			"status":         string(g.Status),
			"until":          timeOrNil(g.Until),
		}
	}
	return map[string]interface{}{
		"grants":    grants,
		"tier":      ent.Tier,
		"updatedAt": ent.UpdatedAt,
	}
}

func entitlementFromSnapshot(userID string, snap *firestore.DocumentSnapshot, err error) (*goentitle.Entitlement, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goentitle.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, goentitle.ErrNotFound
	}

	data := snap.Data()
	ent := &goentitle.Entitlement{
		UserID:    userID,
		Grants:    map[goentitle.Platform]goentitle.Grant{},
		Tier:      getString(data, "tier"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
	grants, _ := data["grants"].(map[string]interface{})
	for platform, raw := range grants {
		g, ok := raw.(map[string]interface{})
		if !ok {
			return nil, errors.New("failed to decode entitlement grant")
		}
		ent.Grants[goentitle.Platform(platform)] = goentitle.Grant{
			SubscriptionID: getString(g, "subscriptionId"),
			Tier:           getString(g, "tier"),
			Status:         goentitle.Status(getString(g, "status")),
			Until:          getTimePtr(g, "until"),
		}
	}
	return ent, nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok {
		return nil
	}
	v = v.UTC()
	return &v
}
