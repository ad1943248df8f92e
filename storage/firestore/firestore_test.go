package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST.
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	return client
}

// newTestStorage returns storage on collections unique to the test run.
func newTestStorage(t *testing.T, client *firestore.Client) *Storage {
	t.Helper()
	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	s, err := New(client, Config{
		SubscriptionsCollection: "test_subs_" + suffix,
		LedgerCollection:        "test_ledger_" + suffix,
		EntitlementsCollection:  "test_ent_" + suffix,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngine(t *testing.T, s *Storage) (*goentitle.Engine, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	engine, err := goentitle.NewEngine(s, goentitle.Config{CacheTTL: -1, TimeSource: clock})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, clock
}

func TestNew_NilClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestFirestore_GetMissing(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()
	s := newTestStorage(t, client)
	ctx := context.Background()

	if _, err := s.GetSubscription(ctx, goentitle.PlatformAndroid, "missing"); !errors.Is(err, goentitle.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetEntitlement(ctx, "nobody"); !errors.Is(err, goentitle.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFirestore_EngineLifecycle(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()
	s := newTestStorage(t, client)
	engine, clock := newEngine(t, s)
	ctx := context.Background()

	_, err := engine.Apply(ctx, &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "pt-1", Kind: goentitle.EventPurchased,
		UserID: "user-1", Tier: "silver", OccurredAt: clock.now,
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	renewal := &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "pt-1", Kind: goentitle.EventRenewed,
		OccurredAt: clock.now.Add(time.Hour),
	}
	first, err := engine.Apply(ctx, renewal)
	if err != nil {
		t.Fatalf("renewal failed: %v", err)
	}
	second, err := engine.Apply(ctx, renewal)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if first.Outcome != goentitle.OutcomeApplied || second.Outcome != goentitle.OutcomeDuplicate {
		t.Errorf("Expected applied then duplicate, got %s and %s", first.Outcome, second.Outcome)
	}

	sub, err := s.GetSubscription(ctx, goentitle.PlatformAndroid, "pt-1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if want := clock.now.Add(60 * 24 * time.Hour); !sub.CurrentPeriodEnd.Equal(want) {
		t.Errorf("Expected period end %v, got %v", want, sub.CurrentPeriodEnd)
	}

	ent, err := s.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.Tier != "silver" || ent.Grants[goentitle.PlatformAndroid].SubscriptionID != sub.ID {
		t.Errorf("Unexpected entitlement: %+v", ent)
	}
}

func TestFirestore_ConcurrentDuplicates(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()
	s := newTestStorage(t, client)
	engine, clock := newEngine(t, s)
	ctx := context.Background()

	_, err := engine.Apply(ctx, &goentitle.Event{
		Platform: goentitle.PlatformIOS, ProviderKey: "otx-1", Kind: goentitle.EventPurchased,
		UserID: "user-1", Tier: "gold", OccurredAt: clock.now,
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	periodEnd := clock.now.Add(60 * 24 * time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[goentitle.Outcome]int{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := engine.Apply(ctx, &goentitle.Event{
				Platform: goentitle.PlatformIOS, ProviderKey: "otx-1", Kind: goentitle.EventRenewed,
				PeriodEnd: &periodEnd,
			})
			if err != nil {
				t.Errorf("Apply failed: %v", err)
				return
			}
			mu.Lock()
			outcomes[r.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[goentitle.OutcomeApplied] != 1 || outcomes[goentitle.OutcomeDuplicate] != 4 {
		t.Errorf("Expected 1 applied and 4 duplicates, got %v", outcomes)
	}
}

func TestFirestore_SweepQueries(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()
	s := newTestStorage(t, client)
	engine, clock := newEngine(t, s)
	ctx := context.Background()
	off := false

	for _, key := range []string{"grace", "warn"} {
		_, err := engine.Apply(ctx, &goentitle.Event{
			Platform: goentitle.PlatformAndroid, ProviderKey: key, Kind: goentitle.EventPurchased,
			UserID: "user-" + key, Tier: "silver", OccurredAt: clock.now,
		})
		if err != nil {
			t.Fatalf("purchase %s failed: %v", key, err)
		}
	}
	if _, err := engine.Apply(ctx, &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "grace", Kind: goentitle.EventEnteredGracePeriod,
		OccurredAt: clock.now,
	}); err != nil {
		t.Fatalf("grace failed: %v", err)
	}
	if _, err := engine.Apply(ctx, &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "warn", Kind: goentitle.EventRenewalStatusChanged,
		AutoRenew: &off, OccurredAt: clock.now,
	}); err != nil {
		t.Fatalf("renewal status failed: %v", err)
	}

	clock.advance(28 * 24 * time.Hour)
	now, _ := clock.Now(ctx)

	expired, err := s.ListGraceExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListGraceExpired failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ProviderKey != "grace" {
		t.Errorf("Expected the grace subscription, got %+v", expired)
	}

	candidates, err := s.ListExpiryWarningCandidates(ctx, now, now.Add(3*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpiryWarningCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ProviderKey != "warn" {
		t.Fatalf("Expected the non-renewing subscription, got %+v", candidates)
	}

	marked, err := s.MarkWarned(ctx, []string{candidates[0].ID}, now)
	if err != nil || len(marked) != 1 {
		t.Fatalf("Expected one marked, got %v (%v)", marked, err)
	}
	marked, err = s.MarkWarned(ctx, []string{candidates[0].ID}, now)
	if err != nil || len(marked) != 0 {
		t.Errorf("Expected nothing marked twice, got %v (%v)", marked, err)
	}
}

func TestFirestore_PurgeProcessedEvents(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()
	s := newTestStorage(t, client)
	engine, clock := newEngine(t, s)
	ctx := context.Background()

	for _, kind := range []goentitle.EventKind{goentitle.EventPurchased, goentitle.EventRefunded} {
		_, err := engine.Apply(ctx, &goentitle.Event{
			Platform: goentitle.PlatformAndroid, ProviderKey: "pt-1", Kind: kind,
			UserID: "user-1", Tier: "silver", OccurredAt: clock.now,
		})
		if err != nil {
			t.Fatalf("%s failed: %v", kind, err)
		}
	}

	purged, err := s.PurgeProcessedEvents(ctx, clock.now.Add(-time.Hour), 100)
	if err != nil || purged != 0 {
		t.Errorf("Expected nothing purged before cutoff, got %d (%v)", purged, err)
	}
	purged, err = s.PurgeProcessedEvents(ctx, clock.now.Add(time.Hour), 100)
	if err != nil || purged != 2 {
		t.Errorf("Expected 2 purged, got %d (%v)", purged, err)
	}
	purged, err = s.PurgeProcessedEvents(ctx, clock.now.Add(time.Hour), 100)
	if err != nil || purged != 0 {
		t.Errorf("Expected nothing left to purge, got %d (%v)", purged, err)
	}
}
