package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const testUserID = "user123"

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

// Helper to create a test engine
func newTestEngine(t *testing.T) (*goentitle.Engine, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	engine, err := goentitle.NewEngine(memory.New(), goentitle.Config{
		CacheTTL:   -1,
		TimeSource: clock,
		Tiers: goentitle.TierPolicy{
			DefaultTier: "basic",
			Weights:     map[string]int{"silver": 1, "gold": 2},
		},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, clock
}

func purchase(t *testing.T, engine *goentitle.Engine, platform goentitle.Platform, key, tier string) {
	t.Helper()
	_, err := engine.Apply(context.Background(), &goentitle.Event{
		Platform: platform, ProviderKey: key, Kind: goentitle.EventPurchased,
		UserID: testUserID, Tier: tier,
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
}

func serve(t *testing.T, handler *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/entitlements/{userID}", handler.GetEntitlement)
	req := httptest.NewRequest("GET", path, http.NoBody)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) EntitlementResponse {
	t.Helper()
	var response EntitlementResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return response
}

func TestNewHandler_RequiresEngine(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for missing engine")
	}
}

func TestHandler_GetEntitlement_UnknownUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler, err := NewHandler(Config{Engine: engine})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := serve(t, handler, "/v1/entitlements/nobody")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	response := decode(t, w)
	if response.UserID != "nobody" || response.Tier != "basic" {
		t.Errorf("Expected default tier for unknown user, got %+v", response)
	}
	if len(response.Grants) != 0 || response.UpdatedAt != nil {
		t.Errorf("Expected no grants, got %+v", response)
	}
}

func TestHandler_GetEntitlement_HighestTierAcrossPlatforms(t *testing.T) {
	engine, _ := newTestEngine(t)
	purchase(t, engine, goentitle.PlatformAndroid, "pt-1", "silver")
	purchase(t, engine, goentitle.PlatformIOS, "otx-1", "gold")

	handler, err := NewHandler(Config{Engine: engine})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := serve(t, handler, "/v1/entitlements/"+testUserID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Expected no-store, got %q", cc)
	}

	response := decode(t, w)
	if response.Tier != "gold" {
		t.Errorf("Expected tier 'gold', got %s", response.Tier)
	}
	android, ok := response.Grants["android"]
	if !ok {
		t.Fatal("Expected android grant in response")
	}
	if android.Tier != "silver" || android.Status != "active" || !android.Active {
		t.Errorf("Unexpected android grant: %+v", android)
	}
	if android.SubscriptionID != goentitle.SubscriptionID(goentitle.PlatformAndroid, "pt-1") {
		t.Errorf("Unexpected subscription id %s", android.SubscriptionID)
	}
	if _, ok := response.Grants["ios"]; !ok {
		t.Error("Expected ios grant in response")
	}
}

func TestHandler_GetEntitlement_LapsedGrant(t *testing.T) {
	engine, clock := newTestEngine(t)
	purchase(t, engine, goentitle.PlatformAndroid, "pt-1", "silver")

	off := false
	_, err := engine.Apply(context.Background(), &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "pt-1",
		Kind: goentitle.EventRenewalStatusChanged, AutoRenew: &off, OccurredAt: clock.now,
	})
	if err != nil {
		t.Fatalf("renewal status change failed: %v", err)
	}

	handler, err := NewHandler(Config{Engine: engine})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	response := decode(t, serve(t, handler, "/v1/entitlements/"+testUserID))
	grant := response.Grants["android"]
	if response.Tier != "silver" || grant.Until == nil || !grant.Active {
		t.Errorf("Expected silver until period end, got %+v", response)
	}

	clock.advance(31 * 24 * time.Hour)

	response = decode(t, serve(t, handler, "/v1/entitlements/"+testUserID))
	grant = response.Grants["android"]
	if response.Tier != "basic" || grant.Active || grant.Tier != "basic" {
		t.Errorf("Expected grant to lapse after period end, got %+v", response)
	}
}

func TestHandler_GetEntitlement_MissingUserID(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler, err := NewHandler(Config{Engine: engine, GetUserID: FromHeader("X-User-ID")})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/entitlements/me", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestHandler_GetEntitlement_UserIDTooLong(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler, err := NewHandler(Config{Engine: engine})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := serve(t, handler, "/v1/entitlements/"+strings.Repeat("a", maxUserIDLen+1))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_GetEntitlement_FromContext(t *testing.T) {
	type ctxKey struct{}
	engine, _ := newTestEngine(t)
	purchase(t, engine, goentitle.PlatformIOS, "otx-1", "gold")

	handler, err := NewHandler(Config{Engine: engine, GetUserID: FromContext(ctxKey{})})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("GET", "/me", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	w := httptest.NewRecorder()
	handler.GetEntitlement(w, req)

	if response := decode(t, w); response.Tier != "gold" {
		t.Errorf("Expected tier 'gold', got %s", response.Tier)
	}
}

type failingStorage struct {
	*memory.Storage
}

func (failingStorage) GetEntitlement(context.Context, string) (*goentitle.Entitlement, error) {
	return nil, errors.New("connection refused")
}

func TestHandler_GetEntitlement_StorageError(t *testing.T) {
	engine, err := goentitle.NewEngine(failingStorage{memory.New()}, goentitle.Config{CacheTTL: -1})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	var captured error
	handler, err := NewHandler(Config{
		Engine: engine,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := serve(t, handler, "/v1/entitlements/"+testUserID)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected custom error status, got %d", w.Code)
	}
	if captured == nil || strings.Contains(captured.Error(), "connection refused") {
		t.Errorf("Expected sanitized error, got %v", captured)
	}
}
