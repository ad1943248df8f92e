package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

var testPolicy = goentitle.TierPolicy{
	DefaultTier: "basic",
	Weights:     map[string]int{"silver": 1, "gold": 2},
}

// stubReader returns fixed tiers per user
type stubReader struct {
	tiers map[string]string
	err   error
}

func (s *stubReader) GetEffectiveTier(_ context.Context, userID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if tier, ok := s.tiers[userID]; ok {
		return tier, nil
	}
	return testPolicy.DefaultTier, nil
}

func (s *stubReader) Tiers() goentitle.TierPolicy {
	return testPolicy
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(TierFromContext(r.Context()))); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
}

func request(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRequireTier_Allows(t *testing.T) {
	reader := &stubReader{tiers: map[string]string{"user1": "gold", "user2": "silver"}}
	handler := RequireTier(Config{
		Reader:    reader,
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   "silver",
	})(okHandler())

	for _, user := range []string{"user1", "user2"} {
		w := request(handler, user)
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200 for %s, got %d", user, w.Code)
		}
		if w.Body.String() != reader.tiers[user] {
			t.Errorf("Expected tier %q in context, got %q", reader.tiers[user], w.Body.String())
		}
	}
}

func TestRequireTier_Forbidden(t *testing.T) {
	handler := RequireTier(Config{
		Reader:    &stubReader{tiers: map[string]string{"user1": "silver"}},
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   "gold",
	})(okHandler())

	if w := request(handler, "user1"); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
	if w := request(handler, "stranger"); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for default tier, got %d", w.Code)
	}
}

func TestRequireTier_CustomForbidden(t *testing.T) {
	var seen string
	handler := RequireTier(Config{
		Reader:    &stubReader{tiers: map[string]string{"user1": "silver"}},
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   "gold",
		OnForbidden: func(w http.ResponseWriter, _ *http.Request, tier string) {
			seen = tier
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler())

	w := request(handler, "user1")
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if seen != "silver" {
		t.Errorf("Expected OnForbidden to receive 'silver', got %q", seen)
	}
}

func TestRequireTier_Unauthorized(t *testing.T) {
	handler := RequireTier(Config{
		Reader:    &stubReader{},
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   "silver",
	})(okHandler())

	if w := request(handler, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestRequireTier_ReaderError(t *testing.T) {
	var captured error
	handler := RequireTier(Config{
		Reader:    &stubReader{err: errors.New("storage down")},
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   "silver",
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler())

	if w := request(handler, "user1"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if captured == nil {
		t.Error("Expected OnError to be called")
	}
}

func TestRequireTier_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing reader")
		}
	}()
	RequireTier(Config{GetUserID: FromHeader("X-User-ID"), MinTier: "gold"})
}

func TestRequireTier_WithEngine(t *testing.T) {
	engine, err := goentitle.NewEngine(memory.New(), goentitle.Config{Tiers: testPolicy, CacheTTL: -1})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	_, err = engine.Apply(context.Background(), &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "pt-1", Kind: goentitle.EventPurchased,
		UserID: "user1", Tier: "gold",
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	handler := HandlerFunc(Config{
		Reader:    engine,
		GetUserID: FromContext(UserIDKey),
		MinTier:   "gold",
	})(okHandler().ServeHTTP)

	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "gold" {
		t.Errorf("Expected gold user through, got %d %q", w.Code, w.Body.String())
	}
}
