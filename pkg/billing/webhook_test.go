package billing_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

type stubNormalizer struct {
	configured bool
	ev         *goentitle.Event
	err        error
}

func (s *stubNormalizer) Name() string     { return "stub" }
func (s *stubNormalizer) Configured() bool { return s.configured }
func (s *stubNormalizer) NormalizeEvent(context.Context, *http.Request, []byte) (*goentitle.Event, error) {
	return s.ev, s.err
}

type stubApplier struct {
	res   *goentitle.Result
	err   error
	calls int
}

func (s *stubApplier) Apply(_ context.Context, ev *goentitle.Event) (*goentitle.Result, error) {
	s.calls++
	if s.res != nil {
		s.res.Event = ev
	}
	return s.res, s.err
}

func renewal() *goentitle.Event {
	return &goentitle.Event{
		Platform:     goentitle.PlatformAndroid,
		ProviderKey:  "pt-1",
		Kind:         goentitle.EventRenewed,
		ProviderType: "2",
	}
}

func serve(t *testing.T, h http.Handler, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/webhooks/stub", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func newHandler(t *testing.T, n billing.Normalizer, applier billing.EventApplier) http.Handler {
	t.Helper()
	h, err := billing.NewWebhookHandler(n, billing.Config{Engine: applier, RateLimit: -1})
	require.NoError(t, err)
	return h.Handler()
}

func TestNewWebhookHandler_RequiresEngine(t *testing.T) {
	_, err := billing.NewWebhookHandler(&stubNormalizer{}, billing.Config{})
	assert.True(t, errors.Is(err, billing.ErrProviderNotConfigured))
}

func TestWebhookHandler_ResponseCodes(t *testing.T) {
	applied := &goentitle.Result{Outcome: goentitle.OutcomeApplied}

	tests := []struct {
		name       string
		method     string
		body       string
		normalizer *stubNormalizer
		applier    *stubApplier
		wantCode   int
		wantApply  bool
	}{
		{"applied", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: renewal()}, &stubApplier{res: applied}, http.StatusOK, true},
		{"duplicate", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: renewal()},
			&stubApplier{res: &goentitle.Result{Outcome: goentitle.OutcomeDuplicate}}, http.StatusOK, true},
		{"anomaly", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: renewal()},
			&stubApplier{res: &goentitle.Result{Outcome: goentitle.OutcomeAnomaly}}, http.StatusOK, true},
		{"method", http.MethodGet, "{}", &stubNormalizer{configured: true}, &stubApplier{}, http.StatusMethodNotAllowed, false},
		{"not configured", http.MethodPost, "{}", &stubNormalizer{}, &stubApplier{}, http.StatusServiceUnavailable, false},
		{"empty body", http.MethodPost, "", &stubNormalizer{configured: true}, &stubApplier{}, http.StatusBadRequest, false},
		{"too large", http.MethodPost, strings.Repeat("x", 300*1024), &stubNormalizer{configured: true}, &stubApplier{}, http.StatusRequestEntityTooLarge, false},
		{"unauthorized", http.MethodPost, "{}", &stubNormalizer{configured: true, err: fmt.Errorf("%w: bad token", billing.ErrAuthenticity)}, &stubApplier{}, http.StatusUnauthorized, false},
		{"malformed", http.MethodPost, "{}", &stubNormalizer{configured: true, err: fmt.Errorf("%w: missing field", billing.ErrMalformedPayload)}, &stubApplier{}, http.StatusBadRequest, false},
		{"provider api error", http.MethodPost, "{}", &stubNormalizer{configured: true, err: billing.ErrProviderAPIError}, &stubApplier{}, http.StatusInternalServerError, false},
		{"ignored", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: &goentitle.Event{Kind: goentitle.EventIgnored}}, &stubApplier{}, http.StatusOK, false},
		{"not found", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: renewal()},
			&stubApplier{err: fmt.Errorf("wrap: %w", goentitle.ErrNotFound)}, http.StatusNotFound, true},
		{"malformed event", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: renewal()},
			&stubApplier{err: goentitle.ErrMalformedEvent}, http.StatusBadRequest, true},
		{"transient", http.MethodPost, "{}", &stubNormalizer{configured: true, ev: renewal()},
			&stubApplier{err: goentitle.ErrTransientStore}, http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, tt.normalizer, tt.applier)
			w := serve(t, h, tt.method, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantApply, tt.applier.calls == 1)
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
			assert.NotContains(t, w.Body.String(), "bad token")
		})
	}
}

func TestWebhookHandler_UnknownNotificationAlerts(t *testing.T) {
	var alerted *goentitle.Event
	ev := &goentitle.Event{Platform: goentitle.PlatformIOS, Kind: goentitle.EventIgnored, ProviderType: "SOMETHING_NEW"}
	applier := &stubApplier{}
	h, err := billing.NewWebhookHandler(
		&stubNormalizer{configured: true, ev: ev, err: billing.ErrUnknownNotification},
		billing.Config{
			Engine:                applier,
			OnUnknownNotification: func(_ context.Context, ev *goentitle.Event) { alerted = ev },
		},
	)
	require.NoError(t, err)

	w := serve(t, h.Handler(), http.MethodPost, "{}")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, alerted)
	assert.Equal(t, "SOMETHING_NEW", alerted.ProviderType)
	assert.Equal(t, 0, applier.calls)
}

func TestWebhookHandler_RateLimited(t *testing.T) {
	h, err := billing.NewWebhookHandler(
		&stubNormalizer{configured: true, ev: &goentitle.Event{Kind: goentitle.EventIgnored}},
		billing.Config{Engine: &stubApplier{}, RateLimit: 2, RateLimitWindow: time.Minute},
	)
	require.NoError(t, err)
	handler := h.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(t, handler, http.MethodPost, "{}").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

// End to end through the real engine: redelivery is acknowledged without a second transition.
func TestWebhookHandler_WithEngine(t *testing.T) {
	engine, err := goentitle.NewEngine(memory.New(), goentitle.Config{CacheTTL: -1})
	require.NoError(t, err)

	var processed []billing.WebhookEvent
	purchase := &goentitle.Event{
		Platform: goentitle.PlatformAndroid, ProviderKey: "pt-1", Kind: goentitle.EventPurchased,
		ProviderType: "4", UserID: "user-1", Tier: "silver", OccurredAt: time.Now(),
	}
	h, err := billing.NewWebhookHandler(&stubNormalizer{configured: true, ev: purchase}, billing.Config{
		Engine:      engine,
		OnProcessed: func(_ context.Context, ev billing.WebhookEvent) { processed = append(processed, ev) },
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "{}").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "{}").Code)

	require.Len(t, processed, 2)
	assert.Equal(t, goentitle.OutcomeApplied, processed[0].Outcome)
	assert.Equal(t, "silver", processed[0].NewTier)
	assert.Equal(t, goentitle.OutcomeDuplicate, processed[1].Outcome)

	tier, err := engine.GetEffectiveTier(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "silver", tier)
}
