package android

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testSecret      = "test-secret"
	testPackage     = "com.example.app"
	testToken       = "pt-1"
	testUserID      = "user-1"
	testProductID   = "silver_monthly"
	testTierSilver  = "silver"
	testAudience    = "https://example.com/webhooks/android"
	testPushAccount = "pusher@example.iam.gserviceaccount.com"
)

func newEngine(t *testing.T) (*goentitle.Engine, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	engine, err := goentitle.NewEngine(storage, goentitle.Config{CacheTTL: -1})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine, storage
}

func newTestProvider(t *testing.T, engine *goentitle.Engine, mutate func(*Config)) *Provider {
	t.Helper()
	config := Config{
		Config: billing.Config{
			Engine:        engine,
			TierMapping:   map[string]string{testProductID: testTierSilver},
			WebhookSecret: testSecret,
			RateLimit:     -1,
		},
		PackageName: testPackage,
	}
	if mutate != nil {
		mutate(&config)
	}
	provider, err := NewProvider(context.Background(), config)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

func pushBody(t *testing.T, notification map[string]interface{}, attributes map[string]string) []byte {
	t.Helper()
	return pushMessage(t, notification, attributes, map[string]interface{}{"messageId": "m-1"})
}

// pushMessage builds a push body with extra message fields such as messageId and publishTime.
func pushMessage(
	t *testing.T, notification map[string]interface{}, attributes map[string]string, fields map[string]interface{},
) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	message := map[string]interface{}{
		"attributes": attributes,
		"data":       base64.StdEncoding.EncodeToString(data),
	}
	for k, v := range fields {
		message[k] = v
	}
	body, err := json.Marshal(map[string]interface{}{
		"message": message,
		"subscription": "projects/p/subscriptions/s",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func subscriptionNotice(notificationType int, eventTime time.Time) map[string]interface{} {
	return map[string]interface{}{
		"version":         "1.0",
		"packageName":     testPackage,
		"eventTimeMillis": strconv.FormatInt(eventTime.UnixMilli(), 10),
		"subscriptionNotification": map[string]interface{}{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    testToken,
			"subscriptionId":   testProductID,
		},
	}
}

func signedRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/android", strings.NewReader(string(body)))
	req.Header.Set(signatureHeader, NewHMACVerifier(testSecret).Sign(body))
	return req
}

func deliver(t *testing.T, provider *Provider, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(body))
	return w
}

func TestProvider_Name(t *testing.T) {
	engine, _ := newEngine(t)
	if newTestProvider(t, engine, nil).Name() != providerName {
		t.Errorf("Expected name %s", providerName)
	}
}

func TestNewProvider_RequiresEngine(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestProvider_NotConfigured(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, func(c *Config) { c.WebhookSecret = "" })

	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestProvider_NormalizeMapping(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		notificationType int
		want             goentitle.EventKind
		unknown          bool
	}{
		{1, goentitle.EventRecovered, false},
		{2, goentitle.EventRenewed, false},
		{3, goentitle.EventCanceled, false},
		{4, goentitle.EventPurchased, false},
		{5, goentitle.EventOnHold, false},
		{6, goentitle.EventEnteredGracePeriod, false},
		{7, goentitle.EventRestarted, false},
		{10, goentitle.EventExpired, false},
		{12, goentitle.EventIgnored, false},
		{13, goentitle.EventIgnored, false},
		{99, goentitle.EventIgnored, true},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.notificationType), func(t *testing.T) {
			body := pushBody(t, subscriptionNotice(tt.notificationType, now), map[string]string{userIDAttribute: testUserID})
			ev, err := provider.NormalizeEvent(context.Background(), signedRequest(body), body)
			if tt.unknown {
				if !errors.Is(err, billing.ErrUnknownNotification) {
					t.Fatalf("Expected ErrUnknownNotification, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("NormalizeEvent failed: %v", err)
			}
			if ev.Kind != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, ev.Kind)
			}
			if ev.ProviderKey != testToken || ev.UserID != testUserID {
				t.Errorf("Unexpected identity: %+v", ev)
			}
			if !ev.OccurredAt.Equal(now) {
				t.Errorf("Expected OccurredAt %v, got %v", now, ev.OccurredAt)
			}
			if ev.Kind != goentitle.EventIgnored && ev.Tier != testTierSilver {
				t.Errorf("Expected tier %s, got %s", testTierSilver, ev.Tier)
			}
		})
	}
}

func TestProvider_VoidedAndTestNotifications(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, nil)

	voided := pushBody(t, map[string]interface{}{
		"packageName":                testPackage,
		"voidedPurchaseNotification": map[string]interface{}{"purchaseToken": testToken, "orderId": "GPA.1", "productType": 1},
	}, nil)
	ev, err := provider.NormalizeEvent(context.Background(), signedRequest(voided), voided)
	if err != nil {
		t.Fatalf("NormalizeEvent failed: %v", err)
	}
	if ev.Kind != goentitle.EventRefunded || ev.ProviderType != providerTypeVoided {
		t.Errorf("Expected refunded from voided purchase, got %+v", ev)
	}

	test := pushBody(t, map[string]interface{}{
		"packageName":      testPackage,
		"testNotification": map[string]interface{}{"version": "1.0"},
	}, nil)
	w := deliver(t, provider, test)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for test notification, got %d", w.Code)
	}
}

func TestProvider_MalformedPayloads(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, nil)

	bodies := map[string][]byte{
		"not json":      []byte("nope"),
		"bad base64":    []byte(`{"message":{"data":"***"}}`),
		"no payload":    pushBody(t, map[string]interface{}{"packageName": testPackage}, nil),
		"other package": pushBody(t, map[string]interface{}{"packageName": "com.other", "testNotification": map[string]interface{}{}}, nil),
		"no token": pushBody(t, map[string]interface{}{
			"packageName":              testPackage,
			"subscriptionNotification": map[string]interface{}{"notificationType": 2},
		}, nil),
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			if w := deliver(t, provider, body); w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
		})
	}
}

func TestProvider_BadSignature(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, nil)
	body := pushBody(t, subscriptionNotice(4, time.Now()), map[string]string{userIDAttribute: testUserID})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/android", strings.NewReader(string(body)))
	req.Header.Set(signatureHeader, NewHMACVerifier("wrong").Sign(body))
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "mismatch") {
		t.Error("Response must not leak verification details")
	}
}

// Purchase, renewal, redelivery and will-not-renew through the webhook.
func TestProvider_Lifecycle(t *testing.T) {
	engine, storage := newEngine(t)
	provider := newTestProvider(t, engine, nil)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	purchase := pushBody(t, subscriptionNotice(4, start), map[string]string{userIDAttribute: testUserID})
	if w := deliver(t, provider, purchase); w.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	sub, err := storage.GetSubscription(ctx, goentitle.PlatformAndroid, testToken)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != goentitle.StatusActive || sub.Tier != testTierSilver {
		t.Fatalf("Unexpected subscription after purchase: %+v", sub)
	}
	periodEnd := sub.CurrentPeriodEnd

	renewal := pushBody(t, subscriptionNotice(2, start.Add(time.Hour)), nil)
	for i := 0; i < 2; i++ {
		if w := deliver(t, provider, renewal); w.Code != http.StatusOK {
			t.Fatalf("renewal %d: expected 200, got %d", i, w.Code)
		}
	}
	sub, _ = storage.GetSubscription(ctx, goentitle.PlatformAndroid, testToken)
	if !sub.CurrentPeriodEnd.Equal(periodEnd.Add(30 * 24 * time.Hour)) {
		t.Errorf("Expected one 30 day extension, got %v -> %v", periodEnd, sub.CurrentPeriodEnd)
	}

	tier, err := engine.GetEffectiveTier(ctx, testUserID)
	if err != nil || tier != testTierSilver {
		t.Errorf("Expected silver, got %s (%v)", tier, err)
	}
}

// untimedNotice is a subscription notification without eventTimeMillis.
func untimedNotice(notificationType int) map[string]interface{} {
	n := subscriptionNotice(notificationType, time.Time{})
	delete(n, "eventTimeMillis")
	return n
}

func TestProvider_RedeliveryWithoutEventTime(t *testing.T) {
	engine, storage := newEngine(t)
	provider := newTestProvider(t, engine, nil)
	ctx := context.Background()

	purchase := pushMessage(t, untimedNotice(4), map[string]string{userIDAttribute: testUserID},
		map[string]interface{}{"messageId": "m-purchase"})
	if w := deliver(t, provider, purchase); w.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	sub, err := storage.GetSubscription(ctx, goentitle.PlatformAndroid, testToken)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	periodEnd := sub.CurrentPeriodEnd

	renewal := pushMessage(t, untimedNotice(2), nil, map[string]interface{}{"messageId": "m-renewal"})
	for i := 0; i < 3; i++ {
		if w := deliver(t, provider, renewal); w.Code != http.StatusOK {
			t.Fatalf("renewal %d: expected 200, got %d", i, w.Code)
		}
	}
	sub, _ = storage.GetSubscription(ctx, goentitle.PlatformAndroid, testToken)
	if !sub.CurrentPeriodEnd.Equal(periodEnd.Add(30 * 24 * time.Hour)) {
		t.Errorf("Expected redeliveries to extend the period once, got %v -> %v", periodEnd, sub.CurrentPeriodEnd)
	}

	// A new message for the next renewal still applies.
	next := pushMessage(t, untimedNotice(2), nil, map[string]interface{}{"messageId": "m-renewal-2"})
	if w := deliver(t, provider, next); w.Code != http.StatusOK {
		t.Fatalf("next renewal: expected 200, got %d", w.Code)
	}
	sub, _ = storage.GetSubscription(ctx, goentitle.PlatformAndroid, testToken)
	if !sub.CurrentPeriodEnd.Equal(periodEnd.Add(60 * 24 * time.Hour)) {
		t.Errorf("Expected second renewal to extend again, got %v", sub.CurrentPeriodEnd)
	}
}

func TestProvider_PublishTimeFallback(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, nil)
	published := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	body := pushMessage(t, untimedNotice(2), nil, map[string]interface{}{
		"messageId":   "m-7",
		"publishTime": published.Format(time.RFC3339Nano),
	})
	ev, err := provider.NormalizeEvent(context.Background(), signedRequest(body), body)
	if err != nil {
		t.Fatalf("NormalizeEvent failed: %v", err)
	}
	if !ev.OccurredAt.Equal(published) || ev.DeliveryID != "m-7" {
		t.Errorf("Expected publish time and message id, got %v %q", ev.OccurredAt, ev.DeliveryID)
	}
}

func TestProvider_UnknownTokenIs404(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, nil)

	body := pushBody(t, subscriptionNotice(2, time.Now()), nil)
	if w := deliver(t, provider, body); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

type fakeFetcher struct {
	details *SubscriptionDetails
	err     error
}

func (f *fakeFetcher) FetchSubscription(context.Context, string, string) (*SubscriptionDetails, error) {
	return f.details, f.err
}

func TestProvider_FetcherEnrichesEvent(t *testing.T) {
	engine, _ := newEngine(t)
	expires := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	autoRenew := true
	provider := newTestProvider(t, engine, func(c *Config) {
		c.TierMapping = map[string]string{"gold_yearly": "gold"}
		c.Fetcher = &fakeFetcher{details: &SubscriptionDetails{
			ProductID: "gold_yearly",
			UserID:    "obfuscated-user",
			ExpiresAt: &expires,
			AutoRenew: &autoRenew,
		}}
	})

	body := pushBody(t, subscriptionNotice(4, time.Now()), nil)
	ev, err := provider.NormalizeEvent(context.Background(), signedRequest(body), body)
	if err != nil {
		t.Fatalf("NormalizeEvent failed: %v", err)
	}
	if ev.UserID != "obfuscated-user" || ev.Tier != "gold" || ev.PeriodEnd == nil || !ev.PeriodEnd.Equal(expires) {
		t.Errorf("Expected enriched event, got %+v", ev)
	}
}

func TestProvider_FetcherFailure(t *testing.T) {
	engine, _ := newEngine(t)
	provider := newTestProvider(t, engine, func(c *Config) {
		c.Fetcher = &fakeFetcher{err: billing.ErrProviderAPIError}
	})

	purchase := pushBody(t, subscriptionNotice(4, time.Now()), map[string]string{userIDAttribute: testUserID})
	if w := deliver(t, provider, purchase); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 when a purchase cannot be looked up, got %d", w.Code)
	}

	renewal := pushBody(t, subscriptionNotice(2, time.Now()), nil)
	ev, err := provider.NormalizeEvent(context.Background(), signedRequest(renewal), renewal)
	if err != nil || ev.Kind != goentitle.EventRenewed {
		t.Errorf("Expected renewal to proceed without lookup, got %+v, %v", ev, err)
	}
}

func TestOIDCVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	verifier := NewOIDCVerifierWithKeySet(keySet, testAudience, testPushAccount)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		if err != nil {
			t.Fatalf("SignedString failed: %v", err)
		}
		return token
	}
	valid := jwt.MapClaims{
		"iss":            googleIssuer,
		"aud":            testAudience,
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
		"email":          testPushAccount,
		"email_verified": true,
	}
	with := func(k string, v interface{}) jwt.MapClaims {
		c := jwt.MapClaims{}
		for name, value := range valid {
			c[name] = value
		}
		c[k] = v
		return c
	}

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid", "Bearer " + sign(valid), false},
		{"bare issuer", "Bearer " + sign(with("iss", googleIssuerBare)), false},
		{"missing", "", true},
		{"wrong audience", "Bearer " + sign(with("aud", "https://other")), true},
		{"expired", "Bearer " + sign(with("exp", time.Now().Add(-time.Hour).Unix())), true},
		{"wrong issuer", "Bearer " + sign(with("iss", "https://evil.example.com")), true},
		{"wrong account", "Bearer " + sign(with("email", "someone@example.com")), true},
		{"unverified email", "Bearer " + sign(with("email_verified", false)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			err := verifier.Verify(context.Background(), req, nil)
			if tt.wantErr {
				if !errors.Is(err, billing.ErrAuthenticity) {
					t.Errorf("Expected ErrAuthenticity, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Expected valid token, got %v", err)
			}
		})
	}
}
