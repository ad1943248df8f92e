package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// WebhookHandler verifies, normalizes and applies webhook deliveries for one provider.
//
// Responses:
//   - 200 processed, duplicate, ignored or anomaly
//   - 400 malformed payload
//   - 401 authenticity check failed
//   - 404 unknown provider key for a non-purchase event
//   - 405 method, 408 request cancelled, 413 body too large, 429 rate limited
//   - 500 transient store or provider API errors (the store retries)
//   - 503 provider has no verification credentials
type WebhookHandler struct {
	normalizer Normalizer
	config     Config
	limiter    *internal.RateLimiter
}

// NewWebhookHandler creates a webhook handler for normalizer.
func NewWebhookHandler(normalizer Normalizer, config Config) (*WebhookHandler, error) {
	if normalizer == nil || config.Engine == nil {
		return nil, ErrProviderNotConfigured
	}
	config = config.WithDefaults()

	h := &WebhookHandler{normalizer: normalizer, config: config}
	if config.RateLimit > 0 {
		h.limiter = internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow)
		h.limiter.OnLimited = func(ip string) {
			config.Metrics.RecordWebhookError(normalizer.Name(), "rate_limited")
			config.Logger.Warn("webhook rate limited",
				goentitle.Field{Key: "provider", Value: normalizer.Name()},
				goentitle.Field{Key: "client_ip", Value: ip},
			)
		}
	}
	return h, nil
}

// Handler returns the handler wrapped with per-IP rate limiting.
func (h *WebhookHandler) Handler() http.Handler {
	if h.limiter == nil {
		return h
	}
	return h.limiter.Middleware(h)
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := h.normalizer.Name()
	metrics := h.config.Metrics
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.normalizer.Configured() {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			metrics.RecordWebhookError(provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			metrics.RecordWebhookError(provider, "invalid_payload")
		}
		return
	}

	ev, err := h.normalizer.NormalizeEvent(r.Context(), r, body)
	switch {
	case errors.Is(err, ErrAuthenticity):
		h.config.Logger.Warn("webhook rejected",
			goentitle.Field{Key: "provider", Value: provider},
			goentitle.Field{Key: "client_ip", Value: internal.GetClientIP(r)},
			goentitle.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		metrics.RecordWebhookError(provider, "auth_failed")
		return
	case errors.Is(err, ErrUnknownNotification) && ev != nil:
		h.alertUnknown(r.Context(), ev)
		h.ok(w, provider, ev.ProviderType, startTime)
		return
	case errors.Is(err, ErrMalformedPayload):
		h.config.Logger.Warn("malformed webhook payload",
			goentitle.Field{Key: "provider", Value: provider},
			goentitle.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		metrics.RecordWebhookError(provider, "invalid_payload")
		return
	case err != nil:
		h.fail(w, provider, "", "provider_error", err, startTime)
		return
	}

	if ev.Kind == goentitle.EventIgnored {
		h.ok(w, provider, ev.ProviderType, startTime)
		return
	}

	res, err := h.config.Engine.Apply(r.Context(), ev)
	switch {
	case errors.Is(err, goentitle.ErrNotFound):
		h.config.Logger.Warn("webhook for unknown subscription", webhookFields(provider, ev)...)
		http.Error(w, "subscription not found", http.StatusNotFound)
		metrics.RecordWebhookEvent(provider, ev.ProviderType, "error")
		metrics.RecordWebhookError(provider, "not_found")
		return
	case errors.Is(err, goentitle.ErrMalformedEvent):
		h.config.Logger.Warn("malformed webhook event",
			append(webhookFields(provider, ev), goentitle.Field{Key: "error", Value: err.Error()})...)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		metrics.RecordWebhookEvent(provider, ev.ProviderType, "error")
		metrics.RecordWebhookError(provider, "invalid_event")
		return
	case err != nil:
		h.fail(w, provider, ev.ProviderType, "processing_error", err, startTime)
		return
	}

	if res.TierBefore != res.TierAfter {
		metrics.RecordTierChange(provider, res.TierBefore, res.TierAfter)
	}
	if h.config.OnProcessed != nil {
		h.config.OnProcessed(r.Context(), WebhookEvent{
			Provider:     provider,
			EventType:    ev.ProviderType,
			Event:        ev,
			Outcome:      res.Outcome,
			PreviousTier: res.TierBefore,
			NewTier:      res.TierAfter,
			ProcessedAt:  time.Now().UTC(),
		})
	}
	h.ok(w, provider, ev.ProviderType, startTime)
}

func (h *WebhookHandler) ok(w http.ResponseWriter, provider, eventType string, startTime time.Time) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}
	h.config.Metrics.RecordWebhookEvent(provider, eventType, "success")
	h.config.Metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(startTime))
}

func (h *WebhookHandler) fail(
	w http.ResponseWriter, provider, eventType, errorType string, err error, startTime time.Time,
) {
	h.config.Logger.Error("failed to process webhook",
		goentitle.Field{Key: "provider", Value: provider},
		goentitle.Field{Key: "provider_type", Value: eventType},
		goentitle.Field{Key: "error", Value: err.Error()},
	)
	http.Error(w, "failed to process webhook", http.StatusInternalServerError)
	h.config.Metrics.RecordWebhookEvent(provider, eventType, "error")
	h.config.Metrics.RecordWebhookError(provider, errorType)
	h.config.Metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(startTime))
}

func (h *WebhookHandler) alertUnknown(ctx context.Context, ev *goentitle.Event) {
	provider := h.normalizer.Name()
	h.config.Logger.Warn("unknown notification type acknowledged", webhookFields(provider, ev)...)
	h.config.Metrics.RecordWebhookError(provider, "unknown_notification_type")
	if h.config.OnUnknownNotification != nil {
		h.config.OnUnknownNotification(ctx, ev)
	}
}

func webhookFields(provider string, ev *goentitle.Event) []goentitle.Field {
	return []goentitle.Field{
		{Key: "provider", Value: provider},
		{Key: "provider_type", Value: ev.ProviderType},
		{Key: "provider_key", Value: ev.ProviderKey},
		{Key: "event", Value: string(ev.Kind)},
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
