package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// EventApplier applies canonical events. *goentitle.Engine implements it.
type EventApplier interface {
	Apply(ctx context.Context, ev *goentitle.Event) (*goentitle.Result, error)
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine receives every normalized event
	Engine EventApplier

	// TierMapping maps store product IDs to tiers.
	// For example: map[string]string{"silver_monthly": "silver", "gold_yearly": "gold"}
	// Reserved keys:
	//   - "*" or "default": tier for products without an explicit mapping
	// Products that match nothing keep their product ID as tier.
	TierMapping map[string]string

	// WebhookSecret is a shared secret for providers that support HMAC request signing.
	WebhookSecret string

	// HTTPClient is an optional HTTP client for outbound provider API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// MaxBodyBytes bounds the webhook request body (default: 256KB)
	MaxBodyBytes int64

	// RateLimit is the number of webhook requests allowed per client IP per RateLimitWindow
	// (default: 100 per minute). A negative value disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	// OnUnknownNotification is called for notification types this version does not know.
	// The delivery is still acknowledged.
	OnUnknownNotification func(ctx context.Context, ev *goentitle.Event)

	// OnProcessed is called after an event has been applied and committed.
	OnProcessed func(ctx context.Context, ev WebhookEvent)

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger goentitle.Logger
}

const (
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
	defaultHTTPTimeout       = 10 * time.Second
)

// WithDefaults returns a copy of c with defaults applied.
func (c Config) WithDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.RateLimit == 0 {
		c.RateLimit = defaultRateLimitRequests
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &goentitle.NoopLogger{}
	}
	return c
}
