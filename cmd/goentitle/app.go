package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	notifyredis "github.com/mihaimyh/goentitle/notify/redis"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/android"
	"github.com/mihaimyh/goentitle/pkg/billing/ios"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
	coreprom "github.com/mihaimyh/goentitle/pkg/goentitle/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/reconcile"
	"github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
)

const metricsNamespace = "goentitle"

// app holds the wired components of one process.
type app struct {
	cfg      Config
	log      zerolog.Logger
	logger   goentitle.Logger
	registry *prometheus.Registry
	metrics  *coreprom.Metrics
	billing  billing.Metrics
	storage  goentitle.Storage
	engine   *goentitle.Engine
	runner   *reconcile.Runner
	closers  []func()
}

// newApp opens storage and builds the engine, notifier and sweep runner.
func newApp(ctx context.Context, cfg Config, log zerolog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   zerologadapter.NewLogger(&log),
		registry: registry,
		metrics:  coreprom.NewMetrics(registry, metricsNamespace),
		billing:  billingprom.NewMetrics(registry, metricsNamespace),
	}

	storage, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.storage = storage

	engine, err := goentitle.NewEngine(storage, goentitle.Config{
		GraceWindow:   cfg.GraceWindow,
		BillingPeriod: cfg.BillingPeriod,
		Tiers: goentitle.TierPolicy{
			DefaultTier: cfg.DefaultTier,
			Weights:     cfg.TierWeights,
		},
		Dispatcher: a.newDispatcher(),
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = engine

	a.runner = reconcile.NewRunner(a.metrics, a.logger, reconcile.Tasks(engine, storage, reconcile.Config{
		LedgerRetention: cfg.LedgerRetention,
		Logger:          a.logger,
	})...)
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (goentitle.Storage, error) {
	switch a.cfg.Store {
	case storeFirestore:
		client, err := gcpfirestore.NewClient(ctx, a.cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		storage, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, err
		}
		return storage, nil
	case storePostgres:
		config := postgres.DefaultConfig()
		config.ConnectionString = a.cfg.PostgresDSN
		storage, err := postgres.New(ctx, config)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, storage.Close)
		return storage, nil
	default:
		a.log.Warn().Msg("using in-memory storage, state is lost on restart")
		return memory.New(), nil
	}
}

// newDispatcher delivers notifications to a Redis stream when configured and to the log otherwise.
func (a *app) newDispatcher() goentitle.Dispatcher {
	var sender goentitle.Sender = &logSender{logger: a.logger}
	if a.cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		config := notifyredis.DefaultConfig()
		config.Stream = a.cfg.RedisStream
		if s, err := notifyredis.New(client, config); err == nil {
			sender = s
		}
	}
	d := goentitle.NewAsyncDispatcher(sender, goentitle.AsyncDispatcherConfig{
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	// Runs before the storage closers so queued notifications still go out.
	a.closers = append([]func(){d.Close}, a.closers...)
	return d
}

// billingConfig is the provider config shared by both stores.
func (a *app) billingConfig() billing.Config {
	return billing.Config{
		Engine:      a.engine,
		TierMapping: a.cfg.TierMapping,
		Metrics:     a.billing,
		Logger:      a.logger,
		OnUnknownNotification: func(_ context.Context, ev *goentitle.Event) {
			a.log.Warn().
				Str("platform", string(ev.Platform)).
				Str("provider_type", ev.ProviderType).
				Msg("store sent a notification type this build does not handle")
		},
	}
}

func (a *app) androidProvider(ctx context.Context) (*android.Provider, error) {
	config := android.Config{
		Config:             a.billingConfig(),
		PushAudience:       a.cfg.AndroidPushAudience,
		PushServiceAccount: a.cfg.AndroidPushServiceAccount,
		PackageName:        a.cfg.AndroidPackageName,
	}
	config.WebhookSecret = a.cfg.AndroidWebhookSecret
	if a.cfg.AndroidCredentialsFile != "" {
		fetcher, err := android.NewPublisherFetcher(ctx, a.billing, option.WithCredentialsFile(a.cfg.AndroidCredentialsFile))
		if err != nil {
			return nil, err
		}
		config.Fetcher = android.NewBreakerFetcher(fetcher, android.BreakerConfig{
			OnStateChange: func(state android.BreakerState) {
				a.log.Warn().Str("state", string(state)).Msg("play developer api breaker changed state")
			},
		})
	}
	return android.NewProvider(ctx, config)
}

func (a *app) iosProvider() (*ios.Provider, error) {
	config := ios.Config{
		Config:   a.billingConfig(),
		BundleID: a.cfg.IOSBundleID,
	}
	if a.cfg.IOSRootCertFile != "" {
		roots, err := ios.LoadRootCertificates(a.cfg.IOSRootCertFile)
		if err != nil {
			return nil, err
		}
		config.RootCertificates = roots
	}
	return ios.NewProvider(config)
}

// router mounts the webhooks, the entitlement API, metrics and health checks.
func (a *app) router(ctx context.Context) (http.Handler, error) {
	androidProvider, err := a.androidProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create android provider: %w", err)
	}
	iosProvider, err := a.iosProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to create ios provider: %w", err)
	}
	for _, p := range []billing.Normalizer{androidProvider, iosProvider} {
		if !p.Configured() {
			a.log.Warn().Str("provider", p.Name()).Msg("webhook has no verification credentials and will answer 503")
		}
	}

	entitlements, err := api.NewHandler(api.Config{
		Engine:    a.engine,
		GetUserID: func(r *http.Request) string { return chi.URLParam(r, "userID") },
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/webhooks/android", androidProvider.WebhookHandler())
	r.Handle("/webhooks/ios", iosProvider.WebhookHandler())
	r.Get("/v1/entitlements/{userID}", entitlements.GetEntitlement)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", a.healthz)
	return r, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.storage.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Close flushes the dispatcher and then releases storage and transport clients.
func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}

// logSender writes notifications to the log when no transport is configured.
type logSender struct {
	logger goentitle.Logger
}

func (s *logSender) Send(_ context.Context, n goentitle.Notification) error {
	s.logger.Info("notification",
		goentitle.Field{Key: "kind", Value: string(n.Kind())},
		goentitle.Field{Key: "user_id", Value: n.UserID},
		goentitle.Field{Key: "subscription_id", Value: n.SubscriptionID},
		goentitle.Field{Key: "platform", Value: string(n.Platform)},
	)
	return nil
}
