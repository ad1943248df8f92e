package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage drivers accepted by GOENTITLE_STORE.
const (
	storeMemory    = "memory"
	storeFirestore = "firestore"
	storePostgres  = "postgres"
)

// Config is the process configuration read from the environment.
type Config struct {
	HTTPAddr string `env:"GOENTITLE_HTTP_ADDR" envDefault:":8080"`
	Store    string `env:"GOENTITLE_STORE" envDefault:"memory"`

	FirestoreProject string `env:"GOENTITLE_FIRESTORE_PROJECT"`
	PostgresDSN      string `env:"GOENTITLE_POSTGRES_DSN"`

	RedisAddr   string `env:"GOENTITLE_REDIS_ADDR"`
	RedisStream string `env:"GOENTITLE_REDIS_STREAM" envDefault:"goentitle:notifications"`

	GraceWindow     time.Duration `env:"GOENTITLE_GRACE_WINDOW" envDefault:"168h"`
	BillingPeriod   time.Duration `env:"GOENTITLE_BILLING_PERIOD" envDefault:"720h"`
	LedgerRetention time.Duration `env:"GOENTITLE_LEDGER_RETENTION" envDefault:"720h"`

	// TierMapping maps store product ids to tiers, for example "silver_monthly:silver,gold_yearly:gold"
	TierMapping map[string]string `env:"GOENTITLE_TIER_MAPPING"`
	// TierWeights ranks tiers, for example "silver:1,gold:2"
	TierWeights map[string]int `env:"GOENTITLE_TIER_WEIGHTS"`
	DefaultTier string         `env:"GOENTITLE_DEFAULT_TIER" envDefault:"basic"`

	AndroidPushAudience       string `env:"ANDROID_PUSH_AUDIENCE"`
	AndroidPushServiceAccount string `env:"ANDROID_PUSH_SERVICE_ACCOUNT"`
	AndroidWebhookSecret      string `env:"ANDROID_WEBHOOK_SECRET"`
	AndroidPackageName        string `env:"ANDROID_PACKAGE_NAME"`
	AndroidCredentialsFile    string `env:"ANDROID_CREDENTIALS_FILE"`

	IOSRootCertFile string `env:"IOS_ROOT_CERT_FILE"`
	IOSBundleID     string `env:"IOS_BUNDLE_ID"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// loadConfig reads an optional .env file and then the environment. Callers validate
// after applying flag overrides.
func loadConfig() (Config, error) {
	// The .env file is optional
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks that the selected storage driver has what it needs.
func (c Config) Validate() error {
	switch c.Store {
	case storeMemory:
	case storeFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("GOENTITLE_FIRESTORE_PROJECT is required for the firestore store")
		}
	case storePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("GOENTITLE_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, firestore or postgres)", c.Store)
	}
	if c.GraceWindow <= 0 || c.BillingPeriod <= 0 {
		return fmt.Errorf("grace window and billing period must be positive")
	}
	return nil
}
