// Command goentitle serves store webhooks and the entitlement API and runs reconciliation sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	zerologadapter "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
	"github.com/mihaimyh/goentitle/storage/postgres"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "goentitle",
		Short:         "Subscription lifecycle and entitlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("store", "", "storage driver: memory, firestore or postgres (overrides GOENTITLE_STORE)")

	root.AddCommand(newServeCmd(), newSweepCmd(), newMigrateCmd())
	return root
}

// setup loads configuration and applies flag overrides.
func setup(cmd *cobra.Command) (Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return Config{}, err
	}
	if store, _ := cmd.Flags().GetString("store"); store != "" {
		cfg.Store = store
	}
	if cmd.Flags().Lookup("addr") != nil {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}
	}
	return cfg, cfg.Validate()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the entitlement API and run the sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides GOENTITLE_HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	log := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	handler, err := a.router(ctx)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSweepCmd() *cobra.Command {
	var tasks []string
	cmd := &cobra.Command{
		Use:   "sweep [task...]",
		Short: "Run reconciliation sweeps once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			log := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks = append(tasks, args...)
			if len(tasks) == 0 {
				tasks = a.runner.Names()
			}
			for _, name := range tasks {
				n, err := a.runner.RunOnce(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d processed\n", name, n)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tasks, "task", nil, "task to run (grace_expiry, expiry_warning, ledger_gc); default all")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("GOENTITLE_POSTGRES_DSN is required")
			}
			log := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			config := postgres.DefaultConfig()
			config.ConnectionString = cfg.PostgresDSN
			storage, err := postgres.New(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer storage.Close()

			if err := postgres.Migrate(cmd.Context(), storage.Pool(), zerologadapter.NewLogger(&log)); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}
