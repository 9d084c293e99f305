// Package main is the entry point for the mnemo memory daemon.
// mnemo holds a bounded, salience-ranked working memory per scope and
// consolidates items into long-term layers (episodic, semantic,
// procedural, prospective) as they are evicted or decay.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/mnemo/internal/attention"
	"github.com/normanking/mnemo/internal/bus"
	"github.com/normanking/mnemo/internal/config"
	"github.com/normanking/mnemo/internal/consolidation"
	"github.com/normanking/mnemo/internal/server"
	"github.com/normanking/mnemo/internal/service"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mnemo",
		Short: "mnemo - bounded working memory with long-term consolidation",
		Long: `mnemo is a cognitive memory daemon. It keeps a small, salience-ranked
working memory per scope, decays item activation over time, and routes
items leaving working memory into one of four long-term layers:
episodic, semantic, procedural, or prospective.

Run the daemon:      mnemo serve
Show configuration:  mnemo config show`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.mnemo/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mnemo v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			initLogging(cfg)
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Store.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	clock := attention.SystemClock{}
	events := bus.New()
	defer events.Close()

	model := attention.DefaultModel()
	model.RecencyHalfLife = cfg.Salience.RecencyHalfLife
	model.DecayRate = cfg.Salience.DecayRate
	model.RefreshThreshold = cfg.Salience.RefreshThreshold

	memory, err := attention.NewStore(attention.StoreConfig{
		Capacity:          cfg.Memory.Capacity,
		Variance:          cfg.Memory.Variance,
		OverflowThreshold: cfg.Memory.OverflowThreshold,
	}, model, clock, events)
	if err != nil {
		return fmt.Errorf("create working memory store: %w", err)
	}

	budget := attention.NewBudgetTracker(clock)

	stores, err := consolidation.NewLayerStores(db, clock)
	if err != nil {
		return fmt.Errorf("create long-term stores: %w", err)
	}
	audit, err := consolidation.NewAuditStore(db, clock)
	if err != nil {
		return fmt.Errorf("create audit store: %w", err)
	}

	var classifier consolidation.Classifier
	if cfg.Classifier.Endpoint != "" {
		classifier = consolidation.NewHTTPClassifier(cfg.Classifier.Endpoint, cfg.Classifier.Timeout)
		zlog.Info().Str("endpoint", cfg.Classifier.Endpoint).Msg("learned classifier enabled")
	} else {
		zlog.Info().Msg("no classifier endpoint configured, rule fallback only")
	}

	router, err := consolidation.NewRouter(consolidation.RouterConfig{
		ConfidenceThreshold: cfg.Consolidation.ConfidenceThreshold,
		MaxDispatchAttempts: cfg.Consolidation.MaxDispatchAttempts,
		BackoffBase:         cfg.Consolidation.BackoffBase,
	}, classifier, stores, audit, clock, events)
	if err != nil {
		return fmt.Errorf("create consolidation router: %w", err)
	}

	scheduler := consolidation.NewScheduler(router, memory, events, cfg.Consolidation.Interval)
	scheduler.Start()
	defer scheduler.Stop()

	svc := service.New(memory, budget, model, router, scheduler, audit)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", cfg.Server.Addr).Msg("mnemo listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		zlog.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})

	return cmd
}

func initLogging(cfg *config.Config) {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
