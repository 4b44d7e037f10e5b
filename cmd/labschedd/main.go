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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/labsched/internal/config"
	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/internal/hostmatch"
	"github.com/me/labsched/internal/logging"
	"github.com/me/labsched/internal/metrics"
	"github.com/me/labsched/internal/notify"
	"github.com/me/labsched/internal/scheduler"
	"github.com/me/labsched/internal/server"
	"github.com/me/labsched/internal/store"
)

var (
	flagConfig    string
	flagAddr      string
	flagDB        string
	flagLogLevel  string
	flagLogFormat string
	flagDebug     bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "labschedd",
		Short:        "labsched hardware test lab scheduler",
		Long:         "labschedd assigns queued test jobs to lab machines and drives them through verification, execution and results collection.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	root.Flags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	root.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (overrides config)")
	root.Flags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.Flags().StringVar(&flagLogFormat, "log-format", "", "Log format (text, json)")
	root.Flags().BoolVar(&flagDebug, "debug", false, "Shorthand for --log-level=debug")

	return root
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if flagDebug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	manager := drone.NewLocalManager(cfg.ResultsDir, cfg.MaxProcesses, logger)
	defer manager.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	sink := notify.NewLogSink(logger)

	schedCfg := scheduler.Config{
		PollInterval:                cfg.PollInterval.Std(),
		MaxProcessesStartedPerCycle: cfg.MaxProcessesStartedPerCycle,
		CleanupInterval:             cfg.CleanupInterval.Std(),
		StatsInterval:               cfg.StatsInterval.Std(),
		WorkerPath:                  cfg.WorkerPath,
		FailOnOrphans:               cfg.FailOnOrphans,
	}
	dispatcher := scheduler.NewDispatcher(st, manager,
		hostmatch.NewLabelMatcher(st, logger), sink, m, schedCfg, logger)

	srv := server.New(cfg, st, dispatcher, registry, logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
