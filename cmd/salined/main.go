// salined — the Salt event collector and manager.
//
// Subscribes to the master event bus, aggregates job and minion state,
// and exposes the aggregate on a Prometheus-style scrape endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openSUSE/saline/internal/bus"
	"github.com/openSUSE/saline/internal/config"
	"github.com/openSUSE/saline/internal/event"
	"github.com/openSUSE/saline/internal/merger"
	"github.com/openSUSE/saline/internal/pipeline"
	"github.com/openSUSE/saline/internal/restapi"
	"github.com/openSUSE/saline/internal/telemetry"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the event collector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	return cmd
}

func run(configPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────────
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "salined", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Event Bus ──────────────────────────────────────────────────────────
	busClient, err := bus.New(cfg.Bus.URL, logger)
	if err != nil {
		logger.Error("event bus connection failed", zap.Error(err))
		return err
	}
	defer busClient.Close()

	// ── Parser, Merger, Pipeline ───────────────────────────────────────────
	rules, err := event.CompileRules(cfg.RenameRules)
	if err != nil {
		logger.Error("rename rules error", zap.Error(err))
		return err
	}
	parser := event.NewParser(rules, 0, logger)

	filter, err := pipeline.NewFilter(cfg.EventsRegexFilter, cfg.EventsAdditional)
	if err != nil {
		logger.Error("events filter error", zap.Error(err))
		return err
	}

	dm := merger.New(int64(cfg.JobTimeout), logger)
	snapshots := &pipeline.Snapshots{}

	pl := pipeline.New(pipeline.Options{
		Filter:    filter,
		Parser:    parser,
		Merger:    dm,
		Source:    pipeline.NewBusSource(busClient, cfg.Bus.Subject),
		Snapshots: snapshots,
		Logger:    logger,

		Readers:   cfg.ReadersSubprocesses,
		QueueSize: cfg.QueueSize,

		JobTimeout:               cfg.JobTimeout,
		JobTimeoutCheckInterval:  cfg.JobTimeoutCheckInterval,
		JobMetricsUpdateInterval: cfg.JobMetricsUpdateInterval,
		JobJidsCleanupInterval:   cfg.JobJidsCleanupInterval,
	})

	// ── HTTP Server ────────────────────────────────────────────────────────
	srv := restapi.New(cfg.RestAPI, cfg.MetricsTimeout, snapshots.Subscribe(), logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- pl.Run(ctx)
	}()
	go func() {
		errCh <- srv.Run(ctx)
	}()

	logger.Info("salined started",
		zap.Int("readers", cfg.ReadersSubprocesses),
		zap.String("bus", cfg.Bus.URL))

	// First failure wins; a clean signal shutdown returns nil from both.
	var runErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
			stop()
		}
	}
	if runErr != nil {
		logger.Error("salined exiting on error", zap.Error(runErr))
		return runErr
	}
	logger.Info("salined shut down cleanly")
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "salined [command]",
		Long:          "The salt event collector and manager",
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
