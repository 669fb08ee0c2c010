package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ryouol/agent-diagnostics/pkg/alerts"
	"github.com/ryouol/agent-diagnostics/pkg/api"
	"github.com/ryouol/agent-diagnostics/pkg/config"
	"github.com/ryouol/agent-diagnostics/pkg/engine"
	"github.com/ryouol/agent-diagnostics/pkg/ingest"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/patterns"
	"github.com/ryouol/agent-diagnostics/pkg/profiling"
	"github.com/ryouol/agent-diagnostics/pkg/storage/sqlite"
	"github.com/ryouol/agent-diagnostics/pkg/store"
)

// newServeCmd creates the "diagnostics serve" subcommand.
func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnostics HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load("diagnostics")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = g.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().String("archive", "", "SQLite archive path (overrides archive.path)")
	_ = g.v.BindPFlag("archive.path", cmd.Flags().Lookup("archive"))
	cmd.Flags().String("rules", "", "alert rule file (overrides alerts.rules_file)")
	_ = g.v.BindPFlag("alerts.rules_file", cmd.Flags().Lookup("rules"))
	return cmd
}

// serve wires every component from cfg and runs until ctx is cancelled or
// one of the background loops fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var archive *sqlite.Archive
	deps := engine.Deps{
		Sampler: newSampler(cfg.Profiling),
		Logger:  logger,
		Metrics: m,
	}
	if cfg.Archive.Path != "" {
		var err error
		archive, err = sqlite.Open(cfg.Archive.Path, cfg.Archive.Retention)
		if err != nil {
			return err
		}
		defer func() { _ = archive.Close() }()
		deps.Archive = archive
		logger.Info("Event archive opened", "path", cfg.Archive.Path, "retention", cfg.Archive.Retention)
	}

	e := engine.New(engineConfig(cfg), deps)
	defer e.Close()

	for _, path := range cfg.Store.LogFiles {
		e.Store().AddSource(store.NewFileSource(path))
		logger.Info("Log file source registered", "path", path)
	}
	if archive != nil {
		e.Store().AddSource(archive)
	}

	if cfg.Alerts.RulesFile != "" {
		if err := alerts.ReloadRules(e.Alerts(), cfg.Alerts.RulesFile); err != nil {
			return err
		}
	}

	// Batched events reach the archive through the engine so failed writes
	// are retried by the pipeline.
	var archiveSink ingest.Archive
	if e.Archived() {
		archiveSink = e
	}
	pipeline := ingest.NewPipeline(ingest.Config{
		QueueSize:     cfg.Ingest.QueueSize,
		Workers:       cfg.Ingest.Workers,
		MaxRetries:    cfg.Ingest.MaxRetries,
		RetryInterval: cfg.Ingest.RetryInterval,
	}, e, archiveSink, logger, m)

	server := api.NewServer(e, api.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Pipeline:     pipeline,
		Gatherer:     reg,
		Logger:       logger,
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(ctx, cfg.Server.ShutdownTimeout) })
	group.Go(func() error { return pipeline.Run(ctx) })
	group.Go(func() error { return e.RunPruning(ctx) })
	if cfg.Alerts.RulesFile != "" && cfg.Alerts.WatchRules {
		group.Go(func() error { return alerts.WatchRules(ctx, e.Alerts(), cfg.Alerts.RulesFile, logger) })
	}
	if archive != nil {
		group.Go(func() error {
			pruneArchive(ctx, archive, cfg.Store.PruneInterval, cfg.Archive.Retention, logger)
			return nil
		})
	}

	logger.Info("Diagnostics service started", "addr", cfg.Server.Addr, "sampler", cfg.Profiling.Sampler)
	if err := group.Wait(); err != nil {
		return fmt.Errorf("diagnostics service: %w", err)
	}
	logger.Info("Diagnostics service stopped")
	return nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{}
	ec.Store = store.Config{
		MaxEventsPerTrace: cfg.Store.MaxEventsPerTrace,
		MaxUnkeyedEvents:  cfg.Store.MaxUnkeyedEvents,
		Retention:         cfg.Store.Retention,
		PruneInterval:     cfg.Store.PruneInterval,
	}

	ec.Patterns = patterns.DefaultConfig()
	ec.Patterns.SpikeWindow = cfg.Patterns.SpikeWindow
	ec.Patterns.SpikeMultiplier = cfg.Patterns.SpikeMultiplier
	ec.Patterns.SpikeMinRatio = cfg.Patterns.SpikeMinRatio
	ec.Patterns.SilenceThreshold = cfg.Patterns.SilenceThreshold

	ec.Profiling = profiling.DefaultConfig()
	ec.Profiling.DefaultSampleInterval = cfg.Profiling.DefaultSampleInterval
	ec.Profiling.MaxConsecutiveFailures = cfg.Profiling.MaxConsecutiveFailures
	ec.Profiling.MemoryThresholdMB = cfg.Profiling.MemoryThresholdMB

	ec.Alerts = alerts.Config{
		DedupWindow:        cfg.Alerts.DedupWindow,
		MaxRecordsPerAgent: cfg.Alerts.MaxRecordsPerAgent,
	}
	ec.Notifier = alerts.NotifierConfig{
		WebhookTimeout: cfg.Alerts.WebhookTimeout,
		WebhookRate:    cfg.Alerts.WebhookRate,
		WebhookBurst:   cfg.Alerts.WebhookBurst,
	}
	return ec
}

func newSampler(cfg config.ProfilingConfig) profiling.Sampler {
	if cfg.Sampler == config.SamplerSimulated {
		return profiling.NewSimulatedSampler(cfg.Seed)
	}
	return profiling.NewRuntimeSampler()
}

// pruneArchive drops archived events older than retention at every interval.
func pruneArchive(ctx context.Context, archive *sqlite.Archive, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := archive.Prune(ctx, retention)
			if err != nil {
				logger.Warn("Archive prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Archive pruned", "removed", removed)
			}
		}
	}
}
