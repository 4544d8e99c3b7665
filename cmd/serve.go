package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/offlinegate/internal/config"
	"github.com/l0p7/offlinegate/internal/logging"
	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime"
	"github.com/l0p7/offlinegate/internal/runtime/connectivity"
	"github.com/l0p7/offlinegate/internal/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		Long: `Run the caching proxy in front of the configured upstream.

The configured manifest is installed and activated at startup. When the
upstream is unreachable the last persisted generation is resumed instead.

Examples:
  # Serve with a configuration file
  offlinegate serve --config /etc/offlinegate/config.yaml

  # Override the upstream through the environment
  OFFLINEGATE_SERVER__UPSTREAM__URL=http://dashboard:3000 offlinegate serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Server.Logging)
			if err != nil {
				return fmt.Errorf("configure logger: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	gw, err := buildGateway(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	monitorCfg := connectivity.Config{
		OnRestore: func(ctx context.Context) { syncQueue(ctx, logger, gw.worker, "connectivity restored") },
		Metrics:   recorder,
		Logger:    logger,
	}
	if cfg.Connectivity.ProbeURL != "" && cfg.Connectivity.IntervalSeconds > 0 {
		monitorCfg.Probe = connectivity.FetchProbe(gw.fetcher, cfg.Connectivity.ProbeURL)
		monitorCfg.Interval = time.Duration(cfg.Connectivity.IntervalSeconds) * time.Second
	}
	monitor := connectivity.New(monitorCfg)
	gw.fetcher.SetObserver(monitor)

	deployAtBoot(ctx, cfg.Lifecycle, logger, gw.worker)

	if cfg.Lifecycle.ManifestFile != "" {
		watcher, err := config.WatchManifest(ctx, cfg.Lifecycle, func(m config.Manifest) error {
			if err := gw.worker.Deploy(ctx, m); err != nil {
				return err
			}
			logger.Info("manifest deployed", slog.String("generation", m.Generation))
			return nil
		}, func(err error) {
			logger.Error("manifest watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler, err := server.NewRouter(server.RouterOptions{
		Worker:        gw.worker,
		Notifications: gw.notifications,
		Windows:       gw.windows,
		Metrics:       recorder.Handler(),
		Online:        monitor.Online,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error { return monitor.Run(groupCtx) })
	group.Go(func() error {
		syncQueue(groupCtx, logger, gw.worker, "startup")
		return nil
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// deployAtBoot installs the configured manifest, resuming the persisted
// generation when the install cannot complete.
func deployAtBoot(ctx context.Context, lc config.LifecycleConfig, logger *slog.Logger, worker *runtime.Worker) {
	manifest, err := lc.ResolveManifest()
	if err != nil {
		logger.Error("manifest unavailable, serving without a cache generation", slog.Any("error", err))
		return
	}
	err = worker.Deploy(ctx, manifest)
	if err == nil {
		logger.Info("cache generation active", slog.String("generation", manifest.Generation))
		return
	}
	logger.Warn("install failed at startup", slog.String("generation", manifest.Generation), slog.Any("error", err))
	if status := worker.Generation(); status.Current == manifest.Generation {
		return
	}
	if err := worker.Resume(ctx, manifest.Generation); err != nil {
		logger.Error("no persisted generation to resume", slog.String("generation", manifest.Generation), slog.Any("error", err))
		return
	}
	logger.Info("resumed persisted cache generation", slog.String("generation", manifest.Generation))
}

func syncQueue(ctx context.Context, logger *slog.Logger, worker *runtime.Worker, reason string) {
	result, err := worker.Sync(ctx, "")
	attrs := []slog.Attr{
		slog.String("reason", reason),
		slog.Int("replayed", result.Replayed),
		slog.Int("parked", result.Parked),
		slog.Int("remaining", result.Remaining),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.LogAttrs(ctx, slog.LevelWarn, "mutation replay incomplete", attrs...)
		return
	}
	if result.Replayed > 0 || result.Parked > 0 {
		logger.LogAttrs(ctx, slog.LevelInfo, "mutation replay finished", attrs...)
	}
}
