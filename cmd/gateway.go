package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/offlinegate/internal/config"
	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime"
	"github.com/l0p7/offlinegate/internal/runtime/cache"
	"github.com/l0p7/offlinegate/internal/runtime/lifecycle"
	"github.com/l0p7/offlinegate/internal/runtime/network"
	"github.com/l0p7/offlinegate/internal/runtime/notify"
	"github.com/l0p7/offlinegate/internal/runtime/queue"
	"github.com/l0p7/offlinegate/internal/runtime/request"
	"github.com/l0p7/offlinegate/internal/runtime/strategy"
)

// gateway holds the assembled runtime and the resources it must release.
type gateway struct {
	worker        *runtime.Worker
	fetcher       *network.HTTPFetcher
	notifications *notify.Center
	windows       *notify.Registry
	entries       cache.Store
	mutations     queue.Store
}

func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*gateway, error) {
	fetcher, err := buildFetcher(cfg)
	if err != nil {
		return nil, err
	}
	entries, err := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	if err != nil {
		return nil, err
	}
	mutations, err := buildQueueStore(ctx, cfg.Queue)
	if err != nil {
		_ = entries.Close(ctx)
		return nil, err
	}
	gw := &gateway{
		fetcher:       fetcher,
		notifications: notify.NewCenter(cfg.Notify.History),
		windows:       notify.NewRegistry(),
		entries:       entries,
		mutations:     mutations,
	}

	policy, err := queue.NewPolicy(cfg.Queue.Eligible)
	if err != nil {
		_ = gw.Close(ctx)
		return nil, err
	}
	dispatcher, err := notify.NewDispatcher(notify.Config{
		Presenter: gw.notifications,
		Windows:   gw.windows,
		Origin:    cfg.Notify.Origin,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		_ = gw.Close(ctx)
		return nil, err
	}

	worker, err := runtime.NewWorker(logger, runtime.WorkerOptions{
		Classifier: request.NewClassifier(request.Rules{
			APIPrefixes:        cfg.Classify.APIPrefixes,
			StaticDestinations: cfg.Classify.StaticDestinations,
			Navigation:         cfg.Classify.Navigation,
		}),
		Inference: request.Inference{
			VaryHeaders: cfg.Cache.VaryHeaders,
			Extensions:  cfg.Classify.StaticExtensions,
		},
		Lifecycle: lifecycle.New(lifecycle.Config{
			Store:       entries,
			Fetcher:     fetcher,
			Concurrency: cfg.Lifecycle.Concurrency,
			Metrics:     recorder,
			Logger:      logger,
		}),
		Executor: strategy.New(entries, fetcher, recorder, logger),
		Queue:    mutations,
		Replayer: queue.NewReplayer(queue.ReplayerConfig{
			Store:      mutations,
			Fetcher:    fetcher,
			MaxRetries: cfg.Queue.MaxRetries,
			Metrics:    recorder,
			Logger:     logger,
		}),
		Policy:            policy,
		Dispatcher:        dispatcher,
		SyncTag:           cfg.Queue.SyncTag,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		MaxRequestBody:    cfg.Server.Upstream.MaxRequestBytes,
		Metrics:           recorder,
	})
	if err != nil {
		_ = gw.Close(ctx)
		return nil, err
	}
	gw.worker = worker
	return gw, nil
}

// Close releases both stores and reports the first failure.
func (g *gateway) Close(ctx context.Context) error {
	return errors.Join(g.entries.Close(ctx), g.mutations.Close())
}

func buildFetcher(cfg config.Config) (*network.HTTPFetcher, error) {
	timeout := time.Duration(cfg.Server.Upstream.TimeoutSeconds) * time.Second
	fetcher, err := network.NewHTTPFetcher(cfg.Server.Upstream.URL, timeout,
		network.WithMaxBodyBytes(cfg.Server.Upstream.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream fetcher: %w", err)
	}
	return fetcher, nil
}

// buildCacheStore selects the response cache backend. An unreachable redis
// falls back to memory so the proxy can still start offline.
func buildCacheStore(logger *slog.Logger, cfg config.CacheConfig) (cache.Store, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache", slog.Int("max_entries", cfg.MaxEntries))
		return cache.NewMemory(cfg.MaxEntries), nil
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(cfg.MaxEntries), nil
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return store, nil
	case "badger":
		store, err := cache.NewBadger(cache.BadgerConfig{Path: cfg.Badger.Path})
		if err != nil {
			return nil, fmt.Errorf("badger cache: %w", err)
		}
		logger.Info("using badger response cache", slog.String("path", cfg.Badger.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

func buildQueueStore(ctx context.Context, cfg config.QueueConfig) (queue.Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		return queue.NewMemory(), nil
	case "sqlite":
		store, err := queue.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite queue: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
