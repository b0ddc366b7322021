package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mcpbridge/internal/infra/bridge"
	"mcpbridge/internal/infra/cache"
	"mcpbridge/internal/infra/config"
	"mcpbridge/internal/infra/httpapi"
	"mcpbridge/internal/infra/index"
	"mcpbridge/internal/infra/matcher"
	"mcpbridge/internal/infra/pool"
	"mcpbridge/internal/infra/retry"
	"mcpbridge/internal/infra/telemetry"
	"mcpbridge/internal/infra/transport"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	return &App{
		logger: logger.Named("app"),
	}
}

// Serve wires the full bridge runtime and blocks until ctx is done.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := config.NewLoader(a.logger)
	conf, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(conf.ServerIDs())),
	)

	var store *index.Store
	if conf.StorePath != "" {
		store, err = index.OpenStore(conf.StorePath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	idx := index.New(a.logger)
	if err := a.loadInitialIndex(idx, store, conf.IndexPath); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)
	health := telemetry.NewHealthTracker()

	httpTransport := transport.NewHTTPTransport(transport.HTTPTransportOptions{
		Logger: a.logger,
	})

	connPool := pool.New(httpTransport, conf, pool.Options{
		MaxPerServer: conf.Pool.MaxPerServer,
		MinPerServer: conf.Pool.MinPerServer,
		IdleTimeout:  time.Duration(conf.Pool.IdleSeconds) * time.Second,
		Logger:       a.logger,
		Metrics:      metrics,
		Health:       health,
	})
	connPool.StartIdleReaper(time.Duration(conf.Pool.ReapIntervalSeconds) * time.Second)
	defer func() {
		connPool.StopIdleReaper()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := connPool.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("pool shutdown incomplete", zap.Error(err))
		}
	}()

	responseCache := cache.New(cache.Options{
		MaxEntries: conf.Cache.MaxEntries,
		Logger:     a.logger,
		Metrics:    metrics,
		Health:     health,
	})
	responseCache.StartCleaner(time.Duration(conf.Cache.CleanupSeconds) * time.Second)
	defer responseCache.StopCleaner()

	executor := retry.NewExecutor(retry.Options{
		Logger:  a.logger,
		Metrics: metrics,
	})

	core := bridge.New(idx, matcher.New(idx), connPool, executor, responseCache, bridge.Options{
		MinMatchScore:  conf.Matcher.MinScore,
		CacheTTL:       time.Duration(conf.Cache.TTLSeconds) * time.Second,
		RequestTimeout: conf.RequestTimeout(),
		LeaseTimeout:   conf.LeaseTimeout(),
		RetryPolicy: retry.Policy{
			MaxAttempts:       conf.Retry.MaxAttempts,
			BaseDelay:         time.Duration(conf.Retry.BaseDelayMillis) * time.Millisecond,
			BackoffMultiplier: conf.Retry.BackoffMultiplier,
			JitterRatio:       conf.Retry.JitterRatio,
		},
		HistorySize: conf.HistorySize,
		Logger:      a.logger,
		Metrics:     metrics,
	})

	watcher := index.NewWatcher(idx, conf.IndexPath, index.WatcherOptions{
		Logger: a.logger,
		OnReload: func(reloadErr error) {
			if reloadErr != nil || store == nil {
				return
			}
			a.persistIndex(store, conf.IndexPath)
		},
	})

	apiServer := httpapi.NewServer(core, httpapi.Options{
		IndexPath: conf.IndexPath,
		Logger:    a.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 3)
	go func() {
		if err := watcher.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()
	go func() {
		if err := telemetry.StartHTTPServer(runCtx, telemetry.HTTPServerOptions{
			Addr:          conf.Observability.ListenAddress,
			EnableMetrics: conf.Observability.Metrics,
			EnableHealthz: conf.Observability.Healthz,
			Health:        health,
			Registry:      registry,
		}, a.logger); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := apiServer.Serve(runCtx, conf.API.ListenAddress); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

// loadInitialIndex reads the capability document from disk, falling back
// to the last snapshot saved in the store when the file is unavailable.
// A good on-disk document refreshes the stored snapshot.
func (a *App) loadInitialIndex(idx *index.Index, store *index.Store, path string) error {
	source, readErr := os.ReadFile(path)
	if readErr == nil {
		if err := idx.Refresh(source); err != nil {
			return err
		}
		if store != nil {
			if err := store.Save(source); err != nil {
				a.logger.Warn("index snapshot save failed", zap.Error(err))
			}
		}
		return nil
	}

	if store == nil {
		return fmt.Errorf("read capability index: %w", readErr)
	}
	saved, loadErr := store.Load()
	if loadErr != nil {
		return fmt.Errorf("read capability index: %w", errors.Join(readErr, loadErr))
	}
	a.logger.Warn("capability index file unavailable, serving saved snapshot",
		zap.String("path", path),
		zap.Error(readErr),
	)
	return idx.Refresh(saved)
}

func (a *App) persistIndex(store *index.Store, path string) {
	source, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("index snapshot save skipped", zap.Error(err))
		return
	}
	if err := store.Save(source); err != nil {
		a.logger.Warn("index snapshot save failed", zap.Error(err))
	}
}

// ValidateConfig loads the configuration and the capability index it
// references, and prints the redacted effective config as YAML.
func (a *App) ValidateConfig(_ context.Context, cfg ValidateConfig) error {
	loader := config.NewLoader(a.logger)
	conf, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	source, err := os.ReadFile(conf.IndexPath)
	if err != nil {
		return fmt.Errorf("read capability index: %w", err)
	}
	snapshot, err := index.Load(source)
	if err != nil {
		return err
	}

	indexed := make(map[string]struct{}, len(snapshot.Servers))
	for _, server := range snapshot.Servers {
		indexed[server.ID] = struct{}{}
	}
	for _, id := range conf.ServerIDs() {
		if _, ok := indexed[id]; !ok {
			a.logger.Warn("configured server missing from capability index",
				zap.String("server_id", id),
			)
		}
	}

	out, err := yaml.Marshal(conf.Redacted())
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, string(out))

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(snapshot.Servers)),
	)
	return nil
}
