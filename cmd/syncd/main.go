package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goldrock/internal/api"
	"goldrock/internal/backend"
	"goldrock/internal/config"
	"goldrock/internal/database"
	"goldrock/internal/domain"
	"goldrock/internal/events"
	"goldrock/internal/logging"
	"goldrock/internal/metrics"
	"goldrock/internal/models"
	"goldrock/internal/offline"
	"goldrock/internal/repository"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	logger := logging.Component(baseLogger, "syncd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := initRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = repository.Close(redisClient) }()

	store, db, err := initQueueStore(cfg, redisClient, baseLogger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if cfg.Database.Backup.Enabled {
			backups := database.NewBackupService(db, cfg.Database.Backup, logging.Component(baseLogger, "backup"))
			go backups.Start(ctx)
		}
	}

	bus := events.NewEventBus()
	bus.Subscribe(events.EventActionDropped, func(e *events.Event) error {
		var p events.ActionEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		logger.Warn().
			Str("action_id", p.ActionID).
			Str("kind", p.Kind).
			Str("error", p.Error).
			Msg("action could not be delivered and was discarded")
		return nil
	})

	client := backend.NewClient(cfg.Backend)
	source := offline.NewSignalSource()
	coordinator := offline.NewCoordinator(offline.Options{
		Store:     store,
		Deliverer: client,
		Router:    offline.NewRouter(cfg.Backend),
		Source:    source,
		Prober:    client,
		Events:    bus,
		Retry: offline.RetryPolicy{
			MaxRetries:    cfg.Sync.Retries(),
			InitialDelay:  cfg.Sync.InitialDelay,
			MaxDelay:      cfg.Sync.MaxDelay,
			BackoffFactor: cfg.Sync.BackoffFactor,
		},
		AssumeOnline:   cfg.Sync.AssumeOnline,
		NotifyOnDrop:   cfg.Sync.NotifyDrops(),
		RedrainEnabled: cfg.Sync.RedrainEnabled,
		Logger:         logging.Component(baseLogger, "coordinator"),
	})

	startMetrics(ctx, cfg, logger)
	coordinator.Start(ctx)

	cache := initResourceCache(cfg, redisClient, baseLogger)
	fetcher := backend.NewCachedFetcher(client, cache, logging.Component(baseLogger, "fetcher"))

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Deps{
			Coordinator: coordinator,
			Signals:     source,
			Resources:   fetcher,
		}, logging.Component(baseLogger, "api"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
				stop()
			}
		}()
	} else {
		logger.Warn().Msg("local API is disabled; only boot and redrain drains will run")
	}

	logger.Info().
		Str("store", cfg.Sync.Store).
		Str("cache", cfg.Cache.Backend).
		Bool("online", coordinator.IsOnline()).
		Int("pending", coordinator.QueueStatus().PendingCount).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("drain interrupted by shutdown; remaining actions stay queued")
	}

	logger.Info().Msg("sync daemon stopped")
	return nil
}

// initRedis connects when an address is configured. A failure is fatal only when redis holds the queue.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, error) {
	if cfg.Redis.Address == "" {
		return nil, nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		if cfg.Sync.Store == models.StoreRedis {
			_ = client.Close()
			return nil, err
		}
		logger.Warn().Err(err).Msg("redis connection failed, resource cache starts on memory fallback")
		return client, nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client, nil
}

func initQueueStore(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.QueueStore, *database.DB, error) {
	switch cfg.Sync.Store {
	case models.StoreRedis:
		return repository.NewRedisQueueStore(redisClient, cfg.Sync.QueueKey), nil, nil
	case models.StoreMemory:
		return repository.NewMemoryQueueStore(), nil, nil
	default:
		db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
		if err != nil {
			return nil, nil, fmt.Errorf("init database: %w", err)
		}
		return database.NewQueueStore(db), db, nil
	}
}

func initResourceCache(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.ResourceCache {
	memory := repository.NewMemoryResourceCache()
	if cfg.Cache.Backend != models.CacheRedis || redisClient == nil {
		return memory
	}
	primary := repository.NewRedisResourceCache(redisClient, cfg.Cache.Prefix)
	return repository.NewFailoverResourceCache(primary, memory, logging.Component(logger, "cache"))
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	metrics.Register()
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
