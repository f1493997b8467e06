package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/example/workspace-sync/internal/api"
	"github.com/example/workspace-sync/internal/broadcast"
	"github.com/example/workspace-sync/internal/config"
	"github.com/example/workspace-sync/internal/observability"
	"github.com/example/workspace-sync/internal/presence"
	"github.com/example/workspace-sync/internal/realtime"
	"github.com/example/workspace-sync/internal/session"
	"github.com/example/workspace-sync/internal/snapshot"
	"github.com/example/workspace-sync/internal/storage"
	syncstate "github.com/example/workspace-sync/internal/sync"
	"github.com/example/workspace-sync/internal/syncservice"
	"github.com/example/workspace-sync/internal/ws"
)

// store is everything the server needs from the persistence backend.
type store interface {
	syncservice.ChangeLog
	syncservice.SnapshotReader
	syncservice.Directory
	snapshot.Store
	AddMember(ctx context.Context, workspaceID, userID string) error
	Ping(ctx context.Context) error
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	if err := run(ctx, cfg, resources, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, resources *config.Resources, logger zerolog.Logger) error {
	st, err := openStore(ctx, cfg, resources, logger)
	if err != nil {
		return err
	}
	for _, entry := range cfg.DevMembers {
		workspaceID, userID, _ := config.SplitMember(entry)
		if err := st.AddMember(ctx, workspaceID, userID); err != nil {
			return fmt.Errorf("seed member %s: %w", entry, err)
		}
	}

	svcCfg := syncservice.Config{
		ChangeLog:           st,
		Snapshots:           st,
		Directory:           st,
		DivergenceThreshold: cfg.DivergenceThreshold,
		PageLimit:           cfg.PullPageLimit,
		SessionTTL:          cfg.SessionTTL,
		AutoRegisterScopes:  cfg.AutoRegisterScopes,
	}
	if resources.Redis != nil {
		svcCfg.Sessions = session.NewRedisStore(resources.Redis, session.RedisOptions{
			TTL:      cfg.SessionTTL,
			CacheTTL: cfg.SessionCacheTTL,
		}, logger)
		svcCfg.Clocks = syncservice.NewRedisClockCache(resources.Redis, cfg.ClockCacheTTL)
		svcCfg.Presence = presence.NewRedisStore(resources.Redis, cfg.PresenceTTL, logger)
	} else {
		svcCfg.Sessions = session.NewMemoryStore(cfg.SessionTTL)
		svcCfg.Clocks = syncstate.NewClockTracker(cfg.ClockCacheTTL)
		svcCfg.Presence = presence.NewMemoryStore(cfg.PresenceTTL)
	}
	svc, err := syncservice.New(svcCfg, logger)
	if err != nil {
		return fmt.Errorf("create sync service: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	registry := ws.NewConnectionRegistry()
	deliver := realtime.Deliver(registry)
	var fanout broadcast.Fanout = broadcast.NewLocal(deliver)
	if resources.Redis != nil {
		redisFanout := broadcast.NewRedisBroadcaster(resources.Redis, deliver, logger)
		g.Go(func() error { return redisFanout.Run(ctx) })
		fanout = redisFanout
	}

	relay := realtime.NewRelay(svc, fanout, logger).WithConnections(registry)
	if resources.Kafka != nil {
		sink := broadcast.NewKafkaSink(resources.Kafka, cfg.KafkaTopic, broadcast.KafkaSinkOptions{}, logger)
		defer sink.Close()
		relay.WithSink(sink)
	}
	relay.Start()
	defer relay.Stop()

	gateway, err := ws.NewGateway(svc, registry, logger, relay.Hooks(), ws.GatewayConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("create realtime gateway: %w", err)
	}

	router, err := api.NewRouter(svc, api.Options{
		Realtime:       gateway,
		Health:         health(st, resources),
		AllowedOrigins: cfg.CORSOrigins,
	}, logger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	worker := snapshot.NewWorker(st, snapshot.Options{
		Interval:  cfg.SnapshotInterval,
		Threshold: cfg.SnapshotThreshold,
	}, logger)
	g.Go(func() error { return worker.Run(ctx) })

	g.Go(func() error {
		healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)
		return nil
	})

	logger.Info().Str("store", cfg.StoreBackend).Bool("redis", resources.Redis != nil).
		Bool("kafka", resources.Kafka != nil).Msg("server dependencies initialized")

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, resources *config.Resources, logger zerolog.Logger) (store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}

	if err := storage.Migrate(ctx, resources.Postgres); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	var opts []storage.PostgresOption
	if resources.Object != nil {
		blobs := storage.NewObjectSnapshots(resources.Object, cfg.ObjectBucket)
		if err := blobs.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
			return nil, fmt.Errorf("prepare snapshot bucket: %w", err)
		}
		opts = append(opts, storage.WithBlobStore(blobs))
	}
	return storage.NewPostgresStore(resources.Postgres, opts...), nil
}

func health(st store, resources *config.Resources) api.HealthFunc {
	return func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return err
		}
		return resources.HealthCheck(ctx)
	}
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
