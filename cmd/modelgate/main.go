package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/modelgate/modelgate/pkg/api"
	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/config"
	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/middleware"
	"github.com/modelgate/modelgate/pkg/observability"
	"github.com/modelgate/modelgate/pkg/store"
	"github.com/modelgate/modelgate/pkg/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "modelgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting modelgate")

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	storeCfg := store.Config{
		PostgresURL: cfg.Database.PostgresURL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		TablePrefix: cfg.Database.TablePrefix,
	}

	db, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	logger.WithField("dialect", storeCfg.Dialect()).Info("database connected")

	startupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := store.RunMigrations(startupCtx, db, storeCfg, logger); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	st := store.New(db, storeCfg)
	hasher := auth.NewHasher(cfg.Auth.BcryptCost)

	if err := store.EnsureDefaultAdmin(startupCtx, st, hasher, cfg.Auth.BootstrapAdminUser, cfg.Auth.BootstrapAdminPassword, logger); err != nil {
		db.Close()
		return fmt.Errorf("failed to bootstrap admin user: %w", err)
	}

	// With Redis enabled, token reads go through the advisory cache and
	// logins are rate limited. Without it, everything hits the database.
	var redisClient *redis.Client
	var authStore auth.Store = st
	var apiStore api.Store = st
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cached, err := store.NewCachedStore(st, redisClient, cfg.Redis.CacheTTL, logger, metrics)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to initialize token cache: %w", err)
		}
		authStore = cached
		apiStore = cached
		logger.WithField("addr", cfg.Redis.Addr).Info("redis cache enabled")
	}

	limiter := middleware.NewLoginRateLimiter(redisClient, cfg.Redis.LoginRateLimit, cfg.Redis.LoginRateWindow, logger)

	svc := auth.NewService(
		authStore,
		auth.NewCodec(cfg.Auth.Secret),
		hasher,
		auth.ServiceConfig{
			SessionTTL:        cfg.Auth.SessionTTL,
			AccessTTL:         cfg.Auth.AccessTTL,
			AdminNeverExpires: cfg.Auth.AdminNeverExpires,
		},
		logger,
		metrics,
	)

	recorder := usage.NewDBRecorder(st, cfg.Usage.BufferSize, cfg.Usage.FlushInterval, logger, metrics)

	retention := store.NewRetentionJob(st, cfg.Database.RetentionSchedule, cfg.Database.RetentionAge, logger)
	if err := retention.Start(); err != nil {
		db.Close()
		return fmt.Errorf("failed to start retention job: %w", err)
	}

	server := api.NewServer(svc, apiStore, hasher, limiter, recorder, cfg.Auth.AllowedPaths, logger, metrics)
	handler := server.Handler()
	if len(cfg.Server.AllowedOrigins) > 0 {
		handler = httputil.CORSMiddleware(cfg.Server.AllowedOrigins)(handler)
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	poolStop := make(chan struct{})
	if metrics != nil {
		go observePool(db, metrics, poolStop)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		close(poolStop)
		retention.Stop()
		recorder.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		return db.Close()
	})

	var group errgroup.Group
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		return err
	}
	return group.Wait()
}

// observePool copies database pool stats into the gauges every few
// seconds.
func observePool(db *sql.DB, metrics *observability.Metrics, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.ObserveDBPool(db.Stats())
		case <-stop:
			return
		}
	}
}
