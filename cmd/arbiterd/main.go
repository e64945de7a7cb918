package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arbiterhq/arbiter/pkg/admin"
	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/cache"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/middleware"
	"github.com/arbiterhq/arbiter/pkg/observability"
	"github.com/arbiterhq/arbiter/pkg/store"
)

func main() {
	// Process-level logging; everything past startup goes through the
	// structured logger.
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(config.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}

	if err := store.RunMigrations(ctx, db, logger); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	s := store.New(db)
	if err := store.SeedBuiltInRoles(ctx, s, logger); err != nil {
		log.WithError(err).Fatal("Failed to seed built-in roles")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	permCache, memCache, redisCache, err := buildCache(cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize permission cache")
	}

	resolver := authz.NewResolver(s, s, permCache, authz.Config{
		CacheTTL: cfg.Cache.TTL,
		Logger:   logger,
		Metrics:  metrics,
	})

	service := admin.NewService(s, resolver, logger, metrics)

	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.AuthMiddleware(s))
	router.Use(middleware.OrgContextMiddleware())
	router.Use(metricsMiddleware(metrics))

	admin.NewHandlers(service, resolver).RegisterRoutes(router)

	var handler http.Handler = router
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(router, "arbiter")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisClientOf(redisCache))
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}

	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	jobs := cron.New()
	jobs.AddFunc("@every 30s", func() {
		stats := db.Stats()
		metrics.DBConnectionsActive.Set(float64(stats.InUse))
		metrics.DBConnectionsIdle.Set(float64(stats.Idle))
	})
	if memCache != nil {
		jobs.AddFunc("@every 1m", func() {
			stats := memCache.Stats()
			logger.WithFields(map[string]interface{}{
				"items":    stats.ItemCount,
				"hits":     stats.Hits,
				"misses":   stats.Misses,
				"hit_rate": stats.HitRate,
			}).Debug("permission cache stats")
		})
	}
	jobs.Start()
	defer jobs.Stop()

	go func() {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Health server failed")
		}
	}()

	go func() {
		logger.Infof("Arbiter listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Health server shutdown failed")
	}

	if memCache != nil {
		memCache.Close()
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			logger.WithError(err).Error("Redis close failed")
		}
	}

	if err := observability.ShutdownOTel(shutdownCtx, providers, logger); err != nil {
		logger.WithError(err).Error("OpenTelemetry shutdown failed")
	}

	logger.Info("Shutdown complete")
}

// buildCache constructs the configured cache backend. Exactly one of the
// two concrete returns is non-nil.
func buildCache(cfg *config.Config, logger *observability.Logger) (authz.PermissionCache, *cache.MemoryCache, *cache.RedisCache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			URL:        cfg.Cache.RedisURL,
			Password:   cfg.Cache.RedisPassword,
			DB:         cfg.Cache.RedisDB,
			MaxRetries: cfg.Cache.RedisMaxRetries,
			PoolSize:   cfg.Cache.RedisPoolSize,
			TTL:        cfg.Cache.TTL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		logger.WithField("backend", "redis").Info("Permission cache initialized")
		return rc, nil, rc, nil
	default:
		mc := cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
		logger.WithFields(map[string]interface{}{
			"backend":     "memory",
			"max_entries": cfg.Cache.MaxEntries,
		}).Info("Permission cache initialized")
		return mc, mc, nil, nil
	}
}

func redisClientOf(rc *cache.RedisCache) *redis.Client {
	if rc == nil {
		return nil
	}
	return rc.Client()
}

// metricsMiddleware records request counts and latency labeled by route
// template, not raw path, to keep label cardinality bounded.
func metricsMiddleware(m *observability.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.InstrumentHandler(path, next).ServeHTTP(w, r)
		})
	}
}
