package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/clindoc/internal/config"
	"github.com/ehr/clindoc/internal/domain/formcomponent"
	"github.com/ehr/clindoc/internal/domain/formdata"
	"github.com/ehr/clindoc/internal/domain/template"
	"github.com/ehr/clindoc/internal/platform/auth"
	"github.com/ehr/clindoc/internal/platform/cache"
	"github.com/ehr/clindoc/internal/platform/db"
	"github.com/ehr/clindoc/internal/platform/formschema"
	"github.com/ehr/clindoc/internal/platform/middleware"
	"github.com/ehr/clindoc/internal/platform/telemetry"
	"github.com/ehr/clindoc/internal/platform/tenant"
	"github.com/ehr/clindoc/pkg/retry"
)

const version = "0.1.0"

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.New()

	store, closeStore, err := newCacheStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	coord := cache.NewCoordinator(store, cfg.CacheTTL(), logger, metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.AuthSigningKey == "" {
		jwtCfg.SigningKey = nil
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests run as admin")
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout()),
		authMW,
		tenant.Middleware(cfg.DefaultTenant),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		}),
		middleware.Audit(logger),
	)

	tx := db.NewTransactor(pool)
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.VersionRetryAttempts

	templateSvc := template.NewService(
		template.NewTemplateRepoPG(pool),
		template.NewVersionRepoPG(pool),
		template.NewCategoryRepoPG(pool),
		tx, coord, logger,
		template.WithMetrics(metrics),
		template.WithRetry(retryCfg),
	)
	template.NewHandler(templateSvc).RegisterRoutes(apiV1)

	formSvc := formdata.NewService(
		formdata.NewFormDataRepoPG(pool),
		formdata.NewStatusHistoryRepoPG(pool),
		templateSvc,
		formschema.NewValidator(cfg.SchemaCacheSize, metrics),
		tx, coord, logger,
		formdata.WithMetrics(metrics),
	)
	formdata.NewHandler(formSvc).RegisterRoutes(apiV1)

	componentSvc := formcomponent.NewService(
		formcomponent.NewComponentRepoPG(pool),
		formcomponent.NewHistoryRepoPG(pool),
		tx, coord, logger,
		formcomponent.WithMetrics(metrics),
	)
	formcomponent.NewHandler(componentSvc).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("cache", cfg.CacheBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newCacheStore builds the cache backend named by CACHE_BACKEND. The memory
// store's janitor stops with ctx.
func newCacheStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, func(), error) {
	if cfg.CacheBackend == "memory" {
		store := cache.NewMemoryStore()
		store.StartCleanup(ctx, time.Minute)
		logger.Info().Msg("using in-memory cache")
		return store, func() {}, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to redis")
	return cache.NewRedisStore(client), func() { _ = client.Close() }, nil
}
