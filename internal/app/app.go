// Package app is the composition root: it wires the cache tiers, database
// manager, health monitor, and auth core together from configuration, with
// no lazy globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jewgo-app/core-platform/internal/auth"
	"github.com/jewgo-app/core-platform/internal/auth/session"
	"github.com/jewgo-app/core-platform/internal/auth/token"
	"github.com/jewgo-app/core-platform/internal/cache"
	"github.com/jewgo-app/core-platform/internal/cache/l1"
	"github.com/jewgo-app/core-platform/internal/cache/l3"
	"github.com/jewgo-app/core-platform/internal/cache/querycache"
	"github.com/jewgo-app/core-platform/internal/cache/redisclient"
	"github.com/jewgo-app/core-platform/internal/config"
	"github.com/jewgo-app/core-platform/internal/database"
	"github.com/jewgo-app/core-platform/internal/database/health"
	"github.com/jewgo-app/core-platform/internal/httpserver"
	"github.com/jewgo-app/core-platform/internal/metrics"
	"github.com/jewgo-app/core-platform/internal/platform"
	"github.com/jewgo-app/core-platform/internal/telemetry"
)

// Run reads config, connects to infrastructure, wires every core (cache,
// database, auth), and starts the HTTP server until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting jewgo core platform", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	dbPoolCfg := platform.PostgresPoolConfig{
		PoolSize:         cfg.DBPoolSize,
		MaxOverflow:      cfg.DBMaxOverflow,
		PrePing:          cfg.DBPoolPrePing,
		ConnectTimeout:   mustParseDuration(cfg.DBConnectTimeout, 10*time.Second),
		PoolTimeout:      mustParseDuration(cfg.DBPoolTimeout, 30*time.Second),
		PoolRecycle:      mustParseDuration(cfg.DBPoolRecycle, time.Hour),
		StatementTimeout: mustParseDuration(cfg.DBStatementTimeout, 60*time.Second),
		IdleInTxTimeout:  mustParseDuration(cfg.DBIdleTxTimeout, 5*time.Minute),
	}
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, dbPoolCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// --- Cache tiers (C1-C3) ---
	l1Cache := l1.New(cfg.L1MaxEntries, cfg.L1MaxBytes)
	l2Client := redisclient.New(rdb, cfg.L2Prefix, cfg.L2CompressionThreshold, logger)
	l3Store, err := l3.New(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("creating durable cache store: %w", err)
	}

	// --- Multi-tier cache manager (C4) ---
	cacheMgr := cache.New(l1Cache, l2Client, l3Store, logger)

	// --- Query-result cache (C5) ---
	qc := querycache.New(cacheMgr, logger, cfg.L1MaxEntries)
	qc.SetSlowQueryThreshold(time.Duration(cfg.DBSlowQueryThreshold * float64(time.Second)))

	// --- Database manager (C6) ---
	dbPoolConfig := database.PoolConfig{
		PoolSize:         cfg.DBPoolSize,
		MaxOverflow:      cfg.DBMaxOverflow,
		PoolTimeout:      mustParseDuration(cfg.DBPoolTimeout, 30*time.Second),
		PoolRecycle:      mustParseDuration(cfg.DBPoolRecycle, time.Hour),
		PrePing:          cfg.DBPoolPrePing,
		StatementTimeout: mustParseDuration(cfg.DBStatementTimeout, 60*time.Second),
		ConnectTimeout:   mustParseDuration(cfg.DBConnectTimeout, 10*time.Second),
		IdleInTxTimeout:  mustParseDuration(cfg.DBIdleTxTimeout, 5*time.Minute),
		SlowQueryThresh:  time.Duration(cfg.DBSlowQueryThreshold * float64(time.Second)),
	}
	dbMgr := database.New(pool, qc, logger, dbPoolConfig)

	// --- Rolling-window metrics aggregator and threshold alerting (C8) ---
	aggregator := metrics.New(nil)
	dbMgr.SetAggregator(aggregator)
	cacheMgr.SetAggregator(aggregator)
	alertMgr := metrics.NewAlertManager(metrics.DefaultRules(), logger)
	alertMgr.RegisterNotifier(slogAlertNotifier{logger: logger})
	hostSampler := metrics.NewHostSampler(cfg.HostDiskPath)
	go runAlertLoop(ctx, aggregator, alertMgr, hostSampler)

	// --- L3 durable cache cleanup, at least hourly ---
	cleanupInterval := mustParseDuration(cfg.CacheCleanupInterval, time.Hour)
	go runCacheCleanupLoop(ctx, cacheMgr, logger, cleanupInterval)

	// --- Scheduled cache warming strategies, if any were registered ---
	go cacheMgr.RunScheduledWarming(ctx)

	// --- Health monitor (C7) ---
	healthCfg := health.DefaultConfig()
	healthCfg.Interval = mustParseDuration(cfg.HealthCheckInterval, 30*time.Second)
	healthCfg.MaxResponseTimeMs = float64(cfg.HealthMaxResponseTimeMs)
	healthMonitor := health.New(pool, healthCfg, logger)
	go healthMonitor.Run(ctx)
	defer healthMonitor.Stop()

	// --- Metrics registry ---
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	go reportPoolMetrics(ctx, dbMgr)

	// --- Token manager (C9) ---
	signingKey, err := loadSigningKey(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading JWT signing key: %w", err)
	}
	tokenMgr, err := token.New([]token.KeyPair{signingKey},
		time.Duration(cfg.JWTAccessExpireHours*float64(time.Hour)),
		time.Duration(cfg.JWTRefreshExpireDays*24*float64(time.Hour)),
	)
	if err != nil {
		return fmt.Errorf("creating token manager: %w", err)
	}

	// --- Session store (C10) ---
	sessionStore := session.New(pool)

	// --- Auth service (C11) ---
	authCfg := auth.Config{
		AccessTTL:              time.Duration(cfg.JWTAccessExpireHours * float64(time.Hour)),
		RefreshTTL:             time.Duration(cfg.JWTRefreshExpireHoursNoRemember * float64(time.Hour)),
		RememberMeRefreshTTL:   time.Duration(cfg.JWTRefreshExpireDays * 24 * float64(time.Hour)),
		BcryptCost:             cfg.BcryptRounds,
		MaxFailedLoginAttempts: cfg.MaxFailedLoginAttempts,
		AccountLockoutMinutes:  cfg.AccountLockoutMinutes,
	}
	authSvc := auth.New(pool, sessionStore, tokenMgr, cacheMgr, nil, logger, authCfg)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, metricsReg, tokenMgr, authSvc, healthMonitor, aggregator)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry,
	tokenMgr *token.Manager, authSvc *auth.Service, healthMonitor *health.Monitor, aggregator *metrics.Aggregator) error {

	srv := httpserver.New(
		httpserver.Config{CORSAllowedOrigins: cfg.CORSAllowedOrigins},
		logger, metricsReg, aggregator,
		httpserver.JWKSHandler(logger, func() any { return tokenMgr.JWKS() }),
		httpserver.HealthReadyCheck(healthMonitor),
	)

	authHandler := auth.NewHandler(authSvc)
	srv.Router.Mount("/api/v1/auth", authHandler.Routes())

	srv.APIRouter.Get("/metrics/summary", func(w http.ResponseWriter, r *http.Request) {
		httpserver.Respond(w, http.StatusOK, aggregator.Snapshot())
	})

	verifier := auth.Middleware(tokenMgr, func(jti string) bool { return authSvc.IsTokenBlacklisted(ctx, jti) })
	srv.APIRouter.Group(func(r chi.Router) {
		r.Use(verifier)
		r.Use(auth.RequireAuth)
		r.Mount("/auth", authHandler.AuthenticatedRoutes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func loadSigningKey(cfg *config.Config, logger *slog.Logger) (token.KeyPair, error) {
	if cfg.JWTPrivateKeyPEM != "" {
		return token.LoadKeyPair(cfg.JWTKeyID, cfg.JWTPrivateKeyPEM)
	}
	logger.Warn("JWT_PRIVATE_KEY_PEM not set; generating an ephemeral development signing key")
	return token.GenerateDevKeyPair(cfg.JWTKeyID)
}

func reportPoolMetrics(ctx context.Context, dbMgr *database.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := dbMgr.HealthCheck(ctx)
			telemetry.DBPoolConnections.WithLabelValues("total").Set(float64(snap.PoolSize))
			telemetry.DBPoolConnections.WithLabelValues("idle").Set(float64(snap.IdleConns))
			telemetry.DBPoolConnections.WithLabelValues("acquired").Set(float64(snap.AcquiredConn))
		}
	}
}

// slogAlertNotifier logs every alert transition; it never fails, so it
// never gets dropped by AlertManager's bypass-on-error handling.
type slogAlertNotifier struct{ logger *slog.Logger }

func (n slogAlertNotifier) Notify(a metrics.Alert) error {
	n.logger.Warn("alert transition", "alert", a.String())
	return nil
}

func runAlertLoop(ctx context.Context, aggregator *metrics.Aggregator, alertMgr *metrics.AlertManager, hostSampler *metrics.HostSampler) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, mem, disk := hostSampler.Sample()
			aggregator.RecordHostSample(cpu, mem, disk)
			alertMgr.Evaluate(aggregator.Snapshot(), nil)
		}
	}
}

// runCacheCleanupLoop purges expired L3 rows at least hourly; L1/L2 expire
// lazily on access or via Redis TTL and need no equivalent sweep.
func runCacheCleanupLoop(ctx context.Context, cacheMgr *cache.Manager, logger *slog.Logger, interval time.Duration) {
	// "at least hourly": never let a misconfigured interval push cleanup out
	// past the one sweep per hour the spec requires.
	if interval <= 0 || interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := cacheMgr.CleanupExpired(ctx)
			logger.Info("cache: expired entries purged", "l3", counts.L3)
		}
	}
}

func mustParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
