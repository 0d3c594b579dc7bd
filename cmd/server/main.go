// Cumulus Server
//
// Multi-tenant file storage backend:
// - PostgreSQL metadata tree with trash, starring and search
// - S3 or local filesystem blob storage, opaque-key addressed
// - Per-user storage quotas with strict enforcement
// - SSE change events, Prometheus metrics, structured logging (zap)
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/api"
	"github.com/cumulusfs/cumulus/internal/auth"
	"github.com/cumulusfs/cumulus/internal/config"
	"github.com/cumulusfs/cumulus/internal/engine"
	"github.com/cumulusfs/cumulus/internal/events"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metadata/postgres"
	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/notify"
	"github.com/cumulusfs/cumulus/internal/quota"
	"github.com/cumulusfs/cumulus/internal/storage"
	"github.com/cumulusfs/cumulus/internal/storage/local"
	s3storage "github.com/cumulusfs/cumulus/internal/storage/s3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Cumulus Server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("storage", cfg.Storage.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store
	logging.Info("connecting to PostgreSQL...")
	tree, err := postgres.New(cfg.DB.URL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer tree.Close()

	if cfg.DB.MigrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", cfg.DB.MigrationsDir))
		if err := tree.Migrate(cfg.DB.MigrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Object store backend
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage backend ready", zap.String("type", backend.Type()))

	// Quota ledger and rate limiter
	ledger := quota.NewLedger(tree.DB(), quota.Defaults{
		LimitBytes:    cfg.Quota.DefaultLimitBytes,
		RetentionDays: cfg.Trash.DefaultRetentionDays,
	})
	rateLimiter := quota.NewRateLimiter(cfg.Server.RateLimitPerMin)

	// Events and notifications
	broadcaster := events.NewBroadcaster()
	notifier := notify.New(broadcaster, nil)
	go notifier.Run(ctx)

	// Lifecycle engine and trash reaper
	eng := engine.New(tree, ledger, backend, broadcaster)
	reaper := engine.NewReaper(eng, cfg.Trash.SweepInterval)
	go reaper.Run(ctx)

	// Auth
	authHandler := auth.New(cfg.Auth.JWTSecret)

	// API server with readiness checks on both stores
	srv := api.NewServer(eng, authHandler, broadcaster, rateLimiter, cfg,
		func(ctx context.Context) error { return tree.DB().PingContext(ctx) },
		backend.HealthCheck,
	)

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}

	// Periodic DB connection metrics and rate limiter cleanup
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tree.UpdateConnectionMetrics()
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("http shutdown error", zap.Error(err))
		}
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.Server.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case "local":
		backend, err = local.New(local.Config{RootPath: cfg.Storage.Local.RootPath})
	default:
		backend, err = s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Bucket:    cfg.Storage.S3.Bucket,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Region:    cfg.Storage.S3.Region,
		})
	}
	if err != nil {
		return nil, err
	}
	return storage.WithTimeout(backend, cfg.Storage.OpTimeout), nil
}
