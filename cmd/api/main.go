package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/app"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/config"
	"marginalia/api/internal/export"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/recovery"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	side, closeSide, err := openRecovery(cfg, log)
	if err != nil {
		return err
	}
	defer closeSide()

	pgfts := search.NewPgFTS(db)
	var primary search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, pgfts, log)
	go searchService.ReindexAllFromPG(ctx, pgfts)

	deps := app.Deps{
		Store:    store.NewPostgresStore(db),
		Git:      gitrepo.New(cfg.ReposDir),
		Search:   searchService,
		Export:   export.NewService(log),
		Recovery: side,
		Issuer:   auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL),
		Logger:   log,
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := export.NewArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, log)
		if err != nil {
			return fmt.Errorf("export archive: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Warn("export bucket unavailable, archiving disabled", zap.Error(err))
		} else {
			deps.Archive = archive
		}
	}

	service := app.New(cfg, deps)
	defer service.Close()
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap failed, will retry on next restart", zap.Error(err))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("marginalia api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// openRecovery picks the store that keeps full comment content for rebuilds.
func openRecovery(cfg config.Config, log *zap.Logger) (recovery.Store, func(), error) {
	switch cfg.RecoveryBackend {
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, nil, errors.New("REDIS_URL is required for the redis recovery backend")
		}
		rs, err := recovery.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		log.Info("recovery records in redis")
		return rs, closer(rs, log), nil
	case "memory":
		log.Warn("recovery records kept in memory only")
		return recovery.NewMemoryStore(), func() {}, nil
	default:
		ps, err := recovery.OpenPebble(cfg.RecoveryPath, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open recovery store: %w", err)
		}
		log.Info("recovery records in pebble", zap.String("path", cfg.RecoveryPath))
		return ps, closer(ps, log), nil
	}
}

func closer(c io.Closer, log *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("close recovery store", zap.Error(err))
		}
	}
}
