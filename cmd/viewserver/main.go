// Copyright (c) 2026 Relsync. All rights reserved.

/*
Viewserver is the entry point for the Relsync incremental view maintenance
engine's debug and replication HTTP surface.

The engine itself specifies no outer transport (network framing is an
external collaborator); this binary gives the pipeline a runnable host
process, the way the teacher's cmd/api is the runnable entry point for its
own domain.

Usage:

	go run cmd/viewserver/main.go [flags]

The flags/environment variables are:

	SERVER_PORT             Port to listen on (default: 8080)
	ENVIRONMENT             deployment environment (development, production)
	CHANGELOG_DATABASE_URL  Postgres connection string backing the change log (required)
	POKE_REDIS_URL          Redis connection string for poke pub/sub (required)

Startup Sequence:

 1. Logger: Initialize structured JSON logging (slog).
 2. Config: Load and validate environment variables.
 3. Changelog: Connect to Postgres, run migrations, load the watermark.
 4. Poke transport: Connect to Redis.
 5. Engine: Construct the demo Source/operator graph and its root ArrayView.
 6. Server: Bind HTTP listener and handle graceful shutdown.

No engine logic lives here. This file is strictly for orchestration and wiring.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relsync/relsync/internal/api"
	"github.com/relsync/relsync/internal/ivm/changelog"
	"github.com/relsync/relsync/internal/platform/config"
	"github.com/relsync/relsync/internal/platform/constants"
	"github.com/relsync/relsync/internal/platform/middleware"
	"github.com/relsync/relsync/internal/platform/migration"
	pgstore "github.com/relsync/relsync/internal/platform/postgres"
	redisstore "github.com/relsync/relsync/internal/platform/redis"
	"github.com/relsync/relsync/internal/platform/sec"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application_startup_failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// # 1. Logger
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("viewserver_initializing")

	// # 2. Configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
	)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// # 3. Changelog (Postgres)
	pool, err := pgstore.NewPool(startupCtx, cfg.ChangelogDatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect to changelog database: %w", err)
	}
	defer func() {
		log.Info("closing changelog pool")
		pool.Close()
	}()

	if err := migration.RunUp(cfg.ChangelogDatabaseURL, cfg.MigrationPath, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	changelogStore := changelog.New(pool)
	if err := changelogStore.LoadWatermark(startupCtx); err != nil {
		return fmt.Errorf("load changelog watermark: %w", err)
	}
	log.Info("changelog_ready", slog.String("watermark", changelogStore.Watermark()))

	// # 4. Poke Transport (Redis)
	rdb, err := redisstore.NewClient(startupCtx, cfg.PokeRedisURL, log)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer func() {
		log.Info("closing redis client")
		if cerr := rdb.Close(); cerr != nil {
			log.Error("redis close error", slog.Any("error", cerr))
		}
	}()

	// # 5. Engine
	registry, err := api.NewRegistry(cfg, log)
	if err != nil {
		return fmt.Errorf("build engine registry: %w", err)
	}

	var verifier middleware.TokenVerifier = sec.NoopVerifier{}
	if cfg.JWTPrivKeyPath != "" && cfg.JWTPubKeyPath != "" {
		jwtSvc, err := sec.NewTokenService(cfg.JWTPrivKeyPath, cfg.JWTPubKeyPath, constants.AuthIssuer)
		if err != nil {
			return fmt.Errorf("initialize jwt service: %w", err)
		}
		verifier = jwtSvc
	} else {
		log.Warn("jwt_keys_not_configured", slog.String("effect", "all bearer tokens will be rejected"))
	}

	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{
		CheckDatabase: func() error {
			return pgstore.Ping(context.Background(), pool)
		},
		CheckCache: func() error {
			return redisstore.Ping(context.Background(), rdb)
		},
	}, log)

	handlers := api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		View:      api.NewViewHandler(registry.View),
		Mutate:    api.NewMutateHandler(registry),
		Pokes:     api.NewPokesHandler(rdb, log),
		Changelog: api.NewChangelogHandler(changelogStore),
	}

	// # 6. Server
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	server := api.NewServer(appCtx, cfg, log, verifier, handlers)

	shutdownErr := make(chan error, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr <- fmt.Errorf("http_server_crash: %w", err)
		}
	}()

	log.Info("viewserver_running", slog.String("port", cfg.ServerPort))

	select {
	case sig := <-quit:
		log.Info("shutdown_signal_received", slog.String("signal", sig.String()))
	case err := <-shutdownErr:
		return err
	}

	appCancel()

	log.Info("shutting_down_viewserver", slog.Duration("timeout", constants.ShutdownTimeout))
	if err := server.Shutdown(constants.ShutdownTimeout); err != nil {
		return fmt.Errorf("server_shutdown_failed: %w", err)
	}

	log.Info("graceful_shutdown_complete")
	return nil
}
