package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/canvasd/internal/auth"
	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/internal/config"
	"github.com/haasonsaas/canvasd/internal/gateway"
	"github.com/haasonsaas/canvasd/internal/observability"
	"github.com/haasonsaas/canvasd/internal/snapshot"
	"github.com/haasonsaas/canvasd/internal/storage"
)

// runServe wires every component and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, level := newLogger(cfg, debug, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting canvasd", "version", version, "commit", commit, "config", configPath)

	shutdownTracing, err := observability.SetupTracing(ctx, traceConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	store, err := storage.Open(ctx, storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	snaps, err := snapshot.Open(ctx, snapshotConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	users := storage.NewCachedDirectory(store, cfg.Canvas.UserCacheSize, cfg.Canvas.UserCacheTTL)
	authn := auth.NewService(authConfig(cfg), auth.WithDirectory(users), auth.WithLogger(logger))
	for _, u := range authn.APIKeyUsers() {
		if err := store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("failed to register api key user %s: %w", u.ID, err)
		}
		users.Invalidate(u.ID)
	}

	sched := canvas.NewCronScheduler(logger)
	defer sched.Stop()
	registry := canvas.NewRegistry(registryConfig(cfg, store, users, snaps, sched, logger))

	server := gateway.NewServer(gatewayConfig(cfg), authn, registry,
		gateway.WithLogger(logger),
		gateway.WithMetrics(observability.NewGatewayMetrics()),
		gateway.WithScheduler(sched),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}

	go func() {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			server.SetPalette(next.Canvas.UserColors)
			if !debug {
				level.Set(observability.LogLevelFromString(next.Logging.Level))
			}
			logger.Info("configuration reloaded", "colors", len(next.Canvas.UserColors), "log_level", next.Logging.Level)
		})
		if err != nil {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("persist canvases: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
