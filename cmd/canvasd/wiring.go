package main

import (
	"io"
	"log/slog"

	"github.com/haasonsaas/canvasd/internal/auth"
	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/internal/config"
	"github.com/haasonsaas/canvasd/internal/gateway"
	"github.com/haasonsaas/canvasd/internal/observability"
	"github.com/haasonsaas/canvasd/internal/snapshot"
	"github.com/haasonsaas/canvasd/internal/storage"
)

// =============================================================================
// Config to component adapters
// =============================================================================

func newLogger(cfg *config.Config, debug bool, out io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

func storeConfig(cfg *config.Config) storage.Config {
	pool := storage.DefaultPoolConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.MaxIdle > 0 {
		pool.MaxIdleConns = cfg.Database.MaxIdle
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	if cfg.Database.ConnectTimeout > 0 {
		pool.ConnectTimeout = cfg.Database.ConnectTimeout
	}
	return storage.Config{
		Driver: cfg.Database.Driver,
		URL:    cfg.Database.URL,
		Pool:   pool,
	}
}

func snapshotConfig(cfg *config.Config) snapshot.Config {
	s3 := cfg.Snapshots.S3
	return snapshot.Config{
		Backend:   cfg.Snapshots.Backend,
		Directory: cfg.Snapshots.Directory,
		S3: snapshot.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Prefix:          s3.Prefix,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
		},
	}
}

func authConfig(cfg *config.Config) auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:       k.Key,
			UserID:    k.UserID,
			Email:     k.Email,
			Name:      k.Name,
			AvatarURL: k.IconURL,
		})
	}
	return auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     keys,
	}
}

func registryConfig(cfg *config.Config, store canvas.MetadataStore, users canvas.UserDirectory, snaps canvas.SnapshotStore, sched canvas.Scheduler, logger *slog.Logger) canvas.Config {
	return canvas.Config{
		Metadata:         store,
		Users:            users,
		Snapshots:        snaps,
		Scheduler:        sched,
		AutosaveInterval: cfg.Canvas.AutosaveInterval,
		DefaultColor:     cfg.Canvas.DefaultColor,
		PersistAttempts:  cfg.Canvas.PersistRetries,
		PersistBackoff:   cfg.Canvas.PersistBackoff,
		PersistTimeout:   cfg.Canvas.PersistTimeout,
		LoadTimeout:      cfg.Canvas.LoadTimeout,
		Logger:           logger,
		Metrics:          canvas.NewMetrics(),
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	gw := cfg.Gateway
	return gateway.Config{
		Addr:               cfg.Server.Addr(),
		ReadHeaderTimeout:  cfg.Server.ReadHeaderTimeout,
		ReadBufferSize:     gw.ReadBufferSize,
		WriteBufferSize:    gw.WriteBufferSize,
		MaxMessageBytes:    gw.MaxMessageBytes,
		SendQueueBytes:     gw.SendQueueBytes,
		WriteTimeout:       gw.WriteTimeout,
		PingInterval:       gw.PingInterval,
		IdleTimeout:        gw.IdleTimeout,
		ReapInterval:       gw.ReapInterval,
		MaxMalformedFrames: gw.MaxMalformedFrames,
		AllowedOrigins:     gw.AllowedOrigins,
		Palette:            cfg.Canvas.UserColors,
	}
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	t := cfg.Tracing
	serviceVersion := t.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    t.Environment,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		EnableInsecure: t.Insecure,
	}
}
