// Package storage holds the durable canvas metadata records and the user
// directory, backed by Postgres, SQLite or memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/pkg/models"
)

var (
	// ErrNotFound is canvas.ErrNotFound so callers can match either.
	ErrNotFound      = canvas.ErrNotFound
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the full storage surface used by the server and the CLI.
type Store interface {
	canvas.MetadataStore
	canvas.UserDirectory

	CreateCanvas(ctx context.Context, c *models.Canvas) error
	ListCanvases(ctx context.Context, limit int) ([]*models.Canvas, error)
	UpsertUser(ctx context.Context, u *models.User) error
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string
	URL    string
	Pool   PoolConfig
}

// Open returns the backend named by cfg.Driver: postgres, sqlite or memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres", "postgresql", "cockroach", "cockroachdb":
		return OpenSQL(ctx, DialectPostgres, cfg.URL, cfg.Pool)
	case "sqlite", "sqlite3":
		return OpenSQL(ctx, DialectSQLite, cfg.URL, cfg.Pool)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
