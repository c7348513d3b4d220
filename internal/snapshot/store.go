// Package snapshot stores the record log of each canvas as one opaque blob.
package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
)

// Extension is appended to the canvas id to form a blob name.
const Extension = ".deltacanvas"

// ErrNotFound is returned by Load when a canvas has never been persisted.
// It matches fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("snapshot not found: %w", fs.ErrNotExist)

// Store reads and writes canvas snapshots.
type Store interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
}

// Config selects a backend.
type Config struct {
	Backend   string
	Directory string
	S3        S3Config
}

// Open returns the backend named by cfg.Backend: local (default) or s3.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local", "file":
		return NewLocalStore(cfg.Directory)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend %q", cfg.Backend)
	}
}

// blobName validates id and returns its blob name. Ids are used as file
// names and object keys, so anything that could escape the root is refused.
func blobName(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("invalid snapshot id %q", id)
	}
	return id + Extension, nil
}
