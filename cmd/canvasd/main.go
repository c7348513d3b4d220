// Package main provides the CLI entry point for canvasd, the collaborative
// drawing canvas server.
//
// # Basic Usage
//
// Create the schema and a canvas, then start the server:
//
//	canvasd migrate --config canvasd.yaml
//	canvasd canvas create --config canvasd.yaml --name "Team board"
//	canvasd serve --config canvasd.yaml
//
// Mint a development token for a user:
//
//	canvasd token --config canvasd.yaml --user alice --name Alice
//
// # Environment Variables
//
//   - CANVASD_CONFIG: Path to configuration file (default: canvasd.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "canvasd.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "canvasd",
		Short: "canvasd - real-time collaborative drawing canvas server",
		Long: `canvasd keeps shared drawing canvases in memory, relays strokes between
connected clients over WebSocket and persists each canvas to a snapshot store.

Metadata and users live in Postgres, SQLite or memory. Snapshots live on the
local filesystem or in an S3-compatible bucket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
		buildCanvasCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to CANVASD_CONFIG when no path was given.
func resolveConfigPath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := os.Getenv("CANVASD_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
