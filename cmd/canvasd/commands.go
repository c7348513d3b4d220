package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the canvas server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the canvas server",
		Long: `Start the canvas server.

The server will:
1. Load configuration from the specified file (or canvasd.yaml)
2. Open the metadata database and the snapshot store
3. Register the users behind configured API keys
4. Serve WebSocket clients on /v1, health on /healthz and metrics on /metrics
5. Reload the color palette and log level when the config file changes

On SIGINT/SIGTERM every connection is closed and every live canvas persisted.`,
		Example: `  # Start with default config
  canvasd serve

  # Start with debug logging
  canvasd serve --config /etc/canvasd/canvasd.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Migration Command
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Long: `Create the canvases and users tables if they do not exist.

Every statement is idempotent, so running it against an up-to-date database
is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		name       string
		icon       string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		Long: `Sign a JWT with the configured secret. Clients pass it as the
access_token query parameter of /v1.`,
		Example: `  canvasd token --user alice --name Alice --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), userID, name, icon, ttl)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&icon, "icon", "", "Icon URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		buildConfigValidateCmd(),
	)
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Canvas Commands
// =============================================================================

func buildCanvasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvas",
		Short: "Manage canvas records",
	}
	cmd.AddCommand(buildCanvasCreateCmd(), buildCanvasListCmd())
	return cmd
}

func buildCanvasCreateCmd() *cobra.Command {
	var (
		configPath string
		id         string
		name       string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a canvas clients can subscribe to",
		Example: `  canvasd canvas create --name "Team board"
  canvasd canvas create --id team-board`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanvasCreate(cmd, resolveConfigPath(configPath), id, name)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&id, "id", "", "Canvas id (default: random)")
	cmd.Flags().StringVar(&name, "name", "", "Canvas name")
	return cmd
}

func buildCanvasListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List canvases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanvasList(cmd, resolveConfigPath(configPath), limit, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of canvases")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
