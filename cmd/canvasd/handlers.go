package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/canvasd/internal/auth"
	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/internal/config"
	"github.com/haasonsaas/canvasd/internal/storage"
	"github.com/haasonsaas/canvasd/pkg/models"
)

// openStore loads the config and opens its metadata store.
func openStore(cmd *cobra.Command, configPath string) (storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := storage.Open(cmd.Context(), storeConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	store, err := openStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
	return nil
}

func runToken(cmd *cobra.Command, configPath, userID, name, icon string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenExpiry
	}
	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	token, err := jwtService.GenerateWithExpiry(&models.User{ID: userID, Name: name, AvatarURL: icon}, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
	return nil
}

func runCanvasCreate(cmd *cobra.Command, configPath, id, name string) error {
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if !canvas.ValidID(id) {
		return fmt.Errorf("%w: %q", canvas.ErrInvalidID, id)
	}
	store, err := openStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	c := &models.Canvas{ID: id, Name: name, CreatedAt: time.Now()}
	if err := store.CreateCanvas(cmd.Context(), c); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("canvas %s already exists", id)
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runCanvasList(cmd *cobra.Command, configPath string, limit int, asJSON bool) error {
	store, err := openStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	canvases, err := store.ListCanvases(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if canvases == nil {
			canvases = []*models.Canvas{}
		}
		return enc.Encode(canvases)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUSERS\tLAST EDITOR\tLAST EDITED")
	for _, c := range canvases {
		edited := "-"
		if !c.LastEdited.IsZero() {
			edited = c.LastEdited.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.ID, c.Name, c.UserIndex, c.LastEditor, edited)
	}
	return w.Flush()
}
