package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/canvasd/internal/auth"
	"github.com/haasonsaas/canvasd/internal/config"
	"github.com/haasonsaas/canvasd/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "token", "config", "canvas"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "canvasd.yaml")
	body := `database:
  driver: sqlite
  url: ` + filepath.Join(dir, "canvasd.db") + `
auth:
  jwt_secret: test-secret-test-secret
  token_expiry: 1h
snapshots:
  directory: ` + filepath.Join(dir, "canvas") + `
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCanvasCreateAndList(t *testing.T) {
	path := writeTestConfig(t)

	if _, err := execute(t, "migrate", "--config", path); err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	out, err := execute(t, "canvas", "create", "--config", path, "--id", "team-board", "--name", "Team")
	if err != nil {
		t.Fatalf("canvas create error = %v", err)
	}
	if strings.TrimSpace(out) != "team-board" {
		t.Errorf("canvas create output = %q", out)
	}
	generated, err := execute(t, "canvas", "create", "--config", path)
	if err != nil {
		t.Fatalf("canvas create without id error = %v", err)
	}
	if id := strings.TrimSpace(generated); len(id) != 32 {
		t.Errorf("generated id = %q, want 32 hex characters", id)
	}

	if _, err := execute(t, "canvas", "create", "--config", path, "--id", "team-board"); err == nil {
		t.Error("duplicate canvas create succeeded")
	}
	if _, err := execute(t, "canvas", "create", "--config", path, "--id", "../escape"); err == nil {
		t.Error("canvas create accepted an invalid id")
	}

	out, err = execute(t, "canvas", "list", "--config", path, "--json")
	if err != nil {
		t.Fatalf("canvas list error = %v", err)
	}
	var canvases []models.Canvas
	if err := json.Unmarshal([]byte(out), &canvases); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	if len(canvases) != 2 {
		t.Fatalf("listed %d canvases, want 2", len(canvases))
	}

	out, err = execute(t, "canvas", "list", "--config", path)
	if err != nil {
		t.Fatalf("canvas list error = %v", err)
	}
	if !strings.Contains(out, "team-board") || !strings.HasPrefix(out, "ID") {
		t.Errorf("table output = %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	path := writeTestConfig(t)
	out, err := execute(t, "token", "--config", path, "--user", "alice", "--name", "Alice", "--ttl", "10m")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	user, err := auth.NewJWTService("test-secret-test-secret", time.Hour).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "alice" || user.Name != "Alice" {
		t.Errorf("token user = %+v", user)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	if !json.Valid([]byte(out)) {
		t.Errorf("schema output is not JSON")
	}
	if !strings.Contains(out, "send_queue_bytes") {
		t.Errorf("schema does not describe gateway settings")
	}
}

func TestAdapters(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.APIKeys = []config.APIKeyConfig{{Key: "k", UserID: "u", Name: "U", IconURL: "https://icons/u"}}
	cfg.Database.MaxConnections = 7

	if got := authConfig(cfg).APIKeys[0].AvatarURL; got != "https://icons/u" {
		t.Errorf("api key icon = %q", got)
	}
	if got := storeConfig(cfg).Pool.MaxOpenConns; got != 7 {
		t.Errorf("pool size = %d, want 7", got)
	}
	gw := gatewayConfig(cfg)
	if gw.Addr != "0.0.0.0:43282" || gw.ReadBufferSize != 512 || gw.PingInterval != 8*time.Second {
		t.Errorf("gateway config = %+v", gw)
	}
	if len(gw.Palette) != len(config.DefaultUserColors) {
		t.Errorf("palette has %d colors", len(gw.Palette))
	}
	if got := snapshotConfig(cfg).Directory; got != "./canvas" {
		t.Errorf("snapshot directory = %q", got)
	}
	if got := traceConfig(cfg).ServiceVersion; got != version {
		t.Errorf("service version = %q, want %q", got, version)
	}
}
