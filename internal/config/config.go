// Package config loads the canvasd configuration file.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/canvasd/internal/backoff"
)

// Config is the main configuration structure for canvasd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key     string `yaml:"key"`
	UserID  string `yaml:"user_id"`
	Email   string `yaml:"email"`
	Name    string `yaml:"name"`
	IconURL string `yaml:"icon_url"`
}

type CanvasConfig struct {
	AutosaveInterval time.Duration  `yaml:"autosave_interval"`
	UserColors       []string       `yaml:"user_colors"`
	DefaultColor     string         `yaml:"default_color"`
	UserCacheSize    int            `yaml:"user_cache_size"`
	UserCacheTTL     time.Duration  `yaml:"user_cache_ttl"`
	PersistRetries   int            `yaml:"persist_retries"`
	PersistTimeout   time.Duration  `yaml:"persist_timeout"`
	PersistBackoff   backoff.Policy `yaml:"persist_backoff"`
	LoadTimeout      time.Duration  `yaml:"load_timeout"`
}

type SnapshotsConfig struct {
	// Backend is local or s3.
	Backend   string   `yaml:"backend"`
	Directory string   `yaml:"directory"`
	S3        S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type GatewayConfig struct {
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes"`
	SendQueueBytes     int           `yaml:"send_queue_bytes"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
	MaxMalformedFrames int           `yaml:"max_malformed_frames"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// DefaultUserColors is the palette a connecting user's color is drawn from.
var DefaultUserColors = []string{
	"#F69D26",
	"#F85555",
	"#7DFE61",
	"#25FFC0",
	"#25D1FF",
	"#C853FF",
	"#FF53C0",
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, as used when
// no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 43282
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.Canvas.AutosaveInterval == 0 {
		cfg.Canvas.AutosaveInterval = 60 * time.Second
	}
	if len(cfg.Canvas.UserColors) == 0 {
		cfg.Canvas.UserColors = append([]string(nil), DefaultUserColors...)
	}
	if cfg.Canvas.DefaultColor == "" {
		cfg.Canvas.DefaultColor = "#FFFFFF"
	}
	if cfg.Canvas.UserCacheSize == 0 {
		cfg.Canvas.UserCacheSize = 1024
	}
	if cfg.Canvas.UserCacheTTL == 0 {
		cfg.Canvas.UserCacheTTL = 5 * time.Minute
	}
	if cfg.Canvas.PersistRetries == 0 {
		cfg.Canvas.PersistRetries = 3
	}
	if cfg.Canvas.PersistTimeout == 0 {
		cfg.Canvas.PersistTimeout = 30 * time.Second
	}
	if cfg.Canvas.PersistBackoff == (backoff.Policy{}) {
		cfg.Canvas.PersistBackoff = backoff.DefaultPolicy()
	}
	if cfg.Canvas.LoadTimeout == 0 {
		cfg.Canvas.LoadTimeout = 15 * time.Second
	}

	if cfg.Snapshots.Backend == "" {
		cfg.Snapshots.Backend = "local"
	}
	if cfg.Snapshots.Directory == "" {
		cfg.Snapshots.Directory = "./canvas"
	}

	if cfg.Gateway.ReadBufferSize == 0 {
		cfg.Gateway.ReadBufferSize = 512
	}
	if cfg.Gateway.WriteBufferSize == 0 {
		cfg.Gateway.WriteBufferSize = 4096
	}
	if cfg.Gateway.MaxMessageBytes == 0 {
		cfg.Gateway.MaxMessageBytes = 64 * 1024
	}
	if cfg.Gateway.SendQueueBytes == 0 {
		cfg.Gateway.SendQueueBytes = 32 << 20
	}
	if cfg.Gateway.WriteTimeout == 0 {
		cfg.Gateway.WriteTimeout = 10 * time.Second
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = 8 * time.Second
	}
	if cfg.Gateway.ReapInterval == 0 {
		cfg.Gateway.ReapInterval = 30 * time.Second
	}
	if cfg.Gateway.MaxMalformedFrames == 0 {
		cfg.Gateway.MaxMalformedFrames = 16
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "canvasd"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port %d out of range", c.Server.HTTPPort)
	}

	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres", "postgresql", "cockroach", "cockroachdb", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Database.URL) == "" {
			add("database.url is required for driver %q", c.Database.Driver)
		}
	default:
		add("database.driver %q must be postgres, sqlite or memory", c.Database.Driver)
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		add("auth: jwt_secret or api_keys is required")
	}
	seenKeys := map[string]bool{}
	for i, key := range c.Auth.APIKeys {
		trimmed := strings.TrimSpace(key.Key)
		if trimmed == "" {
			add("auth.api_keys[%d].key is required", i)
			continue
		}
		if seenKeys[trimmed] {
			add("auth.api_keys[%d].key is duplicated", i)
		}
		seenKeys[trimmed] = true
	}

	if c.Canvas.AutosaveInterval < time.Second {
		add("canvas.autosave_interval must be at least 1s")
	}
	for i, color := range c.Canvas.UserColors {
		if !colorPattern.MatchString(color) {
			add("canvas.user_colors[%d] %q is not a #RRGGBB color", i, color)
		}
	}
	if !colorPattern.MatchString(c.Canvas.DefaultColor) {
		add("canvas.default_color %q is not a #RRGGBB color", c.Canvas.DefaultColor)
	}
	if c.Canvas.PersistRetries < 1 {
		add("canvas.persist_retries must be positive")
	}
	if c.Canvas.PersistBackoff.Jitter < 0 || c.Canvas.PersistBackoff.Jitter > 1 {
		add("canvas.persist_backoff.jitter must be between 0 and 1")
	}

	switch strings.ToLower(c.Snapshots.Backend) {
	case "local", "file":
		if strings.TrimSpace(c.Snapshots.Directory) == "" {
			add("snapshots.directory is required for the local backend")
		}
	case "s3":
		if strings.TrimSpace(c.Snapshots.S3.Bucket) == "" {
			add("snapshots.s3.bucket is required for the s3 backend")
		}
	default:
		add("snapshots.backend %q must be local or s3", c.Snapshots.Backend)
	}

	if c.Gateway.MaxMessageBytes < 1+255*12 {
		add("gateway.max_message_bytes must fit a full frame (%d bytes)", 1+255*12)
	}
	if c.Gateway.SendQueueBytes <= 0 {
		add("gateway.send_queue_bytes must be positive")
	}
	if c.Gateway.IdleTimeout < 0 {
		add("gateway.idle_timeout must not be negative")
	}
	if c.Gateway.IdleTimeout > 0 && c.Gateway.IdleTimeout <= c.Gateway.PingInterval {
		add("gateway.idle_timeout must exceed gateway.ping_interval")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
