// Package auth turns the access token presented by a connecting client into
// a user identity. Tokens are HS256 JWTs or static API keys.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key       string
	UserID    string
	Email     string
	Name      string
	AvatarURL string
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*models.User
	users   canvas.UserDirectory
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDirectory makes Authenticate fill in the profile of the user from dir.
// Directory fields win over the claims carried by the token.
func WithDirectory(dir canvas.UserDirectory) Option {
	return func(s *Service) { s.users = dir }
}

// WithLogger sets the logger for directory lookup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config, opts ...Option) *Service {
	service := &Service{logger: slog.Default()}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Enabled reports whether any credential type is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// Authenticate resolves a bearer token, trying it as a JWT first when it has
// the JWT shape and as an API key otherwise.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	var user *models.User
	var err error
	if s.jwt != nil && strings.Count(token, ".") == 2 {
		user, err = s.jwt.Validate(token)
	} else {
		user, err = s.ValidateAPIKey(token)
	}
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.enrich(ctx, user), nil
}

func (s *Service) enrich(ctx context.Context, user *models.User) *models.User {
	if s.users == nil {
		return user
	}
	stored, err := s.users.ResolveUser(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, canvas.ErrNotFound) {
			s.logger.Warn("user directory lookup failed", "user_id", user.ID, "error", err)
		}
		return user
	}
	out := *user
	if stored.Name != "" {
		out.Name = stored.Name
	}
	if stored.Email != "" {
		out.Email = stored.Email
	}
	if stored.AvatarURL != "" {
		out.AvatarURL = stored.AvatarURL
	}
	out.CreatedAt = stored.CreatedAt
	out.UpdatedAt = stored.UpdatedAt
	return &out
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateAPIKey validates an API key and returns the associated user.
// Every configured key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matchedUser *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matchedUser = user
		}
	}
	if matchedUser == nil {
		return nil, ErrInvalidKey
	}
	clone := *matchedUser
	return &clone, nil
}

// APIKeyUsers returns the identities behind the configured API keys, so they
// can be registered in the user directory at startup.
func (s *Service) APIKeyUsers() []*models.User {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.apiKeys))
	out := make([]*models.User, 0, len(s.apiKeys))
	for _, user := range s.apiKeys {
		if seen[user.ID] {
			continue
		}
		seen[user.ID] = true
		clone := *user
		out = append(out, &clone)
	}
	return out
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.User {
	out := map[string]*models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:        userID,
			Email:     strings.TrimSpace(entry.Email),
			Name:      strings.TrimSpace(entry.Name),
			AvatarURL: strings.TrimSpace(entry.AvatarURL),
		}
	}
	return out
}
