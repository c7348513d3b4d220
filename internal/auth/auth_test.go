package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/pkg/models"
)

type stubDirectory map[string]*models.User

func (d stubDirectory) ResolveUser(ctx context.Context, id string) (*models.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return nil, canvas.ErrNotFound
}

func TestServiceValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", UserID: "user-1", Email: "user@example.com"}}})
	user, err := service.ValidateAPIKey("abc123")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if _, err := service.ValidateAPIKey("abc1234"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("ValidateAPIKey(wrong) error = %v, want ErrInvalidKey", err)
	}
}

func TestAPIKeyWithoutUserIDGetsStableID(t *testing.T) {
	first := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1"}}})
	second := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1"}}})
	a, _ := first.ValidateAPIKey("k1")
	b, _ := second.ValidateAPIKey("k1")
	if a == nil || b == nil || a.ID != b.ID || len(a.ID) != len("api_")+16 {
		t.Fatalf("derived ids = %v, %v", a, b)
	}
}

func TestAuthenticate(t *testing.T) {
	service := NewService(Config{
		JWTSecret:   "secret",
		TokenExpiry: time.Hour,
		APIKeys:     []APIKeyConfig{{Key: "dev-key", UserID: "bot", Name: "Bot"}},
	})
	token, err := service.GenerateJWT(&models.User{ID: "user-1", Name: "Ada", AvatarURL: "https://example.com/a.png"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	other := NewService(Config{JWTSecret: "other"})
	forged, err := other.GenerateJWT(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	tests := []struct {
		name     string
		token    string
		wantID   string
		wantName string
		wantErr  bool
	}{
		{name: "jwt", token: token, wantID: "user-1", wantName: "Ada"},
		{name: "jwt with whitespace", token: "  " + token + "\n", wantID: "user-1", wantName: "Ada"},
		{name: "api key", token: "dev-key", wantID: "bot", wantName: "Bot"},
		{name: "empty", token: "", wantErr: true},
		{name: "wrong secret", token: forged, wantErr: true},
		{name: "garbage", token: "a.b.c", wantErr: true},
		{name: "unknown key", token: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := service.Authenticate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Fatalf("Authenticate() error = %v, want ErrInvalidToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if user.ID != tt.wantID || user.Name != tt.wantName {
				t.Errorf("Authenticate() = %+v, want id %q name %q", user, tt.wantID, tt.wantName)
			}
		})
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Fatal("empty config reported enabled")
	}
	if _, err := service.Authenticate(context.Background(), "anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthDisabled", err)
	}
}

func TestAuthenticateEnrichesFromDirectory(t *testing.T) {
	dir := stubDirectory{
		"user-1": {ID: "user-1", Name: "Ada Lovelace", AvatarURL: "https://example.com/ada.png"},
	}
	service := NewService(Config{APIKeys: []APIKeyConfig{
		{Key: "k1", UserID: "user-1", Name: "ada"},
		{Key: "k2", UserID: "user-2", Name: "Grace"},
	}}, WithDirectory(dir))

	user, err := service.Authenticate(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.Name != "Ada Lovelace" || user.AvatarURL != "https://example.com/ada.png" {
		t.Errorf("enriched user = %+v", user)
	}

	user, err = service.Authenticate(context.Background(), "k2")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.Name != "Grace" {
		t.Errorf("user missing from directory = %+v, want token claims", user)
	}
}

func TestAPIKeyUsers(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{
		{Key: "k1", UserID: "user-1"},
		{Key: "k2", UserID: "user-1"},
		{Key: "k3", UserID: "user-2"},
		{Key: " "},
	}})
	users := service.APIKeyUsers()
	if len(users) != 2 {
		t.Fatalf("APIKeyUsers() returned %d users, want 2", len(users))
	}
	users[0].Name = "mutated"
	for _, u := range service.APIKeyUsers() {
		if u.Name == "mutated" {
			t.Fatal("APIKeyUsers() exposed internal state")
		}
	}
}
