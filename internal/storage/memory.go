package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/canvasd/pkg/models"
)

// MemoryStore provides an in-memory Store. Content is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	canvases map[string]*models.Canvas
	users    map[string]*models.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		canvases: make(map[string]*models.Canvas),
		users:    make(map[string]*models.User),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) LoadCanvas(ctx context.Context, id string) (*models.Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.canvases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) SaveCanvas(ctx context.Context, c *models.Canvas) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("canvas id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.canvases[c.ID]
	if !ok {
		return ErrNotFound
	}
	updated := c.Clone()
	updated.Name = existing.Name
	updated.CreatedAt = existing.CreatedAt
	s.canvases[c.ID] = updated
	return nil
}

func (s *MemoryStore) CreateCanvas(ctx context.Context, c *models.Canvas) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("canvas id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.canvases[c.ID]; exists {
		return ErrAlreadyExists
	}
	s.canvases[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) ListCanvases(ctx context.Context, limit int) ([]*models.Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Canvas, 0, len(s.canvases))
	for _, c := range s.canvases {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *MemoryStore) UpsertUser(ctx context.Context, u *models.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *u
	if existing, ok := s.users[u.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.users[u.ID] = &clone
	return nil
}
