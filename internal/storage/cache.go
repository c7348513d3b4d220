package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/internal/infra"
	"github.com/haasonsaas/canvasd/pkg/models"
)

// CachedDirectory caches user lookups, including misses, for a bounded time.
// Concurrent lookups of one id share a single call to the wrapped directory.
type CachedDirectory struct {
	next    canvas.UserDirectory
	cache   *expirable.LRU[string, cachedUser]
	lookups infra.Group[string, *models.User]
	timeout time.Duration

	hits atomic.Uint64
}

// lookupTimeout bounds a shared lookup, which no single caller can cancel.
const lookupTimeout = 10 * time.Second

type cachedUser struct {
	user    *models.User
	missing bool
}

// CacheStats counts cache activity.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// NewCachedDirectory wraps next with an LRU of size entries that expire after ttl.
func NewCachedDirectory(next canvas.UserDirectory, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{
		next:    next,
		cache:   expirable.NewLRU[string, cachedUser](size, nil, ttl),
		timeout: lookupTimeout,
	}
}

func (d *CachedDirectory) ResolveUser(ctx context.Context, id string) (*models.User, error) {
	if v, ok := d.cache.Get(id); ok {
		d.hits.Add(1)
		if v.missing {
			return nil, ErrNotFound
		}
		return v.user, nil
	}

	// The lookup runs detached from ctx: a caller that gives up must not
	// fail the others waiting on the same id.
	detached := context.WithoutCancel(ctx)
	ch := d.lookups.DoChan(id, func() (*models.User, error) {
		lookupCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		user, err := d.next.ResolveUser(lookupCtx, id)
		switch {
		case err == nil:
			d.cache.Add(id, cachedUser{user: user})
		case errors.Is(err, ErrNotFound):
			d.cache.Add(id, cachedUser{missing: true})
		}
		return user, err
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops id so the next lookup reaches the wrapped directory.
func (d *CachedDirectory) Invalidate(id string) {
	d.cache.Remove(id)
}

// Stats returns hit and miss counters.
func (d *CachedDirectory) Stats() CacheStats {
	shared := d.lookups.Stats()
	return CacheStats{
		Hits:   d.hits.Load() + shared.Hits,
		Misses: shared.Misses,
		Size:   d.cache.Len(),
	}
}
