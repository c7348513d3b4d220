package canvas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/canvasd/internal/backoff"
)

// Config wires a Registry to its collaborators.
type Config struct {
	Metadata  MetadataStore
	Users     UserDirectory
	Snapshots SnapshotStore
	Scheduler Scheduler

	AutosaveInterval time.Duration
	DefaultColor     string
	PersistAttempts  int
	PersistBackoff   backoff.Policy
	PersistTimeout   time.Duration
	LoadTimeout      time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

func (c *Config) applyDefaults() {
	if c.DefaultColor == "" {
		c.DefaultColor = "#FFFFFF"
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff == (backoff.Policy{}) {
		c.PersistBackoff = backoff.DefaultPolicy()
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 30 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// maxJoinAttempts bounds how often Join re-resolves a canvas that drained
// underneath it.
const maxJoinAttempts = 3

// Registry maps canvas ids to at most one live Session. Loads are
// single-flight: concurrent lookups of an unloaded id share one load.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	loads  atomic.Int64
	shared atomic.Int64
}

// entry is either a pending load (ready open) or a loaded session.
type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Stats counts registry activity.
type Stats struct {
	Live        int   `json:"live"`
	Loads       int64 `json:"loads"`
	SharedLoads int64 `json:"shared_loads"`
}

// NewRegistry creates a registry. Metadata and Snapshots are required.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "canvas-registry"),
		entries: make(map[string]*entry),
	}
}

// GetOrLoad returns the live session for id, loading it from storage if
// needed. Unknown canvases return ErrNotFound and leave nothing behind, so
// a later call retries the load.
func (r *Registry) GetOrLoad(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if e, ok := r.entries[id]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		default:
			r.shared.Add(1)
			r.cfg.Metrics.recordLoad("shared")
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[id] = e
	r.mu.Unlock()

	// The load outlives a cancelled first caller: other callers may be
	// waiting on it.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LoadTimeout)
	s, err := r.load(loadCtx, id)
	cancel()

	r.mu.Lock()
	closed := r.closed
	switch {
	case err != nil:
		delete(r.entries, id)
		e.err = err
	case closed:
		// Close already collected the live sessions; this one is not among them.
		delete(r.entries, id)
		e.err = ErrSessionClosed
	default:
		e.session = s
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if closed {
		if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("shutdown of late-loaded canvas failed", "canvas_id", id, "error", err)
		}
		return nil, ErrSessionClosed
	}
	return s, nil
}

func (r *Registry) load(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "canvas.load", trace.WithAttributes(attribute.String("canvas.id", id)))
	defer span.End()

	r.loads.Add(1)
	s, err := r.hydrate(ctx, id)
	if err != nil {
		r.cfg.Metrics.recordLoad("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("canvas load failed", "canvas_id", id, "error", err)
		}
		return nil, err
	}
	r.cfg.Metrics.recordLoad("loaded")
	r.logger.Info("canvas loaded", "canvas_id", id, "lines", s.log.lineCount(), "users", s.users.Len())
	return s, nil
}

func (r *Registry) hydrate(ctx context.Context, id string) (*Session, error) {
	meta, err := r.cfg.Metadata.LoadCanvas(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load canvas %s metadata: %w", id, err)
	}
	data, err := r.cfg.Snapshots.Load(ctx, id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load canvas %s snapshot: %w", id, err)
	}
	meta.ID = id
	s, err := newSession(&r.cfg, meta, data, r.Evict)
	if err != nil {
		return nil, fmt.Errorf("load canvas %s: %w", id, err)
	}
	s.activate()
	return s, nil
}

// Evict removes s from the registry if it is still the live session for
// its id. Sessions call it themselves at the end of a drain.
func (r *Registry) Evict(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[s.id]; ok && e.session == s {
		delete(r.entries, s.id)
	}
}

// Join resolves id and subscribes sub to it. A session that starts draining
// between lookup and subscribe is waited out and the canvas resolved again.
func (r *Registry) Join(ctx context.Context, id string, sub Subscriber) (*Session, error) {
	for attempt := 1; ; attempt++ {
		s, err := r.GetOrLoad(ctx, id)
		if err != nil {
			return nil, err
		}
		err = s.Subscribe(ctx, sub)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionClosed) || attempt >= maxJoinAttempts {
			return nil, err
		}
		select {
		case <-s.drainWait():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of loaded sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.session != nil {
			n++
		}
	}
	return n
}

// Sessions returns the loaded sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			out = append(out, e.session)
		}
	}
	return out
}

// Stats returns load counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Live:        r.Len(),
		Loads:       r.loads.Load(),
		SharedLoads: r.shared.Load(),
	}
}

// Close refuses further loads and shuts every live session down, persisting
// unsaved content.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, s := range r.Sessions() {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
