// Package gateway accepts client connections over WebSocket and bridges
// them to canvas sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/canvasd/internal/auth"
	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/internal/observability"
	"github.com/haasonsaas/canvasd/pkg/models"
)

// Banner is served on GET /.
const Banner = "canvasd collaborative canvas server\n"

// Authenticator resolves the access token of an upgrade request.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// Canvases attaches subscribers to canvas sessions.
type Canvases interface {
	Join(ctx context.Context, id string, sub canvas.Subscriber) (*canvas.Session, error)
	Stats() canvas.Stats
}

// Config holds the transport settings of the gateway.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageBytes int64
	SendQueueBytes  int
	WriteTimeout    time.Duration
	PingInterval    time.Duration

	// IdleTimeout closes connections that sent no Ping for this long.
	// Zero disables the reaper.
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	MaxMalformedFrames int
	AllowedOrigins     []string
	Palette            []string
}

func (c *Config) applyDefaults() {
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 512
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = 32 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if len(c.Palette) == 0 {
		c.Palette = []string{"#FFFFFF"}
	}
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	cfg      Config
	auth     Authenticator
	canvases Canvases
	sched    canvas.Scheduler
	logger   *slog.Logger
	metrics  *observability.GatewayMetrics
	upgrader websocket.Upgrader
	palette  atomic.Pointer[[]string]

	mu      sync.Mutex
	conns   map[string]*Connection
	closing bool
	wg      sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
	stopReaper func()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics enables gateway metrics.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithScheduler runs the idle reaper on sched.
func WithScheduler(sched canvas.Scheduler) Option {
	return func(s *Server) { s.sched = sched }
}

// NewServer creates a gateway. Call Start to listen, or mount Handler.
func NewServer(cfg Config, authn Authenticator, canvases Canvases, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		auth:     authn,
		canvases: canvases,
		logger:   slog.Default(),
		conns:    make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	palette := append([]string(nil), cfg.Palette...)
	s.palette.Store(&palette)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/v1", s.handleV1)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	if s.sched != nil && s.cfg.IdleTimeout > 0 {
		s.stopReaper = s.sched.Every(s.cfg.ReapInterval, func() { s.reap(time.Now()) })
	}
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address once Start has returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, closes every open one and waits
// until each has left its canvas.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	server := s.httpServer
	stopReaper := s.stopReaper
	s.stopReaper = nil
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if stopReaper != nil {
		stopReaper()
	}
	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SetPalette replaces the user color palette. Connected users whose color
// is no longer in the palette get a new one, announced on their canvas.
func (s *Server) SetPalette(colors []string) {
	if len(colors) == 0 {
		return
	}
	palette := append([]string(nil), colors...)
	s.palette.Store(&palette)

	allowed := make(map[string]bool, len(palette))
	for _, c := range palette {
		allowed[strings.ToUpper(c)] = true
	}
	for _, c := range s.snapshot() {
		if allowed[strings.ToUpper(c.Color())] {
			continue
		}
		c.recolor(s.randomColor())
	}
}

func (s *Server) randomColor() string {
	palette := *s.palette.Load()
	return palette[rand.Intn(len(palette))] // #nosec G404 -- display color only
}

// reap closes connections whose last Ping is older than IdleTimeout.
func (s *Server) reap(now time.Time) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	n := 0
	for _, c := range s.snapshot() {
		if now.Sub(c.LastPing()) <= s.cfg.IdleTimeout {
			continue
		}
		s.metrics.ConnectionReaped()
		c.logger.Info("closing idle connection", "last_ping", c.LastPing())
		c.closeWith(websocket.ClosePolicyViolation, "heartbeat timeout")
		n++
	}
	return n
}

func (s *Server) snapshot() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner)) //nolint:errcheck
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.canvases.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":      "ok",
		"connections": s.Connections(),
		"canvases":    stats,
	})
}

func (s *Server) handleV1(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil || user == nil {
		s.metrics.Handshake("unauthorized")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Handshake("failed")
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.metrics.Handshake("accepted")

	c := newConnection(s, ws, user, s.randomColor())
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	defer s.untrack(c)
	c.run()
}
