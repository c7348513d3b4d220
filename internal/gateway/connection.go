package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/canvasd/internal/canvas"
	"github.com/haasonsaas/canvasd/pkg/models"
)

// Connection is one authenticated client. A single goroutine reads and
// dispatches its messages in order, including canvas switches; a single
// writer goroutine drains its outbound queue. It implements
// canvas.Subscriber.
type Connection struct {
	id     string
	server *Server
	ws     *websocket.Conn
	user   *models.User
	logger *slog.Logger
	out    *outbound

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards session through capReported. It is never held while
	// calling into a session, which calls back into Color and SetResumeToken.
	mu          sync.Mutex
	session     *canvas.Session
	color       string
	resumeToken string
	capReported bool

	lastPing  atomic.Int64
	malformed int // read loop only

	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConnection(s *Server, ws *websocket.Conn, user *models.User, color string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:         id,
		server:     s,
		ws:         ws,
		user:       user,
		logger:     s.logger.With("conn_id", id, "user_id", user.ID),
		out:        newOutbound(s.cfg.SendQueueBytes),
		ctx:        ctx,
		cancel:     cancel,
		color:      color,
		writerDone: make(chan struct{}),
	}
	c.lastPing.Store(time.Now().UnixNano())
	return c
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) User() *models.User { return c.user }

func (c *Connection) Color() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.color
}

func (c *Connection) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

func (c *Connection) SetResumeToken(token string) {
	c.mu.Lock()
	c.resumeToken = token
	c.mu.Unlock()
}

// Send enqueues msg for the writer. A full queue means the client is not
// keeping up; the transport is closed and the read loop tears down.
func (c *Connection) Send(msg canvas.Message) error {
	err := c.out.push(msg)
	if errors.Is(err, errQueueFull) {
		c.server.metrics.QueueOverflow()
		c.logger.Warn("send queue overflow, closing connection", "limit_bytes", c.server.cfg.SendQueueBytes)
		c.abort()
	}
	return err
}

// LastPing returns the time of the last application Ping.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

func (c *Connection) current() *canvas.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) run() {
	c.logger.Debug("connection opened")
	go c.writeLoop()
	c.readLoop()
	c.teardown()
}

// teardown leaves the canvas before the transport is released.
func (c *Connection) teardown() {
	c.cancel()
	c.leave()
	c.out.close()
	select {
	case <-c.writerDone:
	case <-time.After(c.server.cfg.WriteTimeout):
	}
	c.abort()
	c.logger.Debug("connection closed")
}

// abort closes the transport without a close handshake.
func (c *Connection) abort() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame and closes the transport.
func (c *Connection) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.abort()
}

func (c *Connection) readLoop() {
	c.ws.SetReadLimit(c.server.cfg.MaxMessageBytes)
	var pongWait time.Duration
	if c.server.cfg.PingInterval > 0 {
		pongWait = 3 * c.server.cfg.PingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if pongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		}
		switch kind {
		case websocket.BinaryMessage:
			c.server.metrics.MessageReceived("binary")
			if !c.handleFrame(data) {
				return
			}
		case websocket.TextMessage:
			c.server.metrics.MessageReceived("control")
			c.handleControl(data)
		}
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	var ping <-chan time.Time
	if c.server.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.server.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.out.ready():
			batch, open := c.out.drain()
			for _, msg := range batch {
				if err := c.write(msg); err != nil {
					c.logger.Debug("write failed", "error", err)
					c.abort()
					return
				}
			}
			if !open {
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.server.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.abort()
				return
			}
		}
	}
}

func (c *Connection) write(msg canvas.Message) error {
	kind := websocket.TextMessage
	if msg.Kind == canvas.BinaryMessage {
		kind = websocket.BinaryMessage
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout)) //nolint:errcheck
	if err := c.ws.WriteMessage(kind, msg.Data); err != nil {
		return err
	}
	c.server.metrics.Sent(len(msg.Data))
	return nil
}

// handleFrame appends a data frame to the current canvas. It returns false
// when the connection must close.
func (c *Connection) handleFrame(data []byte) bool {
	sess := c.current()
	if sess == nil {
		return true
	}

	_, err := sess.AppendFrame(c.ctx, data, c)
	switch {
	case err == nil:
	case errors.Is(err, canvas.ErrMalformedFrame):
		c.server.metrics.MalformedFrame()
		c.malformed++
		c.logger.Debug("dropped malformed frame", "bytes", len(data), "count", c.malformed)
		if limit := c.server.cfg.MaxMalformedFrames; limit > 0 && c.malformed >= limit {
			c.logger.Warn("too many malformed frames, closing connection", "count", c.malformed)
			c.closeWith(websocket.CloseProtocolError, "too many malformed frames")
			return false
		}
	case errors.Is(err, canvas.ErrCapacityExceeded):
		c.mu.Lock()
		report := !c.capReported
		c.capReported = true
		c.mu.Unlock()
		if report {
			c.sendError("capacity_exceeded", err.Error())
		}
	default:
		c.logger.Debug("append dropped", "canvas_id", sess.ID(), "error", err)
	}
	return true
}

func (c *Connection) handleControl(data []byte) {
	env, err := decodeControl(data)
	if err != nil {
		c.sendError("bad_request", err.Error())
		return
	}

	switch env.Opcode {
	case canvas.OpSwitchCanvas:
		var req canvas.SwitchCanvas
		if err := env.DecodePayload(&req); err != nil {
			c.sendError("bad_request", err.Error())
			return
		}
		if !canvas.ValidID(req.CanvasID) {
			c.sendError("invalid_canvas_id", fmt.Sprintf("invalid canvas id %q", req.CanvasID))
			return
		}
		c.switchCanvas(req)
	case canvas.OpUnsubscribeCanvas:
		c.leave()
	case canvas.OpClearCanvas:
		if sess := c.current(); sess != nil {
			if err := sess.Clear(c.ctx, c); err != nil {
				c.logger.Debug("clear dropped", "canvas_id", sess.ID(), "error", err)
			}
		}
	case canvas.OpPing:
		c.lastPing.Store(time.Now().UnixNano())
		if sess := c.current(); sess != nil {
			_, _ = sess.Heartbeat(c)
		}
	}
}

// switchCanvas leaves the current canvas and joins req.CanvasID. Messages
// read after the switch command are handled once the replay is queued.
func (c *Connection) switchCanvas(req canvas.SwitchCanvas) {
	c.leave()
	c.mu.Lock()
	c.resumeToken = req.ResumeToken
	c.capReported = false
	c.mu.Unlock()

	sess, err := c.server.canvases.Join(c.ctx, req.CanvasID, c)
	if err != nil {
		switch {
		case errors.Is(err, canvas.ErrNotFound):
			c.sendError("canvas_not_found", fmt.Sprintf("canvas %s does not exist", req.CanvasID))
		case c.ctx.Err() != nil:
		default:
			c.logger.Error("subscribe failed", "canvas_id", req.CanvasID, "error", err)
			c.sendError("subscribe_failed", "could not open canvas")
		}
		return
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.logger.Info("subscribed", "canvas_id", sess.ID())
}

// leave unsubscribes from the current canvas, if any. The unsubscribe may
// persist the canvas and must finish even when the connection is gone.
func (c *Connection) leave() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Unsubscribe(context.WithoutCancel(c.ctx), c); err != nil && !errors.Is(err, canvas.ErrNotSubscribed) {
		c.logger.Warn("unsubscribe failed", "canvas_id", sess.ID(), "error", err)
	}
}

// recolor switches to color and announces it on the current canvas.
func (c *Connection) recolor(color string) {
	c.mu.Lock()
	c.color = color
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		_ = sess.SetColor(c)
	}
}

func (c *Connection) sendError(code, message string) {
	msg, err := canvas.Control(canvas.OpError, canvas.ErrorReport{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.Send(msg)
}
