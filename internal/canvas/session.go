package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/canvasd/internal/backoff"
	"github.com/haasonsaas/canvasd/pkg/models"
)

var tracer = otel.Tracer("github.com/haasonsaas/canvasd/internal/canvas")

// State is the lifecycle phase of a Session.
type State int32

const (
	StateLoading State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DeletedUserPrefix prefixes the display name of contributors the user
// directory no longer knows.
const DeletedUserPrefix = "DELETED_USER_"

// Session is the live state of one canvas: its record log, user index table,
// subscribers and resume tokens. All of it is guarded by mu. persistMu
// serializes writes to storage and is never taken while mu is held.
type Session struct {
	id     string
	cfg    *Config
	logger *slog.Logger
	evict  func(*Session)

	persistMu sync.Mutex

	mu           sync.Mutex
	state        State
	name         string
	createdAt    time.Time
	log          *recordLog
	users        *UserTable
	subs         map[string]Subscriber
	tokens       map[string]int
	lastEditor   string
	lastEdited   time.Time
	dirty        bool
	generation   uint64
	stopAutosave func()
	drained      chan struct{}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Subscribers int       `json:"subscribers"`
	Lines       int       `json:"lines"`
	Users       int       `json:"users"`
	Dirty       bool      `json:"dirty"`
	LastEditor  string    `json:"last_editor,omitempty"`
	LastEdited  time.Time `json:"last_edited"`
}

func newSession(cfg *Config, meta *models.Canvas, snapshot []byte, evict func(*Session)) (*Session, error) {
	users, err := NewUserTable(meta.Users, meta.UserIndex)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:         meta.ID,
		cfg:        cfg,
		logger:     cfg.Logger.With("canvas_id", meta.ID),
		evict:      evict,
		state:      StateLoading,
		name:       meta.Name,
		createdAt:  meta.CreatedAt,
		log:        newRecordLog(snapshot),
		users:      users,
		subs:       make(map[string]Subscriber),
		tokens:     make(map[string]int),
		lastEditor: meta.LastEditor,
		lastEdited: meta.LastEdited,
	}, nil
}

// ID returns the canvas id.
func (s *Session) ID() string {
	return s.id
}

// activate moves a freshly hydrated session to Active and starts autosave.
func (s *Session) activate() {
	s.mu.Lock()
	s.state = StateActive
	s.startAutosaveLocked()
	s.mu.Unlock()
	s.cfg.Metrics.canvasOpened()
}

func (s *Session) startAutosaveLocked() {
	if s.cfg.Scheduler == nil || s.cfg.AutosaveInterval <= 0 || s.stopAutosave != nil {
		return
	}
	s.stopAutosave = s.cfg.Scheduler.Every(s.cfg.AutosaveInterval, s.autosave)
}

func (s *Session) stopAutosaveLocked() {
	if s.stopAutosave != nil {
		s.stopAutosave()
		s.stopAutosave = nil
	}
}

// Subscribe replays the canvas to sub and adds it to the subscriber set.
//
// The replay is one DefineUserID per known contributor, the whole log in
// frames of at most MaxFrameRecords records, then SetStateFlag carrying the
// resume token. mu is held from the start of the replay until sub is in the
// subscriber set, so every append is either in the replay or broadcast to
// sub afterwards, never both.
//
// A draining or closed session returns ErrSessionClosed; resolve the canvas
// again through the Registry.
func (s *Session) Subscribe(ctx context.Context, sub Subscriber) error {
	profiles := make(map[string]*models.User)
	s.mu.Lock()
	for {
		if s.state != StateActive {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		missing := s.unresolvedLocked(profiles)
		if len(missing) == 0 {
			break
		}
		// Directory lookups can hit the network; do them unlocked and
		// re-check in case another contributor joined meanwhile.
		s.mu.Unlock()
		for _, id := range missing {
			profiles[id] = s.resolve(ctx, id)
		}
		s.mu.Lock()
	}

	_, rejoin := s.subs[sub.ID()]
	delete(s.subs, sub.ID())

	token := sub.ResumeToken()
	if _, ok := s.tokens[token]; !ok || token == "" {
		token = uuid.NewString()
		s.tokens[token] = 0
		sub.SetResumeToken(token)
	}

	if err := s.replayLocked(sub, profiles, token); err != nil {
		drain := false
		if rejoin {
			s.cfg.Metrics.subscriberRemoved()
			drain = s.beginDrainLocked()
		}
		s.mu.Unlock()
		if drain {
			_ = s.drain(ctx)
		}
		return fmt.Errorf("replay canvas %s: %w", s.id, err)
	}
	s.subs[sub.ID()] = sub
	if !rejoin {
		s.cfg.Metrics.subscriberAdded()
	}

	user := sub.User()
	idx, fresh, err := s.users.Assign(user.ID)
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		s.cfg.Metrics.recordCapacityRejected()
		s.logger.Warn("canvas contributor limit reached", "user_id", user.ID, "limit", MaxUsers)
		_ = sub.Send(mustControl(OpError, ErrorReport{
			Code:    "capacity_exceeded",
			Message: fmt.Sprintf("canvas already has %d contributors; drawing is disabled", MaxUsers),
		}))
	case err == nil:
		if fresh {
			s.markDirtyLocked()
		}
		s.broadcastLocked(mustControl(OpDefineUserID, DefineUserID{
			Index: int(idx),
			Name:  user.DisplayName(),
			Icon:  user.AvatarURL,
			ID:    user.ID,
			Color: sub.Color(),
		}), "")
	}
	s.mu.Unlock()

	s.logger.Debug("subscriber joined", "subscriber", sub.ID(), "user_id", user.ID)
	return nil
}

// unresolvedLocked lists contributors that have no profile in profiles yet.
func (s *Session) unresolvedLocked(profiles map[string]*models.User) []string {
	var missing []string
	for _, id := range s.users.ids {
		if _, ok := profiles[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// resolve looks a contributor up, falling back to the deleted-user placeholder.
func (s *Session) resolve(ctx context.Context, id string) *models.User {
	if s.cfg.Users != nil {
		user, err := s.cfg.Users.ResolveUser(ctx, id)
		if err == nil && user != nil {
			return user
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("resolve contributor failed", "user_id", id, "error", err)
		}
	}
	return &models.User{ID: id, Name: DeletedUserPrefix + id}
}

func (s *Session) replayLocked(sub Subscriber, profiles map[string]*models.User, token string) error {
	for i, id := range s.users.ids {
		p := profiles[id]
		err := sub.Send(mustControl(OpDefineUserID, DefineUserID{
			Index: i,
			Name:  p.DisplayName(),
			Icon:  p.AvatarURL,
			ID:    id,
			Color: s.colorLocked(id),
		}))
		if err != nil {
			return err
		}
	}
	err := s.log.frames(0, func(frame []byte) error {
		return sub.Send(Binary(frame))
	})
	if err != nil {
		return err
	}
	return sub.Send(mustControl(OpSetStateFlag, SetStateFlag{State: StateReady, ResumeToken: token}))
}

// colorLocked returns the color of a connected subscriber acting as userID.
func (s *Session) colorLocked(userID string) string {
	for _, sub := range s.subs {
		if sub.User().ID == userID {
			return sub.Color()
		}
	}
	return s.cfg.DefaultColor
}

// Unsubscribe removes sub. Removing the last subscriber drains the session:
// a final persist, then eviction from the registry. The drain runs before
// Unsubscribe returns.
func (s *Session) Unsubscribe(ctx context.Context, sub Subscriber) error {
	s.mu.Lock()
	if _, ok := s.subs[sub.ID()]; !ok {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(s.subs, sub.ID())
	s.cfg.Metrics.subscriberRemoved()
	drain := s.beginDrainLocked()
	s.mu.Unlock()

	s.logger.Debug("subscriber left", "subscriber", sub.ID())
	if drain {
		return s.drain(ctx)
	}
	return nil
}

// AppendFrame stamps the sender's compact index into every record of raw,
// appends the records to the log and forwards the stamped frame to every
// other subscriber. It returns the number of records appended.
//
// Broadcasts are enqueued while mu is held, so every subscriber sees frames
// in log order. A sender that cannot get an index gets ErrCapacityExceeded
// and the log is left unchanged.
func (s *Session) AppendFrame(ctx context.Context, raw []byte, from Subscriber) (int, error) {
	count, err := ParseFrame(raw)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	user := from.User()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if _, ok := s.subs[from.ID()]; !ok {
		s.mu.Unlock()
		return 0, ErrNotSubscribed
	}
	idx, fresh, err := s.users.Assign(user.ID)
	if err != nil {
		s.mu.Unlock()
		s.cfg.Metrics.recordCapacityRejected()
		return 0, err
	}
	if fresh {
		s.broadcastLocked(mustControl(OpDefineUserID, DefineUserID{
			Index: int(idx),
			Name:  user.DisplayName(),
			Icon:  user.AvatarURL,
			ID:    user.ID,
			Color: from.Color(),
		}), "")
	}

	frame := StampFrame(raw, count, idx)
	s.log.append(frame[1:])
	s.lastEditor = user.ID
	s.lastEdited = s.cfg.Now()
	s.markDirtyLocked()
	fanout := s.broadcastLocked(Binary(frame), from.ID())
	s.mu.Unlock()

	s.cfg.Metrics.recordAppend(count, fanout)
	return count, nil
}

// Clear broadcasts CanvasCleared to every subscriber, then empties the log.
// The user index table and resume tokens are kept.
func (s *Session) Clear(ctx context.Context, sub Subscriber) error {
	user := sub.User()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := s.subs[sub.ID()]; !ok {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	s.broadcastLocked(mustControl(OpCanvasCleared, CanvasCleared{
		ClearedByName: user.DisplayName(),
		ClearedByIcon: user.AvatarURL,
	}), "")
	s.log.reset()
	s.lastEditor = user.ID
	s.lastEdited = s.cfg.Now()
	s.markDirtyLocked()
	s.mu.Unlock()

	s.cfg.Metrics.recordClear()
	s.logger.Info("canvas cleared", "user_id", user.ID)
	return nil
}

// Heartbeat moves sub's resume token to the current end of the log and
// returns that position.
func (s *Session) Heartbeat(sub Subscriber) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return 0, ErrSessionClosed
	}
	token := sub.ResumeToken()
	if _, ok := s.tokens[token]; !ok {
		return 0, ErrNotSubscribed
	}
	pos := s.log.lineCount()
	s.tokens[token] = pos
	return pos, nil
}

// SetColor announces sub's current color to every subscriber.
func (s *Session) SetColor(sub Subscriber) error {
	user := sub.User()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrSessionClosed
	}
	if _, ok := s.subs[sub.ID()]; !ok {
		return ErrNotSubscribed
	}
	s.broadcastLocked(mustControl(OpDefineUserColor, DefineUserColor{ID: user.ID, Color: sub.Color()}), "")
	return nil
}

// broadcastLocked enqueues msg to every subscriber except the one with id
// except and returns how many accepted it. A subscriber whose queue refuses
// the message is closing itself and will unsubscribe.
func (s *Session) broadcastLocked(msg Message, except string) int {
	n := 0
	for id, sub := range s.subs {
		if id == except {
			continue
		}
		if err := sub.Send(msg); err != nil {
			s.logger.Debug("subscriber refused message", "subscriber", id, "error", err)
			continue
		}
		n++
	}
	return n
}

func (s *Session) markDirtyLocked() {
	s.dirty = true
	s.generation++
}

// Persist writes the metadata record and the log snapshot. It returns
// ErrPersistInProgress if another persist is running.
func (s *Session) Persist(ctx context.Context) error {
	if !s.persistMu.TryLock() {
		return ErrPersistInProgress
	}
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	rec, data, gen := s.captureLocked()
	s.mu.Unlock()
	return s.write(ctx, rec, data, gen)
}

// persistIfDirty is Persist for autosave and drain. persistMu must be held.
func (s *Session) persistIfDirty(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	rec, data, gen := s.captureLocked()
	s.mu.Unlock()
	return s.write(ctx, rec, data, gen)
}

func (s *Session) captureLocked() (*models.Canvas, []byte, uint64) {
	rec := &models.Canvas{
		ID:         s.id,
		Name:       s.name,
		Users:      s.users.IDs(),
		UserIndex:  s.users.Len(),
		LastEditor: s.lastEditor,
		LastEdited: s.lastEdited,
		CreatedAt:  s.createdAt,
	}
	return rec, s.log.snapshot(), s.generation
}

// write stores rec and data, retrying with backoff. The dirty flag is only
// cleared when nothing changed since the capture at generation gen.
func (s *Session) write(ctx context.Context, rec *models.Canvas, data []byte, gen uint64) error {
	ctx, span := tracer.Start(ctx, "canvas.persist", trace.WithAttributes(
		attribute.String("canvas.id", s.id),
		attribute.Int("canvas.bytes", len(data)),
	))
	defer span.End()

	start := time.Now()
	err := backoff.Retry(ctx, s.cfg.PersistBackoff, s.cfg.PersistAttempts, func(attempt int) error {
		if err := s.cfg.Metadata.SaveCanvas(ctx, rec); err != nil {
			s.logger.Warn("save canvas metadata failed", "attempt", attempt, "error", err)
			return fmt.Errorf("save metadata: %w", err)
		}
		if err := s.cfg.Snapshots.Save(ctx, s.id, data); err != nil {
			s.logger.Warn("save canvas snapshot failed", "attempt", attempt, "error", err)
			return fmt.Errorf("save snapshot: %w", err)
		}
		return nil
	})
	s.cfg.Metrics.recordPersist(start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return fmt.Errorf("persist canvas %s: %w", s.id, err)
	}

	s.mu.Lock()
	if s.generation == gen {
		s.dirty = false
	}
	s.mu.Unlock()
	s.logger.Debug("canvas persisted", "lines", len(data)/RecordSize, "users", rec.UserIndex)
	return nil
}

// autosave is the scheduled persist. It skips a run while another persist is
// writing, and drains a session that has been left without subscribers by an
// earlier failed drain.
func (s *Session) autosave() {
	if !s.persistMu.TryLock() {
		s.logger.Debug("autosave skipped", "reason", ErrPersistInProgress)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	err := s.persistIfDirty(ctx)
	s.persistMu.Unlock()
	if err != nil {
		s.logger.Error("autosave failed", "error", err)
		return
	}

	s.mu.Lock()
	drain := s.beginDrainLocked()
	s.mu.Unlock()
	if drain {
		_ = s.drain(ctx)
	}
}

// beginDrainLocked moves an Active session with no subscribers to Draining.
func (s *Session) beginDrainLocked() bool {
	if s.state != StateActive || len(s.subs) > 0 {
		return false
	}
	s.state = StateDraining
	s.drained = make(chan struct{})
	return true
}

// drain finishes a Draining session: stop autosave, persist, release the
// log and evict. If the final persist fails the session goes back to Active
// with its log intact so autosave can retry.
func (s *Session) drain(ctx context.Context) error {
	s.mu.Lock()
	s.stopAutosaveLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	s.persistMu.Lock()
	err := s.persistIfDirty(ctx)
	s.persistMu.Unlock()

	s.mu.Lock()
	done := s.drained
	if err != nil {
		s.state = StateActive
		s.drained = nil
		s.startAutosaveLocked()
		s.mu.Unlock()
		close(done)
		s.logger.Error("final persist failed; keeping canvas in memory", "error", err)
		return fmt.Errorf("drain canvas %s: %w", s.id, err)
	}
	s.state = StateClosed
	s.log.release()
	s.tokens = nil
	s.mu.Unlock()

	if s.evict != nil {
		s.evict(s)
	}
	s.cfg.Metrics.canvasClosed()
	close(done)
	s.logger.Debug("canvas closed")
	return nil
}

// drainWait returns a channel that is closed once the current drain has
// finished and, for a closed session, once it is out of the registry. It is
// already closed when no drain is running.
func (s *Session) drainWait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained != nil {
		return s.drained
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Shutdown drops every subscriber and drains the session. The transports of
// those subscribers are owned by the gateway and are not touched.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateDraining:
		done := s.drained
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for id := range s.subs {
		delete(s.subs, id)
		s.cfg.Metrics.subscriberRemoved()
	}
	s.beginDrainLocked()
	s.mu.Unlock()
	return s.drain(ctx)
}

// Info returns a snapshot of the session's bookkeeping.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := 0
	if s.log != nil {
		lines = s.log.lineCount()
	}
	return Info{
		ID:          s.id,
		State:       s.state.String(),
		Subscribers: len(s.subs),
		Lines:       lines,
		Users:       s.users.Len(),
		Dirty:       s.dirty,
		LastEditor:  s.lastEditor,
		LastEdited:  s.lastEdited,
	}
}
