package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/canvasd/internal/backoff"
	"github.com/haasonsaas/canvasd/pkg/models"
)

var errQueueFull = errors.New("queue full")

type fakeSub struct {
	id    string
	user  *models.User
	color string

	mu    sync.Mutex
	token string
	msgs  []Message
	full  bool
}

func newFakeSub(id, userID string) *fakeSub {
	return &fakeSub{
		id:    id,
		user:  &models.User{ID: userID, Name: "name-" + userID, AvatarURL: "https://icons/" + userID},
		color: "#F85555",
	}
}

func (f *fakeSub) ID() string          { return f.id }
func (f *fakeSub) User() *models.User  { return f.user }
func (f *fakeSub) Color() string       { return f.color }
func (f *fakeSub) ResumeToken() string { f.mu.Lock(); defer f.mu.Unlock(); return f.token }

func (f *fakeSub) SetResumeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeSub) Send(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errQueueFull
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSub) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func (f *fakeSub) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

// records concatenates every binary frame received, without count bytes.
func (f *fakeSub) records() []byte {
	var out []byte
	for _, msg := range f.messages() {
		if msg.Kind == BinaryMessage {
			out = append(out, msg.Data[1:]...)
		}
	}
	return out
}

func (f *fakeSub) binaryFrames() [][]byte {
	var out [][]byte
	for _, msg := range f.messages() {
		if msg.Kind == BinaryMessage {
			out = append(out, msg.Data)
		}
	}
	return out
}

// controls decodes every control message with the given opcode into T.
func controls[T any](t *testing.T, f *fakeSub, op Opcode) []T {
	t.Helper()
	var out []T
	for _, msg := range f.messages() {
		if msg.Kind != TextMessage {
			continue
		}
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Opcode != op {
			continue
		}
		var v T
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, v)
	}
	return out
}

type memMetadata struct {
	mu       sync.Mutex
	canvases map[string]*models.Canvas
	loads    atomic.Int32
	delay    time.Duration
	saveErr  error
	gate     chan struct{}
	entered  chan struct{}
}

func newMemMetadata(ids ...string) *memMetadata {
	m := &memMetadata{canvases: make(map[string]*models.Canvas)}
	for _, id := range ids {
		m.canvases[id] = &models.Canvas{ID: id, CreatedAt: time.Unix(1700000000, 0)}
	}
	return m
}

func (m *memMetadata) LoadCanvas(ctx context.Context, id string) (*models.Canvas, error) {
	m.loads.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canvases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *memMetadata) SaveCanvas(ctx context.Context, c *models.Canvas) error {
	if m.gate != nil {
		m.entered <- struct{}{}
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.canvases[c.ID] = c.Clone()
	return nil
}

func (m *memMetadata) get(id string) *models.Canvas {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canvases[id].Clone()
}

func (m *memMetadata) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

type memSnapshots struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{blobs: make(map[string][]byte)}
}

func (s *memSnapshots) Load(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (s *memSnapshots) Save(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), data...)
	return nil
}

func (s *memSnapshots) get(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[id]
}

type memUsers map[string]*models.User

func (u memUsers) ResolveUser(ctx context.Context, id string) (*models.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, ErrNotFound
}

type manualScheduler struct {
	mu   sync.Mutex
	next int
	jobs map[int]func()
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{jobs: make(map[int]func())}
}

func (m *manualScheduler) Every(_ time.Duration, job func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.jobs[id] = job
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.jobs, id)
	}
}

func (m *manualScheduler) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *manualScheduler) runAll() {
	m.mu.Lock()
	jobs := make([]func(), 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()
	for _, job := range jobs {
		job()
	}
}

type testEnv struct {
	meta      *memMetadata
	snaps     *memSnapshots
	users     memUsers
	scheduler *manualScheduler
	registry  *Registry
}

func newTestEnv(t *testing.T, ids ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		meta:      newMemMetadata(ids...),
		snaps:     newMemSnapshots(),
		users:     memUsers{},
		scheduler: newManualScheduler(),
	}
	env.registry = NewRegistry(Config{
		Metadata:         env.meta,
		Users:            env.users,
		Snapshots:        env.snaps,
		Scheduler:        env.scheduler,
		AutosaveInterval: time.Minute,
		PersistAttempts:  1,
		PersistBackoff:   backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return env
}

func (env *testEnv) join(t *testing.T, id string, sub *fakeSub) *Session {
	t.Helper()
	s, err := env.registry.Join(context.Background(), id, sub)
	if err != nil {
		t.Fatalf("Join(%s, %s) error = %v", id, sub.id, err)
	}
	return s
}

// frameOf builds a frame of n records whose payload bytes are all fill. The
// user index byte is set to 0xEE so tests can see it being overwritten.
func frameOf(n int, fill byte) []byte {
	frame := make([]byte, 1+n*RecordSize)
	frame[0] = byte(n)
	for i := 0; i < n; i++ {
		rec := frame[1+i*RecordSize : 1+(i+1)*RecordSize]
		rec[0] = 0xEE
		for j := 1; j < RecordSize; j++ {
			rec[j] = fill
		}
	}
	return frame
}
