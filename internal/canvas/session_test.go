package canvas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/canvasd/pkg/models"
)

func TestSubscribeReplayAndLiveBroadcast(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()

	a := newFakeSub("conn-a", "user-a")
	env.users["user-a"] = a.user
	s := env.join(t, "c1", a)

	if got := controls[SetStateFlag](t, a, OpSetStateFlag); len(got) != 1 || got[0].State != StateReady || got[0].ResumeToken == "" {
		t.Fatalf("A SetStateFlag = %+v, want one ready flag with a token", got)
	}
	if len(a.binaryFrames()) != 0 {
		t.Fatalf("A replay of an empty canvas contained frames")
	}

	n, err := s.AppendFrame(ctx, frameOf(2, 0x11), a)
	if err != nil || n != 2 {
		t.Fatalf("AppendFrame() = %d, %v; want 2, nil", n, err)
	}

	b := newFakeSub("conn-b", "user-b")
	b.color = "#7DFE61"
	env.join(t, "c1", b)

	defs := controls[DefineUserID](t, b, OpDefineUserID)
	if len(defs) < 1 {
		t.Fatalf("B got no DefineUserID")
	}
	if defs[0].Index != 0 || defs[0].ID != "user-a" || defs[0].Name != "name-user-a" || defs[0].Color != a.color {
		t.Errorf("B replay DefineUserID = %+v, want index 0 for user-a with A's color", defs[0])
	}
	frames := b.binaryFrames()
	if len(frames) != 1 {
		t.Fatalf("B replay frames = %d, want 1", len(frames))
	}
	want := frameOf(2, 0x11)
	want[1], want[1+RecordSize] = 0, 0
	if !bytes.Equal(frames[0], want) {
		t.Errorf("B replay frame = %x, want %x", frames[0], want)
	}
	if last := defs[len(defs)-1]; last.ID != "user-b" || last.Index != 1 || last.Color != "#7DFE61" {
		t.Errorf("B self announcement = %+v, want index 1 for user-b", last)
	}

	a.reset()
	b.reset()
	if _, err := s.AppendFrame(ctx, frameOf(1, 0x22), a); err != nil {
		t.Fatalf("AppendFrame() error = %v", err)
	}
	if got := b.binaryFrames(); len(got) != 1 || got[0][0] != 1 || got[0][1] != 0 {
		t.Errorf("B live frames = %x, want one stamped 1-record frame", got)
	}
	if got := a.binaryFrames(); len(got) != 0 {
		t.Errorf("A received its own frame back: %x", got)
	}
	if lines := s.Info().Lines; lines != 3 {
		t.Errorf("Lines = %d, want 3", lines)
	}
}

func TestSubscribeAnnouncesToExistingSubscribers(t *testing.T) {
	env := newTestEnv(t, "c1")
	a := newFakeSub("conn-a", "user-a")
	env.join(t, "c1", a)
	a.reset()

	env.join(t, "c1", newFakeSub("conn-b", "user-b"))

	defs := controls[DefineUserID](t, a, OpDefineUserID)
	if len(defs) != 1 || defs[0].ID != "user-b" || defs[0].Index != 1 {
		t.Errorf("A announcements = %+v, want user-b at index 1", defs)
	}
}

func TestReplayChunksLargeLogs(t *testing.T) {
	env := newTestEnv(t, "c1")
	a := newFakeSub("conn-a", "user-a")
	s := env.join(t, "c1", a)
	for i := 0; i < 4; i++ {
		if _, err := s.AppendFrame(context.Background(), frameOf(150, byte(i)), a); err != nil {
			t.Fatalf("AppendFrame() error = %v", err)
		}
	}

	b := newFakeSub("conn-b", "user-b")
	env.join(t, "c1", b)

	var counts []int
	for _, frame := range b.binaryFrames() {
		counts = append(counts, int(frame[0]))
		if len(frame) != 1+int(frame[0])*RecordSize {
			t.Errorf("frame length %d does not match count %d", len(frame), frame[0])
		}
	}
	if fmt.Sprint(counts) != "[255 255 90]" {
		t.Errorf("replay frame counts = %v, want [255 255 90]", counts)
	}
}

func TestReplayPlaceholderForDeletedUser(t *testing.T) {
	env := newTestEnv(t)
	env.meta.canvases["c1"] = &models.Canvas{ID: "c1", Users: []string{"ghost", "known"}, UserIndex: 2}
	env.users["known"] = &models.User{ID: "known", Name: "Known", AvatarURL: "https://icons/known"}

	b := newFakeSub("conn-b", "user-b")
	env.join(t, "c1", b)

	defs := controls[DefineUserID](t, b, OpDefineUserID)
	if len(defs) != 3 {
		t.Fatalf("DefineUserID count = %d, want 3", len(defs))
	}
	wantGhost := DefineUserID{Index: 0, Name: "DELETED_USER_ghost", ID: "ghost", Color: "#FFFFFF"}
	if defs[0] != wantGhost {
		t.Errorf("ghost = %+v, want %+v", defs[0], wantGhost)
	}
	wantKnown := DefineUserID{Index: 1, Name: "Known", Icon: "https://icons/known", ID: "known", Color: "#FFFFFF"}
	if defs[1] != wantKnown {
		t.Errorf("known = %+v, want %+v", defs[1], wantKnown)
	}
}

func TestAppendFrameCapacityExceeded(t *testing.T) {
	env := newTestEnv(t)
	ids := make([]string, MaxUsers)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%03d", i)
	}
	env.meta.canvases["c1"] = &models.Canvas{ID: "c1", Users: ids, UserIndex: MaxUsers}

	late := newFakeSub("conn-late", "user-257")
	s := env.join(t, "c1", late)

	reports := controls[ErrorReport](t, late, OpError)
	if len(reports) != 1 || reports[0].Code != "capacity_exceeded" {
		t.Errorf("error reports = %+v, want one capacity_exceeded", reports)
	}

	n, err := s.AppendFrame(context.Background(), frameOf(1, 0x33), late)
	if !errors.Is(err, ErrCapacityExceeded) || n != 0 {
		t.Fatalf("AppendFrame() = %d, %v; want ErrCapacityExceeded", n, err)
	}
	info := s.Info()
	if info.Lines != 0 || info.Users != MaxUsers {
		t.Errorf("Info = %+v, want empty log and a full table", info)
	}

	// Existing contributors can still draw.
	old := newFakeSub("conn-old", "user-003")
	env.join(t, "c1", old)
	if _, err := s.AppendFrame(context.Background(), frameOf(1, 0x44), old); err != nil {
		t.Fatalf("AppendFrame() for known user error = %v", err)
	}
	frames := late.binaryFrames()
	if len(frames) != 1 || frames[0][1] != 3 {
		t.Errorf("late subscriber frames = %x, want one record stamped with index 3", frames)
	}
}

func TestAppendFrameMalformed(t *testing.T) {
	env := newTestEnv(t, "c1")
	a := newFakeSub("conn-a", "user-a")
	s := env.join(t, "c1", a)

	short := frameOf(3, 0x01)[:1+2*RecordSize]
	if _, err := s.AppendFrame(context.Background(), short, a); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("short frame error = %v, want ErrMalformedFrame", err)
	}
	if n, err := s.AppendFrame(context.Background(), []byte{0}, a); n != 0 || err != nil {
		t.Errorf("empty frame = %d, %v; want 0, nil", n, err)
	}
	if lines := s.Info().Lines; lines != 0 {
		t.Errorf("Lines = %d, want 0", lines)
	}
}

func TestAppendFrameRequiresSubscription(t *testing.T) {
	env := newTestEnv(t, "c1")
	a := newFakeSub("conn-a", "user-a")
	s := env.join(t, "c1", a)

	stranger := newFakeSub("conn-x", "user-x")
	if _, err := s.AppendFrame(context.Background(), frameOf(1, 1), stranger); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("error = %v, want ErrNotSubscribed", err)
	}
}

func TestClear(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()
	a := newFakeSub("conn-a", "user-a")
	b := newFakeSub("conn-b", "user-b")
	s := env.join(t, "c1", a)
	env.join(t, "c1", b)
	if _, err := s.AppendFrame(ctx, frameOf(5, 9), a); err != nil {
		t.Fatalf("AppendFrame() error = %v", err)
	}

	if err := s.Clear(ctx, b); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	for _, sub := range []*fakeSub{a, b} {
		cleared := controls[CanvasCleared](t, sub, OpCanvasCleared)
		if len(cleared) != 1 || cleared[0].ClearedByName != "name-user-b" || cleared[0].ClearedByIcon != "https://icons/user-b" {
			t.Errorf("%s cleared messages = %+v, want exactly one from user-b", sub.id, cleared)
		}
	}
	info := s.Info()
	if info.Lines != 0 || info.Users != 2 || !info.Dirty {
		t.Errorf("Info after clear = %+v, want 0 lines, 2 users, dirty", info)
	}

	c := newFakeSub("conn-c", "user-c")
	env.join(t, "c1", c)
	if len(c.binaryFrames()) != 0 {
		t.Errorf("replay after clear contained frames")
	}
	if defs := controls[DefineUserID](t, c, OpDefineUserID); len(defs) != 3 {
		t.Errorf("replay after clear has %d user definitions, want 3", len(defs))
	}
}

func TestHeartbeatAndResumeToken(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()
	a := newFakeSub("conn-a", "user-a")
	b := newFakeSub("conn-b", "user-b")
	s := env.join(t, "c1", a)
	env.join(t, "c1", b)
	if _, err := s.AppendFrame(ctx, frameOf(3, 1), a); err != nil {
		t.Fatalf("AppendFrame() error = %v", err)
	}

	pos, err := s.Heartbeat(b)
	if err != nil || pos != 3 {
		t.Fatalf("Heartbeat() = %d, %v; want 3, nil", pos, err)
	}

	token := b.ResumeToken()
	if err := s.Unsubscribe(ctx, b); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	b.reset()
	env.join(t, "c1", b)
	flags := controls[SetStateFlag](t, b, OpSetStateFlag)
	if len(flags) != 1 || flags[0].ResumeToken != token {
		t.Errorf("rejoin flag = %+v, want resume token %q", flags, token)
	}
	// Replay is always complete regardless of the token position.
	if got := len(b.records()) / RecordSize; got != 3 {
		t.Errorf("rejoin replay records = %d, want 3", got)
	}

	c := newFakeSub("conn-c", "user-c")
	c.token = "forged"
	env.join(t, "c1", c)
	if c.ResumeToken() == "forged" {
		t.Errorf("unknown resume token was accepted")
	}
}

func TestSetColorBroadcasts(t *testing.T) {
	env := newTestEnv(t, "c1")
	a := newFakeSub("conn-a", "user-a")
	b := newFakeSub("conn-b", "user-b")
	s := env.join(t, "c1", a)
	env.join(t, "c1", b)

	a.color = "#C853FF"
	if err := s.SetColor(a); err != nil {
		t.Fatalf("SetColor() error = %v", err)
	}
	got := controls[DefineUserColor](t, b, OpDefineUserColor)
	if len(got) != 1 || got[0] != (DefineUserColor{ID: "user-a", Color: "#C853FF"}) {
		t.Errorf("B color messages = %+v", got)
	}
}

func TestConcurrentAppendsShareOneOrder(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()
	const writers, perWriter = 8, 50

	observer := newFakeSub("observer", "observer")
	s := env.join(t, "c1", observer)
	subs := make([]*fakeSub, writers)
	for w := range subs {
		subs[w] = newFakeSub(fmt.Sprintf("conn-%d", w), fmt.Sprintf("user-%d", w))
		env.join(t, "c1", subs[w])
		subs[w].reset()
	}

	var wg sync.WaitGroup
	for w := range subs {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				frame := frameOf(1, 0)
				frame[2], frame[3] = byte(w), byte(i)
				if _, err := s.AppendFrame(ctx, frame, subs[w]); err != nil {
					t.Errorf("writer %d AppendFrame() error = %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if err := s.Persist(ctx); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	log := env.snaps.get("c1")
	if len(log) != writers*perWriter*RecordSize {
		t.Fatalf("log length = %d, want %d", len(log), writers*perWriter*RecordSize)
	}
	if !bytes.Equal(observer.records(), log) {
		t.Errorf("observer stream differs from log order")
	}

	next := make([]int, writers)
	for i := 0; i < len(log); i += RecordSize {
		w, seq := int(log[i+1]), int(log[i+2])
		if seq != next[w] {
			t.Fatalf("writer %d record %d out of order at position %d", w, seq, i/RecordSize)
		}
		next[w]++
	}

	for w, sub := range subs {
		var want []byte
		for i := 0; i < len(log); i += RecordSize {
			if int(log[i+1]) != w {
				want = append(want, log[i:i+RecordSize]...)
			}
		}
		if !bytes.Equal(sub.records(), want) {
			t.Errorf("writer %d stream differs from log order minus its own frames", w)
		}
	}
}

func TestSubscribeRacingAppendSeesEveryRecordOnce(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()
	writer := newFakeSub("writer", "writer")
	s := env.join(t, "c1", writer)

	const total = 400
	late := newFakeSub("late", "late")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			frame := frameOf(1, 0)
			frame[2], frame[3] = byte(i>>8), byte(i)
			if _, err := s.AppendFrame(ctx, frame, writer); err != nil {
				t.Errorf("AppendFrame() error = %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		if _, err := env.registry.Join(ctx, "c1", late); err != nil {
			t.Errorf("Join() error = %v", err)
		}
	}()
	wg.Wait()

	if err := s.Persist(ctx); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if got, want := late.records(), env.snaps.get("c1"); !bytes.Equal(got, want) {
		t.Errorf("late subscriber saw %d records, log has %d", len(got)/RecordSize, len(want)/RecordSize)
	}
}

func TestPersistClearsDirtyOnlyForCapturedGeneration(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()
	a := newFakeSub("conn-a", "user-a")
	s := env.join(t, "c1", a)
	if _, err := s.AppendFrame(ctx, frameOf(1, 1), a); err != nil {
		t.Fatalf("AppendFrame() error = %v", err)
	}

	env.meta.gate = make(chan struct{})
	env.meta.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- s.Persist(ctx) }()
	<-env.meta.entered

	if err := s.Persist(ctx); !errors.Is(err, ErrPersistInProgress) {
		t.Errorf("second Persist() = %v, want ErrPersistInProgress", err)
	}
	if _, err := s.AppendFrame(ctx, frameOf(1, 2), a); err != nil {
		t.Fatalf("AppendFrame() during persist error = %v", err)
	}
	close(env.meta.gate)
	if err := <-done; err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !s.Info().Dirty {
		t.Errorf("dirty flag cleared although a record arrived during the write")
	}
	if got := len(env.snaps.get("c1")) / RecordSize; got != 1 {
		t.Errorf("snapshot records = %d, want 1", got)
	}
}

func TestFailedDrainKeepsLogAndAutosaveRetries(t *testing.T) {
	env := newTestEnv(t, "c1")
	ctx := context.Background()
	a := newFakeSub("conn-a", "user-a")
	s := env.join(t, "c1", a)
	if _, err := s.AppendFrame(ctx, frameOf(2, 7), a); err != nil {
		t.Fatalf("AppendFrame() error = %v", err)
	}

	env.meta.setSaveErr(errors.New("database unavailable"))
	if err := s.Unsubscribe(ctx, a); err == nil {
		t.Fatalf("Unsubscribe() error = nil, want persist failure")
	}
	info := s.Info()
	if info.State != "active" || !info.Dirty || info.Lines != 2 {
		t.Fatalf("Info after failed drain = %+v, want active, dirty, 2 lines", info)
	}
	if env.registry.Len() != 1 {
		t.Fatalf("registry evicted a session with unsaved content")
	}

	env.meta.setSaveErr(nil)
	env.scheduler.runAll()

	if got := s.Info().State; got != "closed" {
		t.Errorf("State after autosave = %s, want closed", got)
	}
	if env.registry.Len() != 0 {
		t.Errorf("registry still holds the drained session")
	}
	if got := len(env.snaps.get("c1")) / RecordSize; got != 2 {
		t.Errorf("snapshot records = %d, want 2", got)
	}
}

func TestAutosaveSkipsCleanSession(t *testing.T) {
	env := newTestEnv(t, "c1")
	a := newFakeSub("conn-a", "user-a")
	s := env.join(t, "c1", a)
	if err := s.Persist(context.Background()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	env.snaps.mu.Lock()
	delete(env.snaps.blobs, "c1")
	env.snaps.mu.Unlock()

	env.scheduler.runAll()
	if env.snaps.get("c1") != nil {
		t.Errorf("autosave wrote a clean session")
	}
	if env.scheduler.len() != 1 {
		t.Errorf("scheduled jobs = %d, want 1", env.scheduler.len())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateLoading:  "loading",
		StateActive:   "active",
		StateDraining: "draining",
		StateClosed:   "closed",
		State(9):      "state(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(state), got, want)
		}
	}
}
