package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx, "c1"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load() on empty store error = %v, want fs.ErrNotExist", err)
	}

	first := bytes.Repeat([]byte{1}, 24)
	if err := store.Save(ctx, "c1", first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second := bytes.Repeat([]byte{2}, 36)
	if err := store.Save(ctx, "c1", second); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}

	got, err := store.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("Load() = %d bytes, want the second snapshot", len(got))
	}
	if _, err := os.Stat(filepath.Join(dir, "c1"+Extension)); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the snapshot", len(entries))
	}

	if err := store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "c1"); err != nil {
		t.Errorf("Delete() of missing snapshot error = %v", err)
	}
	if _, err := store.Load(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after delete error = %v, want ErrNotFound", err)
	}
}

func TestLocalStoreRejectsUnsafeIDs(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"", ".", "..", "../escape", `a\b`, "a/b"} {
		if err := store.Save(ctx, id, []byte{1}); err == nil {
			t.Errorf("Save(%q) succeeded", id)
		}
		if _, err := store.Load(ctx, id); err == nil || errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Load(%q) error = %v, want an id error", id, err)
		}
	}
}

func TestLocalStoreSaveHonoursContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Save(ctx, "c1", []byte{1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Save() error = %v, want context.Canceled", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("Open() default backend = %T, want *LocalStore", store)
	}
	if _, err := Open(ctx, Config{Backend: "ftp"}); err == nil {
		t.Errorf("Open() accepted an unknown backend")
	}
	if _, err := Open(ctx, Config{Backend: "s3"}); err == nil {
		t.Errorf("Open() accepted s3 without a bucket")
	}
}
