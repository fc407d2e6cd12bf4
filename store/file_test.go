package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/statevault/statevault/internal/backoff"
	"github.com/statevault/statevault/lockfile"
)

func testFileStore(t *testing.T, path string) *File {
	t.Helper()
	locks := lockfile.New(lockfile.Options{
		Backoff: backoff.Policy{Base: 2 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	s, err := NewFile(path, FileOptions{Locks: locks, LockTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return s
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := testFileStore(t, path)

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "counter", json.RawMessage(`7`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `7` {
		t.Fatalf("got %s", got)
	}
	if err := s.Delete(ctx, "counter"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "counter"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFilePersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	first := testFileStore(t, path)
	if err := first.Set(ctx, "k", json.RawMessage(`"persisted"`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	second := testFileStore(t, path)
	got, err := second.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get from fresh instance: %v", err)
	}
	if string(got) != `"persisted"` {
		t.Fatalf("got %s", got)
	}
}

func TestFileMissingFileReadsAsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testFileStore(t, filepath.Join(t.TempDir(), "never-written.json"))
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("len = %d want 0", len(all))
	}
}

func TestFileMutationReleasesLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := testFileStore(t, path)

	if err := s.Set(ctx, "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(lockfile.SidecarPath(path)); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("lock sidecar left behind: %v", err)
	}
}

func TestFileConcurrentWritersLoseNoUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s := testFileStore(t, path)
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := s.Set(ctx, key, json.RawMessage(`true`)); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent set: %v", err)
	}

	s := testFileStore(t, path)
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != writers*perWriter {
		t.Fatalf("keys = %d want %d", len(all), writers*perWriter)
	}
}

func TestFileClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := testFileStore(t, path)
	for _, k := range []string{"a", "b"} {
		if err := s.Set(ctx, k, json.RawMessage(`0`)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ := s.GetAll(ctx)
	if len(all) != 0 {
		t.Fatalf("len after clear = %d want 0", len(all))
	}
}

func TestNewFileValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewFile("", FileOptions{Locks: lockfile.New(lockfile.Options{})}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := NewFile("x.json", FileOptions{}); err == nil {
		t.Fatalf("expected error for missing lock manager")
	}
}
