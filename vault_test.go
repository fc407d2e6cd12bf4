package statevault

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/statevault/statevault/store"
	"github.com/statevault/statevault/txn"
)

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing Dir")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	v, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close(ctx)

	s, err := v.FileStore("sessions")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if err := s.Set(ctx, "alice", json.RawMessage(`{"ttl":60}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions.json")); err != nil {
		t.Fatalf("backing file: %v", err)
	}
	got, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"ttl":60}` {
		t.Fatalf("got %s", got)
	}
}

func TestFileStoreIsCachedPerName(t *testing.T) {
	t.Parallel()

	v, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close(context.Background())

	a, err := v.FileStore("app")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := v.FileStore("app")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same cached store")
	}
	other, err := v.FileStore("other")
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if other == a {
		t.Fatalf("distinct names share a store")
	}
	if _, err := v.FileStore(""); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestRemoteStoreRequiresRemoteConfig(t *testing.T) {
	t.Parallel()

	v, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close(context.Background())

	if v.Pool() != nil {
		t.Fatalf("pool should be nil without remote config")
	}
	if _, err := v.RemoteStore("cache"); err == nil {
		t.Fatalf("expected error without remote config")
	}
}

func TestTxnOverFileStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close(ctx)

	s, err := v.FileStore("app")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if err := s.Set(ctx, "pre", json.RawMessage(`"existing"`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("validation failed")
	err = v.Txn(s).Execute(ctx, func(tx *txn.Manager) error {
		if err := tx.Update("a", json.RawMessage(`1`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("execute = %v want %v", err, boom)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rolled-back key visible: %v", err)
	}

	if err := v.Txn(s).Execute(ctx, func(tx *txn.Manager) error {
		return tx.Update("a", json.RawMessage(`1`))
	}); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `1` {
		t.Fatalf("got %s", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	v, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := v.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := v.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := v.FileStore("late"); err == nil {
		t.Fatalf("expected error after close")
	}
}
