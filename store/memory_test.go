package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "a", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("got %s", got)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting an absent key is a no-op.
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestMemoryGetAllAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, json.RawMessage(`true`)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d want 3", len(all))
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ = s.GetAll(ctx)
	if len(all) != 0 {
		t.Fatalf("len after clear = %d want 0", len(all))
	}
}

func TestMemoryCopiesOnReadAndWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	original := json.RawMessage(`"value"`)
	if err := s.Set(ctx, "k", original); err != nil {
		t.Fatalf("set: %v", err)
	}
	original[1] = 'x'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `"value"` {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}
	got[1] = 'y'
	again, _ := s.Get(ctx, "k")
	if string(again) != `"value"` {
		t.Fatalf("returned value aliased store buffer: %s", again)
	}
}
