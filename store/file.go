package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"pkt.systems/pslog"

	"github.com/statevault/statevault/fsatomic"
	"github.com/statevault/statevault/internal/loggingutil"
	"github.com/statevault/statevault/lockfile"
)

// FileOptions configures a file-backed store.
type FileOptions struct {
	// Locks serializes cross-process mutations; required.
	Locks *lockfile.Manager
	// LockTimeout bounds how long a mutation waits for the resource lock
	// and doubles as the staleness threshold. Defaults to 30s.
	LockTimeout time.Duration
	Logger      pslog.Logger
}

// File persists the full key space as one JSON document. Reads go straight
// to the file (the atomic writer guarantees complete content); every
// mutation acquires the cross-process lock, re-reads, applies the change
// and rewrites the document atomically.
type File struct {
	path        string
	locks       *lockfile.Manager
	lockTimeout time.Duration
	logger      pslog.Logger
}

// NewFile returns a store persisting to path.
func NewFile(path string, opts FileOptions) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty file path")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("store: lock manager is required")
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &File{
		path:        path,
		locks:       opts.Locks,
		lockTimeout: timeout,
		logger:      loggingutil.WithSubsystem(opts.Logger, "store.file"),
	}, nil
}

// Path returns the backing file path.
func (s *File) Path() string { return s.path }

// Get returns the value stored for key.
func (s *File) Get(_ context.Context, key string) (json.RawMessage, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := all[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Set writes value under key.
func (s *File) Set(ctx context.Context, key string, value json.RawMessage) error {
	return s.mutate(ctx, func(all map[string]json.RawMessage) {
		all[key] = CloneValue(value)
	})
}

// Delete removes key; deleting an absent key is a no-op.
func (s *File) Delete(ctx context.Context, key string) error {
	return s.mutate(ctx, func(all map[string]json.RawMessage) {
		delete(all, key)
	})
}

// GetAll returns the full key space.
func (s *File) GetAll(_ context.Context) (map[string]json.RawMessage, error) {
	return s.load()
}

// Clear removes every key.
func (s *File) Clear(ctx context.Context) error {
	return s.mutate(ctx, func(all map[string]json.RawMessage) {
		for k := range all {
			delete(all, k)
		}
	})
}

// mutate runs fn over the current document under the cross-process lock and
// rewrites the result atomically.
func (s *File) mutate(ctx context.Context, fn func(map[string]json.RawMessage)) error {
	token, err := s.locks.Acquire(ctx, s.path, s.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if _, releaseErr := s.locks.Release(s.path, token); releaseErr != nil {
			s.logger.Warn("statevault.store.file.release_failed",
				"path", s.path, "error", releaseErr)
		}
	}()

	all, err := s.load()
	if err != nil {
		return err
	}
	fn(all)
	if err := fsatomic.WriteJSON(s.path, all); err != nil {
		return fmt.Errorf("store: rewrite %s: %w", s.path, err)
	}
	return nil
}

func (s *File) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return make(map[string]json.RawMessage), nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", s.path, err)
	}
	if all == nil {
		all = make(map[string]json.RawMessage)
	}
	return all, nil
}
