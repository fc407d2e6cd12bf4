// Package store defines the key/value contract wrapped by transactions and
// provides three implementations: an in-memory map, a file-backed store
// composed from the lock manager and the atomic writer, and a remote store
// dialed through the connection pool. All implementations share one
// context-based interface; synchronous backends simply return immediately.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound indicates the requested key is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the caller contract for a backing store. Values are raw JSON so
// snapshots and rollbacks can copy them without knowing their shape.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
	Clear(ctx context.Context) error
}

// CloneValue returns an independent copy of v.
func CloneValue(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}

// CloneAll returns an independent copy of a full key space.
func CloneAll(all map[string]json.RawMessage) map[string]json.RawMessage {
	clone := make(map[string]json.RawMessage, len(all))
	for k, v := range all {
		clone[k] = CloneValue(v)
	}
	return clone
}
