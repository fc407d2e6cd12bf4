// Package txn wraps a store.Store with begin/commit/rollback semantics over
// a batch of key updates. A failed commit automatically rolls the store
// back to its pre-transaction snapshot, so callers observe either full
// success or full reversion.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/statevault/statevault/internal/loggingutil"
	"github.com/statevault/statevault/store"
)

// ErrState marks transaction misuse: double begin, update or commit without
// an active transaction, or a rollback that itself failed. Errors carrying
// it are always *StateError.
var ErrState = fmt.Errorf("txn: invalid transaction state")

// StateError reports transaction misuse or a failed rollback. When Cause is
// non-nil the store's state is contractually undefined for that invocation.
type StateError struct {
	Op    string
	Cause error
}

func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("txn: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("txn: %s: invalid transaction state", e.Op)
}

// Is reports ErrState for errors.Is matching.
func (e *StateError) Is(target error) bool { return target == ErrState }

// Unwrap exposes the underlying store failure, when any.
func (e *StateError) Unwrap() error { return e.Cause }

type update struct {
	key   string
	value json.RawMessage
}

// Manager runs transactions against one store. Only one transaction may be
// active per Manager at a time; transactions are neither reentrant nor
// nestable.
type Manager struct {
	mu     sync.Mutex
	store  store.Store
	logger pslog.Logger

	active   bool
	id       string
	snapshot map[string]json.RawMessage
	pending  []update
}

// NewManager returns a transaction manager bound to s.
func NewManager(s store.Store, logger pslog.Logger) *Manager {
	return &Manager{
		store:  s,
		logger: loggingutil.WithSubsystem(logger, "txn"),
	}
}

// Begin snapshots the store's full key space and opens a transaction. It
// fails with a StateError when one is already active.
func (m *Manager) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return &StateError{Op: "begin: transaction already active"}
	}
	all, err := m.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("txn: snapshot: %w", err)
	}
	m.snapshot = store.CloneAll(all)
	m.pending = nil
	m.id = uuid.Must(uuid.NewV7()).String()
	m.active = true
	m.logger.Debug("statevault.txn.begin", "txn_id", m.id, "snapshot_keys", len(m.snapshot))
	return nil
}

// Update queues a key write. Nothing reaches the store before Commit.
func (m *Manager) Update(key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return &StateError{Op: "update: no active transaction"}
	}
	m.pending = append(m.pending, update{key: key, value: store.CloneValue(value)})
	return nil
}

// Commit applies every queued update in order. If any single write fails
// partway through, the store is rolled back to the snapshot before the
// original error is returned.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return &StateError{Op: "commit: no active transaction"}
	}
	for i, u := range m.pending {
		if err := m.store.Set(ctx, u.key, u.value); err != nil {
			m.logger.Warn("statevault.txn.commit_failed",
				"txn_id", m.id, "key", u.key, "applied", i, "error", err)
			if rbErr := m.rollbackLocked(ctx); rbErr != nil {
				m.logger.Error("statevault.txn.rollback_failed",
					"txn_id", m.id, "error", rbErr)
			}
			return fmt.Errorf("txn: commit %s: %w", u.key, err)
		}
	}
	m.logger.Debug("statevault.txn.committed", "txn_id", m.id, "updates", len(m.pending))
	m.reset()
	return nil
}

// Rollback restores the store to the snapshot captured by Begin. A store
// failure during rollback is returned as a StateError wrapping the cause:
// the store's state is undefined at that point.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return &StateError{Op: "rollback: no active transaction"}
	}
	err := m.rollbackLocked(ctx)
	if err != nil {
		return err
	}
	m.logger.Debug("statevault.txn.rolled_back", "txn_id", m.id)
	return nil
}

// Execute runs fn inside a transaction: commit on success, rollback and
// return fn's error on failure.
func (m *Manager) Execute(ctx context.Context, fn func(tx *Manager) error) error {
	if err := m.Begin(ctx); err != nil {
		return err
	}
	if err := fn(m); err != nil {
		if rbErr := m.Rollback(ctx); rbErr != nil {
			m.logger.Error("statevault.txn.rollback_failed", "error", rbErr)
		}
		return err
	}
	return m.Commit(ctx)
}

// rollbackLocked deletes every key currently present and restores the
// snapshot. The transaction is over afterwards, whatever the outcome.
func (m *Manager) rollbackLocked(ctx context.Context) error {
	snapshot := m.snapshot
	id := m.id
	m.reset()
	if err := m.store.Clear(ctx); err != nil {
		return &StateError{Op: fmt.Sprintf("rollback %s: clear store", id), Cause: err}
	}
	for key, value := range snapshot {
		if err := m.store.Set(ctx, key, value); err != nil {
			return &StateError{Op: fmt.Sprintf("rollback %s: restore %s", id, key), Cause: err}
		}
	}
	return nil
}

func (m *Manager) reset() {
	m.active = false
	m.id = ""
	m.snapshot = nil
	m.pending = nil
}
