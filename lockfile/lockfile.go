// Package lockfile provides cross-process mutual exclusion backed by a
// sidecar file next to the protected resource. Locks carry an owner record
// for diagnostics, go stale after a configurable age (or when the owning
// process is gone), and stale locks are reclaimed atomically via rename so
// that at most one contender wins the reclaim.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/statevault/statevault/internal/backoff"
	"github.com/statevault/statevault/internal/clock"
	"github.com/statevault/statevault/internal/loggingutil"
)

// Suffix is appended to a resource path to derive its lock sidecar path.
const Suffix = ".lock"

// ErrTimeout indicates the lock could not be acquired within the caller's
// timeout. Errors carrying it are always *TimeoutError.
var ErrTimeout = errors.New("lockfile: acquire timed out")

// TimeoutError reports a failed acquisition together with the owner record
// perceived at the time of the failure, when one could be read.
type TimeoutError struct {
	Resource string
	Waited   time.Duration
	Owner    *Owner
}

func (e *TimeoutError) Error() string {
	if e.Owner != nil {
		return fmt.Sprintf("lockfile: acquire %s timed out after %s (held by pid %d on %s since %s)",
			e.Resource, e.Waited, e.Owner.PID, e.Owner.Hostname, e.Owner.CreatedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("lockfile: acquire %s timed out after %s", e.Resource, e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Options configures a Manager. Zero values select production defaults.
type Options struct {
	// Clock supplies time and sleeps; defaults to the real clock.
	Clock clock.Clock
	// Logger receives lifecycle events; nil disables logging.
	Logger pslog.Logger
	// Backoff shapes the retry delay between acquisition attempts.
	Backoff backoff.Policy
	// Rand seeds backoff jitter; defaults to a time-seeded source.
	Rand *rand.Rand
	// ProbeOwner enables treating locks as stale when the recorded owner
	// pid no longer exists on this host. Defaults to true; set
	// DisableOwnerProbe to opt out.
	DisableOwnerProbe bool
	// StaleAfter is the lock staleness threshold. Zero means "use the
	// caller's acquire timeout", matching the age a contender is willing
	// to wait anyway.
	StaleAfter time.Duration
}

// Manager acquires and releases sidecar file locks.
type Manager struct {
	clock      clock.Clock
	logger     pslog.Logger
	policy     backoff.Policy
	probeOwner bool
	staleAfter time.Duration

	randMu sync.Mutex
	rand   *rand.Rand

	// reclaimMu serializes reclaim and release within this process; the
	// fcntl guard only excludes other processes.
	reclaimMu sync.Mutex
}

// New constructs a Manager, filling unset options with defaults.
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	policy := opts.Backoff
	if policy.Jitter == 0 {
		policy.Jitter = 0.5
	}
	return &Manager{
		clock:      clk,
		logger:     loggingutil.WithSubsystem(opts.Logger, "lockfile"),
		policy:     policy.Normalize(),
		probeOwner: !opts.DisableOwnerProbe,
		staleAfter: opts.StaleAfter,
		rand:       rng,
	}
}

// SidecarPath returns the lock file path protecting resource.
func SidecarPath(resource string) string { return resource + Suffix }

// Acquire obtains an exclusive lock on resource, retrying with jittered
// exponential backoff until it succeeds, ctx is cancelled, or the
// cumulative wait exceeds timeout. The returned token proves ownership and
// is required by Release. A lock whose sidecar is older than timeout, or
// whose owner process is verifiably gone, is reclaimed.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration) (string, error) {
	if resource == "" {
		return "", fmt.Errorf("lockfile: empty resource path")
	}
	if timeout <= 0 {
		return "", fmt.Errorf("lockfile: non-positive timeout %s", timeout)
	}
	path := SidecarPath(resource)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("lockfile: ensure lock dir: %w", err)
	}

	token := uuid.Must(uuid.NewV7()).String()
	start := m.clock.Now()
	deadline := start.Add(timeout)

	attempt := 0
	for {
		created, err := m.tryCreate(path, token, resource)
		if err != nil {
			return "", err
		}
		if created {
			m.logger.Debug("statevault.lockfile.acquired",
				"resource", resource, "token", token, "attempt", attempt)
			return token, nil
		}

		current, age, readErr := m.readSidecar(path)
		if readErr == nil && m.isStale(current, age, timeout) {
			if m.reclaim(path, resource, current) {
				continue
			}
		}

		attempt++
		m.randMu.Lock()
		delay := m.policy.Delay(attempt, m.rand)
		m.randMu.Unlock()
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			waited := m.clock.Now().Sub(start)
			m.logger.Warn("statevault.lockfile.timeout",
				"resource", resource, "waited", waited, "attempts", attempt)
			return "", &TimeoutError{Resource: resource, Waited: waited, Owner: current}
		}
		if delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("lockfile: acquire %s: %w", resource, ctx.Err())
		case <-m.clock.After(delay):
		}
	}
}

// Release removes the lock on resource when token matches the recorded
// owner. A mismatching token is a silent no-op so one process can never
// destroy another's valid lock; the return value reports whether the lock
// was actually released. The check and the unlink run under the reclaim
// guard so a concurrent stale reclaim cannot slip a successor's lock in
// between them.
func (m *Manager) Release(resource, token string) (bool, error) {
	path := SidecarPath(resource)
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()
	guard, ok, err := acquireReclaimGuard(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("lockfile: release %s: %w", resource, err)
	}
	if !ok {
		// A reclaimer holds the guard: the sidecar is being replaced and
		// is no longer ours to unlink.
		m.logger.Debug("statevault.lockfile.release_contended", "resource", resource)
		return false, nil
	}
	defer func() { _ = guard.release() }()

	current, _, err := m.readSidecar(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if current == nil || current.Token != token {
		m.logger.Debug("statevault.lockfile.release_token_mismatch", "resource", resource)
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("lockfile: release %s: %w", resource, err)
	}
	m.logger.Debug("statevault.lockfile.released", "resource", resource, "token", token)
	return true, nil
}

// Inspect returns the current owner record and sidecar age for resource,
// or fs.ErrNotExist when no lock is held.
func (m *Manager) Inspect(resource string) (*Owner, time.Duration, error) {
	return m.readSidecar(SidecarPath(resource))
}

// tryCreate attempts the exclusive create of the sidecar. It returns false
// without error when the lock is already held.
func (m *Manager) tryCreate(path, token, resource string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lockfile: create %s: %w", path, err)
	}
	owner := newOwner(token, resource, m.clock.Now())
	payload, err := owner.encode()
	if err == nil {
		_, err = f.Write(payload)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("lockfile: write owner record %s: %w", path, err)
	}
	return true, nil
}

func (m *Manager) readSidecar(path string) (*Owner, time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	age := m.clock.Now().Sub(info.ModTime())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, age, err
	}
	owner, err := decodeOwner(data)
	if err != nil {
		// An unreadable record still represents a held lock; age alone
		// decides staleness.
		return nil, age, nil
	}
	return owner, age, nil
}

func (m *Manager) isStale(owner *Owner, age, timeout time.Duration) bool {
	threshold := m.staleAfter
	if threshold <= 0 {
		threshold = timeout
	}
	if age > threshold {
		return true
	}
	if m.probeOwner && owner != nil && !owner.alive() {
		return true
	}
	return false
}

// reclaim removes a stale sidecar by renaming it to a unique tombstone
// first. Rename is atomic, so exactly one contender wins; losers simply
// retry. The advisory guard narrows the race further on unix.
func (m *Manager) reclaim(path, resource string, owner *Owner) bool {
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()
	guard, ok, err := acquireReclaimGuard(path)
	if err != nil || !ok {
		return false
	}
	defer func() { _ = guard.release() }()

	tomb := path + ".reclaim." + xid.New().String()
	if err := os.Rename(path, tomb); err != nil {
		return false
	}
	_ = os.Remove(tomb)
	pid := 0
	if owner != nil {
		pid = owner.PID
	}
	m.logger.Info("statevault.lockfile.stale_reclaimed",
		"resource", resource, "previous_pid", pid)
	return true
}
