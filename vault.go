package statevault

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/statevault/statevault/internal/backoff"
	"github.com/statevault/statevault/internal/clock"
	"github.com/statevault/statevault/internal/loggingutil"
	"github.com/statevault/statevault/lockfile"
	"github.com/statevault/statevault/pool"
	"github.com/statevault/statevault/store"
	"github.com/statevault/statevault/txn"
)

// Vault owns the persistence safety layer: the lock manager, the connection
// pool and the stores built on them. Construct it at the process entry
// point and call Close on shutdown; the library installs no global state
// and no signal handlers.
type Vault struct {
	cfg    Config
	logger pslog.Logger
	locks  *lockfile.Manager
	pool   *pool.Manager
	clock  clock.Clock

	mu       sync.Mutex
	files    map[string]*store.File
	idleStop chan struct{}
	closed   bool
}

// New validates cfg and assembles a Vault. When cfg.Remote is set, a pool
// manager is started and an idle-eviction sweep runs on the health check
// interval.
func New(cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := clock.Real{}
	locks := lockfile.New(lockfile.Options{
		Clock:  clk,
		Logger: logger,
		Backoff: backoff.Policy{
			Base: cfg.LockBackoffBase,
			Max:  cfg.LockBackoffCap,
		},
	})
	v := &Vault{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "vault"),
		locks:  locks,
		clock:  clk,
		files:  make(map[string]*store.File),
	}
	if cfg.Remote != nil {
		pm, err := pool.NewManager(pool.Options{
			Dialer:              store.MinioDialer{Bucket: cfg.Remote.Bucket},
			Clock:               clk,
			Logger:              logger,
			HealthCheckInterval: cfg.HealthCheckInterval,
			ReconnectBase:       cfg.ReconnectBase,
			ReconnectCap:        cfg.ReconnectCap,
			MaxConnections:      cfg.MaxConnections,
			Observer:            cfg.Observer,
		})
		if err != nil {
			return nil, err
		}
		v.pool = pm
		v.idleStop = make(chan struct{})
		go v.idleSweep()
	}
	return v, nil
}

// LockManager exposes the vault's lock manager for callers that protect
// resources outside any store.
func (v *Vault) LockManager() *lockfile.Manager { return v.locks }

// Pool exposes the connection pool manager, nil when no remote store is
// configured.
func (v *Vault) Pool() *pool.Manager { return v.pool }

// FileStore returns the file-backed store named name, creating it on first
// use. The store persists to <Dir>/<name>.json.
func (v *Vault) FileStore(name string) (*store.File, error) {
	if name == "" {
		return nil, fmt.Errorf("statevault: empty store name")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, fmt.Errorf("statevault: vault is closed")
	}
	if s, ok := v.files[name]; ok {
		return s, nil
	}
	s, err := store.NewFile(filepath.Join(v.cfg.Dir, name+".json"), store.FileOptions{
		Locks:       v.locks,
		LockTimeout: v.cfg.LockTimeout,
		Logger:      v.logger,
	})
	if err != nil {
		return nil, err
	}
	v.files[name] = s
	return s, nil
}

// RemoteStore returns a store backed by the pooled remote connection
// <"s3_"+alias>. It fails when the vault was built without remote
// configuration.
func (v *Vault) RemoteStore(alias string) (*store.Remote, error) {
	if v.pool == nil || v.cfg.Remote == nil {
		return nil, fmt.Errorf("statevault: no remote store configured")
	}
	if alias == "" {
		return nil, fmt.Errorf("statevault: empty store alias")
	}
	prefix := alias
	if v.cfg.Remote.Prefix != "" {
		prefix = v.cfg.Remote.Prefix + "/" + alias
	}
	return store.NewRemote(store.RemoteOptions{
		Pool:   v.pool,
		Name:   "s3_" + alias,
		Conn:   v.cfg.Remote.poolConfig(v.cfg.MaxConnections),
		Bucket: v.cfg.Remote.Bucket,
		Prefix: prefix,
		Logger: v.logger,
	})
}

// Txn returns a transaction manager bound to s.
func (v *Vault) Txn(s store.Store) *txn.Manager {
	return txn.NewManager(s, v.logger)
}

// Close shuts the vault down: the idle sweep stops, pending reconnect
// timers are cancelled and every pooled connection is closed.
func (v *Vault) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	if v.idleStop != nil {
		close(v.idleStop)
	}
	v.mu.Unlock()

	if v.pool != nil {
		if err := v.pool.Shutdown(ctx); err != nil {
			return err
		}
	}
	v.logger.Info("statevault.vault.closed")
	return nil
}

// idleSweep periodically evicts pooled connections unused for longer than
// the configured idle timeout.
func (v *Vault) idleSweep() {
	interval := v.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-v.idleStop:
			return
		case <-v.clock.After(interval):
			if n := v.pool.CloseIdle(v.cfg.IdleTimeout); n > 0 {
				v.logger.Debug("statevault.vault.idle_evicted", "count", n)
			}
		}
	}
}
