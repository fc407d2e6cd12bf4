// Package pool owns long-lived handles to a remote store, tracks per-handle
// health, reconnects with capped exponential backoff, and evicts idle
// handles. Callers only ever borrow a handle for the duration of one
// operation; the Manager keeps exclusive ownership of the lifecycle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/statevault/statevault/internal/clock"
	"github.com/statevault/statevault/internal/loggingutil"
)

// Sentinel errors surfaced by the Manager.
var (
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("pool: manager is shut down")
	// ErrUnhealthy is returned when a connection cannot be established or
	// an explicitly requested health check fails.
	ErrUnhealthy = errors.New("pool: connection unhealthy")
	// ErrUnknownConnection is returned for names the pool does not track.
	ErrUnknownConnection = errors.New("pool: unknown connection")
	// ErrExhausted is returned when creating another named connection
	// would exceed the configured maximum.
	ErrExhausted = errors.New("pool: connection limit reached")
)

// Config describes how to reach one named remote store.
type Config struct {
	Host           string
	Port           int
	TimeoutMs      int
	MaxConnections int

	// Remote store credentials, used by dialers that need them.
	AccessKey string
	SecretKey string
	Secure    bool
}

// Addr joins host and port into a dialable address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Timeout returns the per-operation timeout, defaulting to 10s.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Conn is a pooled handle. Ping must be cheap enough to run on the health
// check interval.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Dialer creates handles for the Manager.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, cfg Config) (Conn, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context, cfg Config) (Conn, error) { return f(ctx, cfg) }

// Options configures a Manager. Zero values select production defaults.
type Options struct {
	Dialer Dialer
	Clock  clock.Clock
	Logger pslog.Logger
	// HealthCheckInterval is the period between background health sweeps.
	// Zero selects the default; negative disables the sweep entirely.
	HealthCheckInterval time.Duration
	// ReconnectBase is the first reconnect delay after a failed check.
	ReconnectBase time.Duration
	// ReconnectCap bounds the doubling reconnect delay.
	ReconnectCap time.Duration
	// MaxConnections caps tracked names when a Config does not set its own.
	MaxConnections int
	// Observer receives one Event per lifecycle transition.
	Observer func(Event)
}

type connection struct {
	name   string
	cfg    Config
	handle Conn

	createdAt   time.Time
	lastUsed    time.Time
	lastChecked time.Time
	healthy     bool

	// nextDelay is the reconnect delay to use for the next attempt.
	nextDelay        time.Duration
	reconnectPending bool
	reconnectCancel  chan struct{}

	dialMu sync.Mutex
}

// Manager owns every pooled connection. Construct with New and tear down
// with Shutdown; there is no global instance.
type Manager struct {
	opts    Options
	logger  pslog.Logger
	clock   clock.Clock
	metrics *poolMetrics

	mu    sync.Mutex
	conns map[string]*connection
	down  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager and starts its background health sweep.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("pool: dialer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 5 * time.Second
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = 60 * time.Second
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 16
	}
	m := &Manager{
		opts:   opts,
		logger: loggingutil.WithSubsystem(opts.Logger, "pool"),
		clock:  opts.Clock,
		conns:  make(map[string]*connection),
		stop:   make(chan struct{}),
	}
	m.metrics = newPoolMetrics(m.logger, m)
	if opts.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}
	return m, nil
}

// Len reports how many named connections the pool currently tracks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Get returns a healthy handle for name, dialing on first use or when the
// tracked connection is unhealthy. The returned handle stays owned by the
// Manager; callers must not Close it.
func (m *Manager) Get(ctx context.Context, name string, cfg Config) (Conn, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	c := m.conns[name]
	if c != nil && c.healthy && c.handle != nil {
		c.lastUsed = m.clock.Now()
		handle := c.handle
		m.mu.Unlock()
		return handle, nil
	}
	isNew := false
	if c == nil {
		limit := cfg.MaxConnections
		if limit <= 0 {
			limit = m.opts.MaxConnections
		}
		if len(m.conns) >= limit {
			m.mu.Unlock()
			return nil, fmt.Errorf("pool: %d connections tracked: %w", limit, ErrExhausted)
		}
		c = &connection{name: name, cfg: cfg, createdAt: m.clock.Now()}
		m.conns[name] = c
		isNew = true
	}
	m.mu.Unlock()

	// Created is a tracking transition, not a dial outcome: observers see
	// it exactly once per name even when the first dial fails.
	if isNew {
		m.emit(Event{Name: name, State: StateCreated, At: c.createdAt})
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	// Another caller may have repaired the connection while we waited.
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if c.healthy && c.handle != nil {
		c.lastUsed = m.clock.Now()
		handle := c.handle
		m.mu.Unlock()
		return handle, nil
	}
	old := c.handle
	c.handle = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	handle, err := m.dial(ctx, cfg)

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		return nil, ErrShutdown
	}
	now := m.clock.Now()
	c.lastUsed = now
	c.lastChecked = now
	if err != nil {
		c.healthy = false
		m.scheduleReconnectLocked(c)
		m.mu.Unlock()
		m.emit(Event{Name: name, State: StateUnhealthy, Err: err, At: now})
		return nil, fmt.Errorf("pool: get %s: %v: %w", name, err, ErrUnhealthy)
	}
	c.handle = handle
	c.healthy = true
	c.nextDelay = 0
	m.cancelReconnectLocked(c)
	m.mu.Unlock()

	m.emit(Event{Name: name, State: StateHealthy, At: now})
	return handle, nil
}

// CheckHealth pings the named connection synchronously, updating its state.
// A failed check schedules reconnection and returns the failure wrapped in
// ErrUnhealthy.
func (m *Manager) CheckHealth(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	c := m.conns[name]
	if c == nil {
		m.mu.Unlock()
		return false, fmt.Errorf("pool: %s: %w", name, ErrUnknownConnection)
	}
	handle := c.handle
	m.mu.Unlock()
	if handle == nil {
		return false, fmt.Errorf("pool: %s has no live handle: %w", name, ErrUnhealthy)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	err := handle.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	now := m.clock.Now()
	c.lastChecked = now
	if err != nil {
		c.healthy = false
		m.scheduleReconnectLocked(c)
		m.mu.Unlock()
		m.emit(Event{Name: name, State: StateUnhealthy, Err: err, At: now})
		return false, fmt.Errorf("pool: health check %s: %v: %w", name, err, ErrUnhealthy)
	}
	wasUnhealthy := !c.healthy
	c.healthy = true
	m.mu.Unlock()
	if wasUnhealthy {
		m.emit(Event{Name: name, State: StateHealthy, At: now})
	}
	return true, nil
}

// CloseIdle closes connections unused for longer than maxIdle, regardless
// of health, and reports how many were closed.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	now := m.clock.Now()
	var victims []*connection
	for name, c := range m.conns {
		if now.Sub(c.lastUsed) > maxIdle {
			m.cancelReconnectLocked(c)
			delete(m.conns, name)
			victims = append(victims, c)
		}
	}
	m.mu.Unlock()

	for _, c := range victims {
		if c.handle != nil {
			_ = c.handle.Close()
		}
		m.logger.Debug("statevault.pool.idle_closed", "connection", c.name)
		m.emit(Event{Name: c.name, State: StateClosed, At: now})
	}
	return len(victims)
}

// Shutdown cancels all pending reconnect timers, then closes every
// connection. It waits for background goroutines until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil
	}
	m.down = true
	close(m.stop)
	victims := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		victims = append(victims, c)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	now := m.clock.Now()
	for _, c := range victims {
		if c.handle != nil {
			_ = c.handle.Close()
		}
		m.emit(Event{Name: c.name, State: StateClosed, At: now})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("statevault.pool.shutdown_complete", "connections", len(victims))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) dial(ctx context.Context, cfg Config) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	handle, err := m.opts.Dialer.Dial(dialCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := handle.Ping(dialCtx); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return handle, nil
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.clock.After(m.opts.HealthCheckInterval):
			m.sweep()
		}
	}
}

// sweep pings every healthy connection once.
func (m *Manager) sweep() {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name, c := range m.conns {
		if c.healthy && c.handle != nil {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	for _, name := range names {
		_, _ = m.CheckHealth(context.Background(), name)
	}
}

// scheduleReconnectLocked arms a reconnect timer for c. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked(c *connection) {
	if m.down || c.reconnectPending {
		return
	}
	if c.nextDelay <= 0 {
		c.nextDelay = m.opts.ReconnectBase
	}
	delay := c.nextDelay
	cancel := make(chan struct{})
	c.reconnectPending = true
	c.reconnectCancel = cancel
	m.wg.Add(1)
	m.logger.Warn("statevault.pool.reconnect_scheduled",
		"connection", c.name, "delay", delay)
	go m.reconnectAfter(c, delay, cancel)
}

// cancelReconnectLocked stops a pending reconnect timer. Callers hold m.mu.
func (m *Manager) cancelReconnectLocked(c *connection) {
	if c.reconnectPending && c.reconnectCancel != nil {
		close(c.reconnectCancel)
		c.reconnectCancel = nil
		c.reconnectPending = false
	}
}

func (m *Manager) reconnectAfter(c *connection, delay time.Duration, cancel chan struct{}) {
	defer m.wg.Done()
	select {
	case <-m.stop:
		return
	case <-cancel:
		return
	case <-m.clock.After(delay):
	}

	// Serialize with Get's repair path so only one of them dials; without
	// the dial lock both would dial and the losing handle would leak.
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return
	}
	c.reconnectPending = false
	c.reconnectCancel = nil
	if c.healthy && c.handle != nil {
		// A caller's Get repaired the connection while the timer was
		// pending; its handle is live and borrowed, leave it alone.
		m.mu.Unlock()
		return
	}
	cfg := c.cfg
	old := c.handle
	c.handle = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	handle, err := m.dial(context.Background(), cfg)

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		return
	}
	now := m.clock.Now()
	c.lastChecked = now
	if err != nil {
		next := c.nextDelay * 2
		if next > m.opts.ReconnectCap {
			next = m.opts.ReconnectCap
		}
		c.nextDelay = next
		m.scheduleReconnectLocked(c)
		m.mu.Unlock()
		m.logger.Warn("statevault.pool.reconnect_failed",
			"connection", c.name, "next_delay", next, "error", err)
		m.emit(Event{Name: c.name, State: StateUnhealthy, Err: err, At: now})
		return
	}
	c.handle = handle
	c.healthy = true
	c.nextDelay = 0
	m.mu.Unlock()
	m.logger.Info("statevault.pool.reconnected", "connection", c.name)
	m.emit(Event{Name: c.name, State: StateHealthy, At: now})
}

func (m *Manager) emit(ev Event) {
	m.metrics.recordTransition(ev.Name, ev.State)
	if m.opts.Observer != nil {
		m.opts.Observer(ev)
	}
}
