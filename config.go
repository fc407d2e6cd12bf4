package statevault

import (
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/statevault/statevault/pool"
)

const (
	// DefaultLockTimeout bounds lock acquisition and doubles as the
	// stale-lock threshold.
	DefaultLockTimeout = 30 * time.Second
	// DefaultLockBackoffBase is the first retry delay while waiting on a
	// contended lock.
	DefaultLockBackoffBase = 50 * time.Millisecond
	// DefaultLockBackoffCap bounds the exponential lock retry delay.
	DefaultLockBackoffCap = 2 * time.Second
	// DefaultHealthCheckInterval is the period between background health
	// sweeps over pooled connections.
	DefaultHealthCheckInterval = 30 * time.Second
	// DefaultReconnectBase is the first reconnect delay after a failed
	// health check.
	DefaultReconnectBase = 5 * time.Second
	// DefaultReconnectCap bounds the doubling reconnect delay.
	DefaultReconnectCap = 60 * time.Second
	// DefaultIdleTimeout is how long a pooled connection may sit unused
	// before idle eviction closes it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultMaxConnections caps the number of named pooled connections.
	DefaultMaxConnections = 16
	// DefaultRemoteTimeoutMs bounds individual remote store operations.
	DefaultRemoteTimeoutMs = 10000
)

// Config configures a Vault. The zero value plus Dir is usable; Validate
// fills defaults.
type Config struct {
	// Dir is the directory holding file-backed stores and their locks.
	Dir string

	LockTimeout     time.Duration
	LockBackoffBase time.Duration
	LockBackoffCap  time.Duration

	HealthCheckInterval time.Duration
	ReconnectBase       time.Duration
	ReconnectCap        time.Duration
	IdleTimeout         time.Duration
	MaxConnections      int

	// Remote, when set, enables pool-backed remote stores.
	Remote *RemoteConfig

	// Logger receives structured events from every component; nil
	// disables logging.
	Logger pslog.Logger

	// Observer receives pool lifecycle events.
	Observer func(pool.Event)
}

// RemoteConfig locates the remote object store backing remote stores.
type RemoteConfig struct {
	Host      string
	Port      int
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Prefix    string
	TimeoutMs int
}

// Validate fills unset fields with defaults and rejects impossible values.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("statevault: config requires Dir")
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("statevault: negative LockTimeout %s", c.LockTimeout)
	}
	if c.LockBackoffBase <= 0 {
		c.LockBackoffBase = DefaultLockBackoffBase
	}
	if c.LockBackoffCap <= 0 {
		c.LockBackoffCap = DefaultLockBackoffCap
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.Remote != nil {
		if c.Remote.Host == "" {
			return fmt.Errorf("statevault: remote config requires Host")
		}
		if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
			return fmt.Errorf("statevault: remote port %d out of range", c.Remote.Port)
		}
		if c.Remote.Bucket == "" {
			return fmt.Errorf("statevault: remote config requires Bucket")
		}
		if c.Remote.TimeoutMs <= 0 {
			c.Remote.TimeoutMs = DefaultRemoteTimeoutMs
		}
	}
	return nil
}

// poolConfig translates the remote settings into a pool connection config.
func (c *RemoteConfig) poolConfig(maxConnections int) pool.Config {
	return pool.Config{
		Host:           c.Host,
		Port:           c.Port,
		TimeoutMs:      c.TimeoutMs,
		MaxConnections: maxConnections,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		Secure:         c.Secure,
	}
}
