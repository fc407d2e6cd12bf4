package pool

import "time"

// State describes where a managed connection is in its lifecycle:
// absent -> created -> healthy <-> unhealthy -> closed.
type State int

const (
	// StateCreated fires once when a named connection is first tracked,
	// whether or not its initial dial succeeds.
	StateCreated State = iota
	// StateHealthy fires whenever a health check or reconnect succeeds.
	StateHealthy
	// StateUnhealthy fires whenever a health check or dial fails.
	StateUnhealthy
	// StateClosed fires when a connection is torn down.
	StateClosed
)

// String returns the lowercase state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition of a named connection. Events are
// delivered synchronously from Manager goroutines; observers must not call
// back into the Manager.
type Event struct {
	Name  string
	State State
	Err   error
	At    time.Time
}
