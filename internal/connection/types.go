// Package connection tracks live connections to remote MCP servers and
// establishes new ones over streamable HTTP.
package connection

import (
	"time"
)

// State is the observed state of a connection to a remote server.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateError        State = "ERROR"
	StatePendingOAuth State = "PENDING_OAUTH"
	StateUnknown      State = "UNKNOWN"
)

// errorThreshold is the number of consecutive errors after which a
// connection is considered gone rather than flaky.
const errorThreshold = 3

// ScopeApp is the pseudo user id for app-scoped connections shared by all
// users of a server. Lookups consult it before the per-user entry.
const ScopeApp = "@app"

// Closer is the transport handle kept with a live connection.
type Closer interface {
	Close() error
}

// Connection is one tracked link between a user (or the app) and a remote
// server.
type Connection struct {
	UserID   string
	ServerID string
	State    State

	// ErrorCount is consecutive errors since the last successful
	// transition to StateConnected.
	ErrorCount int

	CreatedAt    time.Time
	LastActivity time.Time

	client Closer
}

// Client returns the transport handle, nil when not connected.
func (c *Connection) Client() Closer {
	return c.client
}

// Stale reports whether the connection should be torn down and
// re-established: it is idle past the timeout, or the server's
// configuration changed after the connection was created. The state does
// not matter; an entry wedged mid-connect past the idle timeout is as
// dead as an idle established one.
func (c *Connection) Stale(idleTimeout time.Duration, configUpdatedAt, now time.Time) bool {
	if !c.LastActivity.IsZero() && now.Sub(c.LastActivity) > idleTimeout {
		return true
	}
	return configUpdatedAt.After(c.CreatedAt)
}
