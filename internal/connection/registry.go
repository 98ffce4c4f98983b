package connection

import (
	"sync"
	"time"

	"tollgate/pkg/logging"
)

// Registry is the in-process table of tracked connections. Connection
// handles are process-local, so the registry is always in memory even when
// flow and token state live in a shared backend.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		now:         time.Now,
	}
}

func connKey(userID, serverID string) string {
	return userID + "\x00" + serverID
}

// Register inserts or replaces the connection for a (user, server) pair.
// The registry keeps its own copy; later mutations go through the
// registry's methods, never through the caller's value. An existing
// transport handle is closed when replaced.
func (r *Registry) Register(conn Connection) {
	r.mu.Lock()
	key := connKey(conn.UserID, conn.ServerID)
	old := r.connections[key]
	r.connections[key] = &conn
	r.mu.Unlock()

	if old != nil && old.client != nil && old.client != conn.client {
		if err := old.client.Close(); err != nil {
			logging.Debug("Registry", "Error closing replaced connection for %s/%s: %v", conn.UserID, conn.ServerID, err)
		}
	}
}

// Get returns a snapshot of the connection serving a (user, server) pair.
// An app-scoped connection for the server takes precedence over a per-user
// one. Callers get a copy; the live entry is only ever mutated under the
// registry's lock.
func (r *Registry) Get(userID, serverID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if conn, ok := r.connections[connKey(ScopeApp, serverID)]; ok {
		return *conn, true
	}
	if conn, ok := r.connections[connKey(userID, serverID)]; ok {
		return *conn, true
	}
	return Connection{}, false
}

// UpdateState transitions the connection's state. Entering StateConnected
// resets the error counter.
func (r *Registry) UpdateState(userID, serverID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connKey(userID, serverID)]
	if !ok {
		return
	}

	conn.State = state
	conn.LastActivity = r.now()
	if state == StateConnected {
		conn.ErrorCount = 0
	}
}

// RecordError counts an error against the connection. Crossing the
// threshold flips it to StateDisconnected; below the threshold it is
// marked StateError and may still recover.
func (r *Registry) RecordError(userID, serverID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connKey(userID, serverID)]
	if !ok {
		return StateUnknown
	}

	conn.ErrorCount++
	conn.LastActivity = r.now()
	if conn.ErrorCount >= errorThreshold {
		conn.State = StateDisconnected
	} else {
		conn.State = StateError
	}

	logging.Debug("Registry", "Connection %s/%s error %d/%d, state=%s",
		logging.TruncateUserID(userID), serverID, conn.ErrorCount, errorThreshold, conn.State)
	return conn.State
}

// Touch records activity on a connection.
func (r *Registry) Touch(userID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[connKey(userID, serverID)]; ok {
		conn.LastActivity = r.now()
	}
}

// Remove drops a connection and closes its transport.
func (r *Registry) Remove(userID, serverID string) {
	r.mu.Lock()
	conn, ok := r.connections[connKey(userID, serverID)]
	if ok {
		delete(r.connections, connKey(userID, serverID))
	}
	r.mu.Unlock()

	if ok && conn.client != nil {
		if err := conn.client.Close(); err != nil {
			logging.Debug("Registry", "Error closing connection for %s/%s: %v", userID, serverID, err)
		}
	}
}

// ForUser returns snapshots of the user's connections, including
// app-scoped ones.
func (r *Registry) ForUser(userID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []Connection
	for _, conn := range r.connections {
		if conn.UserID == userID || conn.UserID == ScopeApp {
			conns = append(conns, *conn)
		}
	}
	return conns
}

// All returns snapshots of every tracked connection.
func (r *Registry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, *conn)
	}
	return conns
}

// Close tears down every connection, typically at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		if conn.client != nil {
			if err := conn.client.Close(); err != nil {
				logging.Debug("Registry", "Error closing connection for %s/%s: %v", conn.UserID, conn.ServerID, err)
			}
		}
	}
}
