// Package reconnect restores connections to OAuth servers after restarts
// and transient failures, with per-pair mutual exclusion across replicas.
package reconnect

import (
	"sync"
	"time"

	"tollgate/pkg/logging"
)

// Tracker records per-pair reconnection state in process memory. Two kinds
// of markers coexist: sticky failure markers that only new authorization
// clears, and time-boxed active markers bounding how long an attempt may
// count as "in progress".
type Tracker struct {
	mu     sync.Mutex
	failed map[string]time.Time
	active map[string]time.Time

	window time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewTracker creates a tracker. window bounds how long an active marker is
// honored before it is considered abandoned.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		failed: make(map[string]time.Time),
		active: make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func markerKey(userID, serverID string) string {
	return userID + "\x00" + serverID
}

// SetFailed places a sticky failure marker for the pair. It stays until
// ClearFailed, regardless of time.
func (t *Tracker) SetFailed(userID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[markerKey(userID, serverID)] = t.now()
}

// IsFailed reports whether a sticky failure marker exists.
func (t *Tracker) IsFailed(userID, serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.failed[markerKey(userID, serverID)]
	return ok
}

// ClearFailed removes the sticky failure marker, typically after a fresh
// authorization completes.
func (t *Tracker) ClearFailed(userID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, markerKey(userID, serverID))
}

// SetActive marks an attempt in progress for the pair.
func (t *Tracker) SetActive(userID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[markerKey(userID, serverID)] = t.now()
}

// ClearActive removes the active marker.
func (t *Tracker) ClearActive(userID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, markerKey(userID, serverID))
}

// IsActive reports whether an active marker exists, regardless of its age.
// A timed-out marker stays active until CleanupIfTimedOut removes it.
func (t *Tracker) IsActive(userID, serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[markerKey(userID, serverID)]
	return ok
}

// CleanupIfTimedOut drops an active marker older than the window and
// reports whether it did.
func (t *Tracker) CleanupIfTimedOut(userID, serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := markerKey(userID, serverID)
	started, ok := t.active[key]
	if !ok {
		return false
	}
	if t.now().Sub(started) > t.window {
		delete(t.active, key)
		logging.Debug("Reconnect", "Dropped timed-out reconnection marker for %s/%s",
			logging.TruncateUserID(userID), serverID)
		return true
	}
	return false
}

// IsReconnecting reports whether an attempt is genuinely in progress:
// abandoned markers are cleaned up first so a crashed attempt cannot block
// the pair forever.
func (t *Tracker) IsReconnecting(userID, serverID string) bool {
	t.CleanupIfTimedOut(userID, serverID)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[markerKey(userID, serverID)]
	return ok
}
