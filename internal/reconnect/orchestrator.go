package reconnect

import (
	"context"

	"tollgate/internal/catalog"
	"tollgate/internal/connection"
	"tollgate/internal/flow"
	"tollgate/internal/token"
	"tollgate/pkg/logging"
)

// Connector establishes and tears down the actual connection for a pair.
// Implemented by the connection package.
type Connector interface {
	Connect(ctx context.Context, userID, serverID string) (*connection.Connection, error)
	Disconnect(userID, serverID string)
}

// Orchestrator drives reconnection for a user's OAuth servers. Attempts
// run sequentially per user: reconnections fan out token refreshes and MCP
// handshakes, and a burst of parallel ones after a restart is exactly the
// thundering herd the cooldown exists to avoid.
type Orchestrator struct {
	tracker   *Tracker
	lock      *Lock
	connector Connector
	tokens    *token.Manager
	registry  *connection.Registry
	catalog   *catalog.Catalog
}

// NewOrchestrator wires the reconnection pipeline together.
func NewOrchestrator(tracker *Tracker, lock *Lock, connector Connector, tokens *token.Manager, registry *connection.Registry, cat *catalog.Catalog) *Orchestrator {
	return &Orchestrator{
		tracker:   tracker,
		lock:      lock,
		connector: connector,
		tokens:    tokens,
		registry:  registry,
		catalog:   cat,
	}
}

// CanReconnect reports whether an attempt for the pair makes sense right
// now: no sticky failure, no attempt already running, no healthy
// connection to replace, outside the cooldown, and a credential to
// reconnect with (a still-valid access token or a refresh token).
func (o *Orchestrator) CanReconnect(ctx context.Context, userID, serverID string) bool {
	if o.tracker.IsFailed(userID, serverID) {
		return false
	}
	if o.tracker.IsReconnecting(userID, serverID) {
		return false
	}
	if conn, ok := o.registry.Get(userID, serverID); ok && conn.State == connection.StateConnected {
		return false
	}
	if !o.lock.CanAttempt(ctx, userID, serverID) {
		return false
	}

	if _, err := o.tokens.AccessToken(ctx, userID, serverID); err == nil {
		return true
	}
	has, err := o.tokens.HasRefreshToken(ctx, userID, serverID)
	if err != nil {
		logging.Warn("Reconnect", "Failed to check refresh token for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
		return false
	}
	return has
}

// ReconnectAll tries every eligible OAuth server for the user,
// sequentially, and reports per-server outcomes. A failing server never
// stops the rest.
func (o *Orchestrator) ReconnectAll(ctx context.Context, userID string) map[string]bool {
	results := make(map[string]bool)
	for _, serverID := range o.catalog.ListOAuthServers() {
		if !o.CanReconnect(ctx, userID, serverID) {
			continue
		}
		err := o.TryReconnect(ctx, userID, serverID)
		if err != nil {
			logging.Warn("Reconnect", "Reconnect %s/%s failed: %v",
				logging.TruncateUserID(userID), serverID, err)
		}
		results[serverID] = err == nil
	}
	return results
}

// TryReconnect performs one guarded reconnection attempt for a pair.
func (o *Orchestrator) TryReconnect(ctx context.Context, userID, serverID string) error {
	holder, acquired := o.lock.Acquire(ctx, userID, serverID)
	if !acquired {
		return flow.NewError(flow.CodeLockUnavailable, "reconnect for %s/%s is locked by another instance",
			logging.TruncateUserID(userID), serverID)
	}
	defer o.lock.Release(ctx, userID, serverID, holder)

	o.tracker.SetActive(userID, serverID)
	defer o.tracker.ClearActive(userID, serverID)

	o.lock.SetStatus(ctx, userID, serverID, StatusInProgress)

	_, err := o.connector.Connect(ctx, userID, serverID)
	if err != nil {
		o.lock.SetStatus(ctx, userID, serverID, StatusFailed)
		// A failed attempt is sticky until the next successful attempt or
		// a fresh authorization, and any half-established connection is
		// torn down rather than left lingering in the registry.
		o.tracker.SetFailed(userID, serverID)
		o.connector.Disconnect(userID, serverID)
		return err
	}

	o.lock.SetStatus(ctx, userID, serverID, StatusSucceeded)
	o.tracker.ClearFailed(userID, serverID)
	logging.Info("Reconnect", "Reconnected %s/%s", logging.TruncateUserID(userID), serverID)
	return nil
}

// IsReconnecting reports whether an attempt for the pair is in progress,
// after discarding abandoned markers.
func (o *Orchestrator) IsReconnecting(userID, serverID string) bool {
	return o.tracker.IsReconnecting(userID, serverID)
}

// AuthorizationCompleted clears the pair's sticky failure marker so
// reconnection is allowed again after a fresh flow.
func (o *Orchestrator) AuthorizationCompleted(userID, serverID string) {
	o.tracker.ClearFailed(userID, serverID)
}
