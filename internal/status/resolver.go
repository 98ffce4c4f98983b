// Package status computes the externally visible state of each (user,
// server) pair by layering authorization progress over raw connection
// state.
package status

import (
	"context"
	"time"

	"tollgate/internal/catalog"
	"tollgate/internal/connection"
	"tollgate/internal/flow"
	"tollgate/pkg/logging"
)

// FlowSource lists the live flows for a pair. Implemented by the flow
// manager.
type FlowSource interface {
	ForPair(ctx context.Context, userID, serverID string) ([]*flow.Flow, error)
}

// ReconnectProbe reports whether a reconnection attempt is in progress.
// Implemented by the reconnection orchestrator.
type ReconnectProbe interface {
	IsReconnecting(userID, serverID string) bool
}

// Resolver merges connection, reconnection, and flow state into one
// answer. Overlay rules only ever upgrade a DISCONNECTED base: a live
// connection state is already the truth and is never overridden.
type Resolver struct {
	registry   *connection.Registry
	catalog    *catalog.Catalog
	flows      FlowSource
	reconnects ReconnectProbe

	idleTimeout time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(registry *connection.Registry, cat *catalog.Catalog, flows FlowSource, reconnects ReconnectProbe, idleTimeout time.Duration) *Resolver {
	return &Resolver{
		registry:    registry,
		catalog:     cat,
		flows:       flows,
		reconnects:  reconnects,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Resolve returns the effective state for a (user, server) pair.
func (r *Resolver) Resolve(ctx context.Context, userID, serverID string) connection.State {
	server, err := r.catalog.Get(serverID)
	if err != nil {
		return connection.StateUnknown
	}

	base := connection.StateDisconnected
	if conn, ok := r.registry.Get(userID, serverID); ok {
		if conn.Stale(r.idleTimeout, server.UpdatedAt, r.now()) {
			// A stale connection is as good as gone.
			base = connection.StateDisconnected
		} else {
			base = conn.State
		}
	}

	// Overlays only apply to OAuth servers, and only when nothing better
	// is known.
	if !server.RequiresOAuth || base != connection.StateDisconnected {
		return base
	}

	if r.reconnects.IsReconnecting(userID, serverID) {
		return connection.StateConnecting
	}

	flows, err := r.flows.ForPair(ctx, userID, serverID)
	if err != nil {
		logging.Warn("Status", "Failed to list flows for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
		return base
	}

	// Only the most recent flow speaks for the pair; older ones were
	// superseded or abandoned and say nothing about the current attempt.
	if len(flows) > 0 {
		f := flows[0]
		switch f.Status {
		case flow.StatusPending:
			if r.now().Before(f.ExpiresAt) {
				return connection.StateConnecting
			}
		case flow.StatusFailed:
			// Cancellations and superseded flows are user actions, not
			// failures worth surfacing.
			if f.FailureReason != flow.ReasonCanceled && f.FailureReason != flow.ReasonSuperseded {
				return connection.StateError
			}
		}
	}

	return base
}

// ResolveAll returns the effective state of every catalog server for a
// user.
func (r *Resolver) ResolveAll(ctx context.Context, userID string) map[string]connection.State {
	states := make(map[string]connection.State)
	for _, conn := range r.registry.ForUser(userID) {
		states[conn.ServerID] = r.Resolve(ctx, userID, conn.ServerID)
	}
	for _, serverID := range r.catalog.ListOAuthServers() {
		if _, ok := states[serverID]; !ok {
			states[serverID] = r.Resolve(ctx, userID, serverID)
		}
	}
	return states
}
