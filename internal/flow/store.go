package flow

import (
	"context"
	"errors"
)

// ErrFlowNotFound is returned by stores when no record exists for an id.
var ErrFlowNotFound = errors.New("flow: not found")

// Store persists flow records for their full TTL, across all statuses.
type Store interface {
	// Create persists a new flow. The record expires at flow.ExpiresAt.
	Create(ctx context.Context, flow *Flow) error

	// Get returns the flow with the given id, or ErrFlowNotFound once the
	// record has passed its TTL.
	Get(ctx context.Context, flowID string) (*Flow, error)

	// Update rewrites an existing flow record, keeping its original expiry.
	Update(ctx context.Context, flow *Flow) error

	// Delete removes a flow record before its TTL.
	Delete(ctx context.Context, flowID string) error

	// ForPair returns all live flows for a (user, server) pair, newest
	// first.
	ForPair(ctx context.Context, userID, serverID string) ([]*Flow, error)

	// Stop terminates any background maintenance.
	Stop()
}
