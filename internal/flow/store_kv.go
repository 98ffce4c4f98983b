package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"tollgate/internal/kv"
	"tollgate/pkg/logging"
)

const (
	flowKeyPrefix = "flow:"
	pairKeyPrefix = "flowidx:"
)

// KVStore persists flows in a shared key-value backend so multiple gateway
// replicas observe the same flow state. Record expiry rides on the
// backend's native TTL; the pair index is a set keyed by (user, server)
// whose TTL is refreshed to the newest member's.
type KVStore struct {
	store kv.Store

	// now is replaceable in tests.
	now func() time.Time
}

// NewKVStore creates a flow store on top of a kv backend.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{store: store, now: time.Now}
}

func flowKey(flowID string) string {
	return flowKeyPrefix + flowID
}

func indexKey(userID, serverID string) string {
	return pairKeyPrefix + userID + ":" + serverID
}

// Create implements Store.
func (s *KVStore) Create(ctx context.Context, flow *Flow) error {
	ttl := flow.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("flow %s already expired", flow.ID)
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}

	if err := s.store.Set(ctx, flowKey(flow.ID), data, ttl); err != nil {
		return fmt.Errorf("failed to store flow: %w", err)
	}

	// The index may outlive individual members; stale ids are skipped on
	// read.
	if err := s.store.SAdd(ctx, indexKey(flow.UserID, flow.ServerID), flow.ID, ttl); err != nil {
		return fmt.Errorf("failed to index flow: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, flowID string) (*Flow, error) {
	data, err := s.store.Get(ctx, flowKey(flowID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}

	var flow Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to decode flow %s: %w", flowID, err)
	}
	return &flow, nil
}

// Update implements Store, preserving the record's remaining TTL.
func (s *KVStore) Update(ctx context.Context, flow *Flow) error {
	ttl := flow.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrFlowNotFound
	}

	exists, err := s.store.Exists(ctx, flowKey(flow.ID))
	if err != nil {
		return fmt.Errorf("failed to check flow: %w", err)
	}
	if !exists {
		return ErrFlowNotFound
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}
	if err := s.store.Set(ctx, flowKey(flow.ID), data, ttl); err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *KVStore) Delete(ctx context.Context, flowID string) error {
	flow, err := s.Get(ctx, flowID)
	if errors.Is(err, ErrFlowNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.store.SRem(ctx, indexKey(flow.UserID, flow.ServerID), flowID); err != nil {
		logging.Warn("FlowStore", "Failed to unindex flow %s: %v", flowID, err)
	}
	return s.store.Delete(ctx, flowKey(flowID))
}

// ForPair implements Store.
func (s *KVStore) ForPair(ctx context.Context, userID, serverID string) ([]*Flow, error) {
	ids, err := s.store.SMembers(ctx, indexKey(userID, serverID))
	if err != nil {
		return nil, fmt.Errorf("failed to read flow index: %w", err)
	}

	var flows []*Flow
	for _, id := range ids {
		flow, err := s.Get(ctx, id)
		if errors.Is(err, ErrFlowNotFound) {
			// Member expired under the index; drop it lazily.
			if err := s.store.SRem(ctx, indexKey(userID, serverID), id); err != nil {
				logging.Debug("FlowStore", "Failed to prune index member %s: %v", id, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})
	return flows, nil
}

// Stop implements Store. The kv backend owns its own lifecycle.
func (s *KVStore) Stop() {}
