package flow

import (
	"context"
	"sort"
	"sync"
	"time"

	"tollgate/pkg/logging"
)

// MemoryStore keeps flow records in process memory. Suitable for a single
// gateway instance; multi-replica deployments need the KV-backed store.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*Flow
	pairs map[string]map[string]struct{}

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryStore creates a memory store and starts its cleanup loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		flows:       make(map[string]*Flow),
		pairs:       make(map[string]map[string]struct{}),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	go s.cleanupLoop()
	return s
}

func pairKey(userID, serverID string) string {
	return userID + "\x00" + serverID
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *flow
	s.flows[flow.ID] = &copied

	key := pairKey(flow.UserID, flow.ServerID)
	if s.pairs[key] == nil {
		s.pairs[key] = make(map[string]struct{})
	}
	s.pairs[key][flow.ID] = struct{}{}
	return nil
}

// Get implements Store. Records past their TTL are treated as absent even
// before the cleanup loop removes them.
func (s *MemoryStore) Get(ctx context.Context, flowID string) (*Flow, error) {
	s.mu.RLock()
	flow, ok := s.flows[flowID]
	s.mu.RUnlock()

	if !ok || s.now().After(flow.ExpiresAt) {
		return nil, ErrFlowNotFound
	}

	copied := *flow
	return &copied, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flow.ID]; !ok {
		return ErrFlowNotFound
	}
	copied := *flow
	s.flows[flow.ID] = &copied
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(flowID)
	return nil
}

// remove must be called with the write lock held.
func (s *MemoryStore) remove(flowID string) {
	flow, ok := s.flows[flowID]
	if !ok {
		return
	}
	delete(s.flows, flowID)

	key := pairKey(flow.UserID, flow.ServerID)
	if ids := s.pairs[key]; ids != nil {
		delete(ids, flowID)
		if len(ids) == 0 {
			delete(s.pairs, key)
		}
	}
}

// ForPair implements Store.
func (s *MemoryStore) ForPair(ctx context.Context, userID, serverID string) ([]*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var flows []*Flow
	for id := range s.pairs[pairKey(userID, serverID)] {
		flow, ok := s.flows[id]
		if !ok || now.After(flow.ExpiresAt) {
			continue
		}
		copied := *flow
		flows = append(flows, &copied)
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})
	return flows, nil
}

// Stop implements Store.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, flow := range s.flows {
		if now.After(flow.ExpiresAt) {
			s.remove(id)
			count++
		}
	}

	if count > 0 {
		logging.Debug("FlowStore", "Cleaned up %d expired flows", count)
	}
}
