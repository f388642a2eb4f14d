package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. It is the degraded
// fallback when the durable backend is unreachable, and the default for
// tests.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore creates an empty volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Save stores a copy of state under runID.
func (s *MemoryStore) Save(ctx context.Context, runID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsSafeRunID(runID) {
		return fmt.Errorf("invalid run ID %q", runID)
	}
	s.mu.Lock()
	s.states[runID] = append([]byte(nil), state...)
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored state or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, runID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	state, ok := s.states[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

// Delete removes the checkpoint for runID. Unknown ids are a no-op.
func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.states, runID)
	s.mu.Unlock()
	return nil
}

// List returns every stored run id in lexical order.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the volatile store.
func (s *MemoryStore) Close() {}
