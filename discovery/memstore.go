package discovery

import (
	"context"
	"sync"
)

// MemoryStore is the default RecordStore: a map guarded by its own lock so
// it stays safe even when used outside the registry. It supports the
// BulkReader capability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*AgentRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*AgentRecord)}
}

func newMemoryStore() RecordStore { return NewMemoryStore() }

func (s *MemoryStore) Put(ctx context.Context, rec *AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.AgentID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, agentID string) (*AgentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[agentID]
	delete(s.records, agentID)
	return ok, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) Scan(ctx context.Context, fn func(*AgentRecord) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if !fn(rec.Clone()) {
			return nil
		}
	}
	return nil
}

// GetAll implements the BulkReader capability.
func (s *MemoryStore) GetAll(ctx context.Context) ([]*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

var (
	_ RecordStore = (*MemoryStore)(nil)
	_ BulkReader  = (*MemoryStore)(nil)
)
