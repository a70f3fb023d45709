package resultdb

import (
	"context"
	"sort"
	"sync"

	"github.com/mustergrid/muster/pkg/protocol"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

type recordKey struct {
	requestID string
	engineID  protocol.EngineID
}

// MemoryStore keeps records in process memory. It is the default backend
// and the one the demo command uses.
type MemoryStore struct {
	mu      sync.RWMutex
	byKey   map[recordKey]Record
	ordered []recordKey // arrival order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[recordKey]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	key := recordKey{rec.RequestID, rec.EngineID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; !exists {
		s.ordered = append(s.ordered, key)
	}
	s.byKey[key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string, engineID protocol.EngineID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[recordKey{requestID, engineID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ByRequest(_ context.Context, requestID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for key, rec := range s.byKey {
		if key.requestID == requestID {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineID < out[j].EngineID })
	return out, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.ordered) {
		limit = len(s.ordered)
	}
	out := make([]Record, 0, limit)
	for i := len(s.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byKey[s.ordered[i]])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
