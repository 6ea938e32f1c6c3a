package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process reference Store, also used as the test
// double for the Redis-backed store. Values are held JSON-serialized so the
// quota accounting and the round-trip semantics match the Redis backend.
type MemoryStore struct {
	mu    sync.Mutex
	quota int
	used  int
	data  map[string]map[string][]byte // namespace -> key -> JSON
}

// NewMemoryStore creates an in-memory store with the given quota in bytes;
// zero means DefaultQuotaBytes.
func NewMemoryStore(quota int) *MemoryStore {
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	return &MemoryStore{
		quota: quota,
		data:  make(map[string]map[string][]byte),
	}
}

// Get returns the value under namespace/key.
func (s *MemoryStore) Get(_ context.Context, namespace, key string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode state entry: %w", err)
	}
	return v, nil
}

// Merge deep-merges patch into the stored value and persists the result.
func (s *MemoryStore) Merge(_ context.Context, namespace, key string, patch Value) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := Value{}
	old, exists := s.data[namespace][key]
	if exists {
		if err := json.Unmarshal(old, &base); err != nil {
			return nil, fmt.Errorf("decode state entry: %w", err)
		}
	}

	merged := Merge(base, patch)
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode state entry: %w", err)
	}

	delta := len(raw)
	if exists {
		delta -= len(old)
	}
	if s.used+delta > s.quota {
		return nil, fmt.Errorf("%w: %d bytes over", ErrQuotaExceeded, s.used+delta-s.quota)
	}

	if s.data[namespace] == nil {
		s.data[namespace] = make(map[string][]byte)
	}
	s.data[namespace][key] = raw
	s.used += delta

	return merged, nil
}

// Delete removes the value under namespace/key.
func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.data[namespace][key]; ok {
		s.used -= len(old)
		delete(s.data[namespace], key)
	}
	return nil
}

// Keys lists the keys present in a namespace, sorted.
func (s *MemoryStore) Keys(_ context.Context, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data[namespace]))
	for k := range s.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
