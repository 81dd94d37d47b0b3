// Package memory provides the per-run key/value store exposed to checks and
// expressions. Values are JSON-serializable; the store lives for exactly one
// run.
package memory

import "sync"

// Store is a concurrency-safe run-scoped key/value store. Append is atomic:
// concurrent appenders never lose entries.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewStore() *Store {
	return &Store{values: map[string]any{}}
}

// Get returns the stored value, or nil when absent.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Has reports whether key exists.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Append appends value to the list stored at key. A scalar already stored at
// key is promoted to a single-element list first.
func (s *Store) Append(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch existing := s.values[key].(type) {
	case nil:
		s.values[key] = []any{value}
	case []any:
		s.values[key] = append(existing, value)
	default:
		s.values[key] = []any{existing, value}
	}
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Snapshot returns a shallow copy of the current values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
