package session

import (
	"fmt"
	"sync"

	"github.com/reviewflow/reviewflow/internal/core"
)

// Registry maps human-readable keys (derived from checkIds) to session
// handles. Register, Clone, and Unregister are atomic; handles are destroyed
// at run end or on explicit unregister.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Handle
	clones   map[string]int // srcKey -> clones issued, for monotonic suffixes
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Handle{},
		clones:   map[string]int{},
	}
}

// Register binds key to handle. Registering the same handle twice is a no-op;
// a different handle under an existing key is a conflict.
func (r *Registry) Register(key string, h *Handle) error {
	if h == nil {
		return fmt.Errorf("register %q: nil handle", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[key]; ok {
		if existing == h {
			return nil
		}
		return fmt.Errorf("register %q: %w", key, core.ErrSessionConflict)
	}
	r.sessions[key] = h
	return nil
}

func (r *Registry) Get(key string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, core.ErrSessionNotFound)
	}
	return h, nil
}

func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[key]
	return ok
}

// Clone snapshots srcKey's session under a fresh monotonic key and registers
// it. The snapshot is taken under the source's lock, so cloning while the
// source is mid-use is safe; subsequent use of either side is independent.
func (r *Registry) Clone(srcKey, label string) (*Handle, string, error) {
	r.mu.Lock()
	src, ok := r.sessions[srcKey]
	if !ok {
		r.mu.Unlock()
		return nil, "", fmt.Errorf("clone %q: %w", srcKey, core.ErrSessionNotFound)
	}
	r.clones[srcKey]++
	dstKey := CloneKey(srcKey, r.clones[srcKey]+1)
	if label != "" {
		dstKey = dstKey + "-" + label
	}
	r.mu.Unlock()

	// Snapshot outside the registry lock; the handle serializes its own copy.
	clone := src.Snapshot(dstKey)

	r.mu.Lock()
	r.sessions[dstKey] = clone
	r.mu.Unlock()
	return clone, dstKey, nil
}

// Unregister removes the session if present. Best effort: it never fails the
// run, and unregistering a missing key is a no-op.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// Keys returns the registered session keys (unordered).
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		out = append(out, k)
	}
	return out
}

// Reset drops all sessions. Used at run teardown and by tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.sessions = map[string]*Handle{}
	r.clones = map[string]int{}
	r.mu.Unlock()
}
