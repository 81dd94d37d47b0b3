// Package session owns AI-provider conversation handles for the duration of
// a run. Dependent checks either clone an upstream session (snapshot
// semantics, writes do not flow back) or append to it in place.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role labels a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session's linearized history.
type Turn struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Handle is an opaque AI conversation owned by the registry. Mutation is
// serialized; Snapshot copies the history at call time so a clone's writes
// never reach the source.
type Handle struct {
	id string

	mu      sync.Mutex
	history []Turn
}

func NewHandle(id string) *Handle {
	return &Handle{id: id}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Append(t Turn) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	h.mu.Lock()
	h.history = append(h.history, t)
	h.mu.Unlock()
}

// History returns a copy of the conversation so far.
func (h *Handle) History() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn{}, h.history...)
}

func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// Snapshot returns a new handle whose history is a copy of the source at the
// moment of the call. The source may be in use by another in-flight check;
// only the copy itself is serialized.
func (h *Handle) Snapshot(id string) *Handle {
	h.mu.Lock()
	hist := append([]Turn{}, h.history...)
	h.mu.Unlock()
	return &Handle{id: id, history: hist}
}

// CloneKey derives a human-readable registry key for the nth clone of a
// source key: "security-check" -> "security-check-v2", "-v3", ...
func CloneKey(srcKey string, n int) string {
	if n < 2 {
		n = 2
	}
	return fmt.Sprintf("%s-v%d", strings.TrimSpace(srcKey), n)
}
