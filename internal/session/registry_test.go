package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewflow/reviewflow/internal/core"
)

func TestRegister_IdempotentAndConflict(t *testing.T) {
	r := NewRegistry()
	h := NewHandle("security")

	require.NoError(t, r.Register("security", h))
	require.NoError(t, r.Register("security", h), "re-registering the same handle is idempotent")

	err := r.Register("security", NewHandle("security"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSessionConflict))
}

func TestGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSessionNotFound))
}

func TestClone_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	src := NewHandle("security")
	src.Append(Turn{Role: RoleUser, Content: "review the diff"})
	src.Append(Turn{Role: RoleAssistant, Content: "two findings"})
	require.NoError(t, r.Register("security", src))

	clone, key, err := r.Clone("security", "")
	require.NoError(t, err)
	assert.Equal(t, "security-v2", key)
	require.Equal(t, 2, clone.Len())

	// Writes on the clone never reach the source, and vice versa.
	clone.Append(Turn{Role: RoleUser, Content: "focus on auth"})
	src.Append(Turn{Role: RoleUser, Content: "unrelated"})
	assert.Equal(t, 3, clone.Len())
	assert.Equal(t, 3, src.Len())
	assert.Equal(t, "focus on auth", clone.History()[2].Content)
	assert.Equal(t, "unrelated", src.History()[2].Content)

	// Monotonic suffixes for subsequent clones.
	_, key2, err := r.Clone("security", "")
	require.NoError(t, err)
	assert.Equal(t, "security-v3", key2)
}

func TestClone_ConcurrentWithSourceUse(t *testing.T) {
	r := NewRegistry()
	src := NewHandle("base")
	require.NoError(t, r.Register("base", src))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			src.Append(Turn{Role: RoleUser, Content: fmt.Sprintf("turn %d", i)})
		}(i)
		go func() {
			defer wg.Done()
			_, _, err := r.Clone("base", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, src.Len())
	assert.Len(t, r.Keys(), 9)
}

func TestUnregister_BestEffort(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", NewHandle("a")))
	r.Unregister("a")
	r.Unregister("a") // idempotent
	assert.False(t, r.Has("a"))
}
