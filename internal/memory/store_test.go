package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetHasDelete(t *testing.T) {
	s := NewStore()

	assert.Nil(t, s.Get("missing"))
	assert.False(t, s.Has("missing"))

	s.Set("count", 3)
	assert.Equal(t, 3, s.Get("count"))
	assert.True(t, s.Has("count"))

	s.Set("count", 4)
	assert.Equal(t, 4, s.Get("count"))

	s.Delete("count")
	assert.False(t, s.Has("count"))
	assert.Nil(t, s.Get("count"))
}

func TestStore_AppendPromotesScalar(t *testing.T) {
	s := NewStore()

	s.Append("seen", "a")
	assert.Equal(t, []any{"a"}, s.Get("seen"))

	s.Append("seen", "b")
	assert.Equal(t, []any{"a", "b"}, s.Get("seen"))

	// A scalar stored by Set becomes a list on first Append.
	s.Set("flag", true)
	s.Append("flag", "note")
	assert.Equal(t, []any{true, "note"}, s.Get("flag"))
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)

	snap := s.Snapshot()
	s.Set("b", 2)
	s.Delete("a")

	assert.Equal(t, map[string]any{"a": 1}, snap)
}

func TestStore_ConcurrentAppendLosesNothing(t *testing.T) {
	const (
		writers  = 8
		perWrite = 100
	)
	s := NewStore()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWrite; i++ {
				s.Append("events", w*perWrite+i)
				_ = s.Get("events")
				_ = s.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	list, ok := s.Get("events").([]any)
	require.True(t, ok)
	require.Len(t, list, writers*perWrite)

	seen := make(map[int]bool, len(list))
	for _, v := range list {
		seen[v.(int)] = true
	}
	assert.Len(t, seen, writers*perWrite, "every appended value survives")
}
