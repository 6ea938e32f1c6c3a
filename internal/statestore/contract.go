package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract exercises the Store contract against any backend. Both
// the memory and Redis stores must pass it unchanged.
func RunStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "ns", "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MergeAndGet", func(t *testing.T) {
		_, err := s.Merge(ctx, "ns", "layout", Value{"width": float64(800)})
		require.NoError(t, err)

		got, err := s.Get(ctx, "ns", "layout")
		require.NoError(t, err)
		assert.Equal(t, float64(800), got["width"])
	})

	t.Run("MergeIsDeep", func(t *testing.T) {
		_, err := s.Merge(ctx, "ns", "prefs", Value{
			"panes": map[string]any{"left": true, "right": true},
		})
		require.NoError(t, err)

		_, err = s.Merge(ctx, "ns", "prefs", Value{
			"panes": map[string]any{"right": false},
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "ns", "prefs")
		require.NoError(t, err)
		panes := got["panes"].(map[string]any)
		assert.Equal(t, true, panes["left"], "untouched sibling lost in merge")
		assert.Equal(t, false, panes["right"])
	})

	t.Run("UnsetIsNotEmpty", func(t *testing.T) {
		// First write: a genuinely empty-but-present value.
		_, err := s.Merge(ctx, "ns", "tagged", Value{"slot": map[string]any{}})
		require.NoError(t, err)

		got, err := s.Get(ctx, "ns", "tagged")
		require.NoError(t, err)
		empty, present := got["slot"]
		require.True(t, present, "empty-but-present value must survive the round trip")
		assert.Equal(t, map[string]any{}, empty)

		// Second write: explicit unset. The key must read back as missing,
		// never as another empty placeholder.
		_, err = s.Merge(ctx, "ns", "tagged", Value{"slot": Unset()})
		require.NoError(t, err)

		got, err = s.Get(ctx, "ns", "tagged")
		require.NoError(t, err)
		_, present = got["slot"]
		assert.False(t, present, "unset value must be absent, not an empty placeholder")
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_, err := s.Merge(ctx, "window-a", "doc", Value{"owner": "a"})
		require.NoError(t, err)
		_, err = s.Merge(ctx, "window-b", "doc", Value{"owner": "b"})
		require.NoError(t, err)

		a, err := s.Get(ctx, "window-a", "doc")
		require.NoError(t, err)
		b, err := s.Get(ctx, "window-b", "doc")
		require.NoError(t, err)
		assert.Equal(t, "a", a["owner"])
		assert.Equal(t, "b", b["owner"])

		keys, err := s.Keys(ctx, "window-a")
		require.NoError(t, err)
		assert.Equal(t, []string{"doc"}, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		_, err := s.Merge(ctx, "ns", "gone", Value{"x": float64(1)})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "ns", "gone"))

		_, err = s.Get(ctx, "ns", "gone")
		require.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing key is not an error.
		require.NoError(t, s.Delete(ctx, "ns", "gone"))
	})
}
