// Tests for the durable and in-memory range indices.
package store

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/emen/pkg/types"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(types.Config{Backend: types.BackendSQLite}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

// indexVariants returns a constructor per implementation so every case
// runs against both.
func indexVariants(t *testing.T) map[string]func(name string, kind types.KeyKind) RangeIndex {
	env := openTestEnv(t)
	return map[string]func(string, types.KeyKind) RangeIndex{
		"durable": func(name string, kind types.KeyKind) RangeIndex {
			ix, err := OpenIndex(env, name, kind)
			require.NoError(t, err)
			return ix
		},
		"memory": func(name string, kind types.KeyKind) RangeIndex {
			return NewMemIndex(name, kind)
		},
	}
}

func TestRangeIndex_AddRemoveTest(t *testing.T) {
	for variant, open := range indexVariants(t) {
		t.Run(variant, func(t *testing.T) {
			ix := open("temperature", types.KeyFloat)

			require.NoError(t, ix.AddRef(20.5, 1))
			require.NoError(t, ix.AddRef(20.5, 2))
			require.NoError(t, ix.AddRef(30.0, 3))

			ok, err := ix.TestRef(20.5, 2)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = ix.TestRef(30.0, 1)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, ix.RemoveRef(20.5, 1))
			bm, err := ix.Get(20.5)
			require.NoError(t, err)
			assert.Equal(t, []uint64{2}, bm.ToArray())

			// Removing the last id drops the key.
			require.NoError(t, ix.RemoveRef(20.5, 2))
			keys, err := ix.KeysInRange(nil, nil)
			require.NoError(t, err)
			assert.Equal(t, []any{30.0}, keys)

			// Removing an absent id is a no-op.
			require.NoError(t, ix.RemoveRef(99.0, 7))
		})
	}
}

func TestRangeIndex_Ranges(t *testing.T) {
	for variant, open := range indexVariants(t) {
		t.Run(variant, func(t *testing.T) {
			ix := open("count", types.KeyInt)
			for i := uint64(1); i <= 10; i++ {
				require.NoError(t, ix.AddRef(int64(i*10), i))
			}

			keys, err := ix.KeysInRange(int64(30), int64(50))
			require.NoError(t, err)
			assert.Equal(t, []any{int64(30), int64(40), int64(50)}, keys)

			ids, err := ix.ValuesInRange(nil, int64(25))
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 2}, ids.ToArray())

			ids, err = ix.ValuesInRange(int64(95), nil)
			require.NoError(t, err)
			assert.Equal(t, []uint64{10}, ids.ToArray())

			// Fractional bounds on an integer index compare numerically.
			keys, err = ix.KeysInRange(44.5, 60.1)
			require.NoError(t, err)
			assert.Equal(t, []any{int64(50), int64(60)}, keys)

			items, err := ix.ItemsInRange(int64(10), int64(20))
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, int64(10), items[0].Key)
			assert.Equal(t, []uint64{1}, items[0].IDs.ToArray())

			keys, err = ix.KeysInRange(int64(1000), nil)
			require.NoError(t, err)
			assert.Nil(t, keys)
		})
	}
}

func TestRangeIndex_StringKeysOrdered(t *testing.T) {
	for variant, open := range indexVariants(t) {
		t.Run(variant, func(t *testing.T) {
			ix := open("words", types.KeyString)
			for i, w := range []string{"pear", "apple", "fig", "banana"} {
				require.NoError(t, ix.AddRef(w, uint64(i+1)))
			}
			keys, err := ix.KeysInRange(nil, nil)
			require.NoError(t, err)
			assert.Equal(t, []any{"apple", "banana", "fig", "pear"}, keys)

			keys, err = ix.KeysInRange("b", "g")
			require.NoError(t, err)
			assert.Equal(t, []any{"banana", "fig"}, keys)
		})
	}
}

func TestRangeIndex_RejectsWrongKeyType(t *testing.T) {
	for variant, open := range indexVariants(t) {
		t.Run(variant, func(t *testing.T) {
			ix := open("strict", types.KeyInt)
			err := ix.AddRef("seven", 1)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestRangeIndex_AddRefsUnion(t *testing.T) {
	for variant, open := range indexVariants(t) {
		t.Run(variant, func(t *testing.T) {
			ix := open("bulk", types.KeyString)
			require.NoError(t, ix.AddRefs("x", roaring64.BitmapOf(1, 2, 3)))
			require.NoError(t, ix.AddRefs("x", roaring64.BitmapOf(3, 4)))
			require.NoError(t, ix.AddRefs("y", roaring64.New()))

			bm, err := ix.Get("x")
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 2, 3, 4}, bm.ToArray())

			keys, err := ix.KeysInRange(nil, nil)
			require.NoError(t, err)
			assert.Equal(t, []any{"x"}, keys)
		})
	}
}

func TestRangeIndex_ReturnedBitmapIsACopy(t *testing.T) {
	for variant, open := range indexVariants(t) {
		t.Run(variant, func(t *testing.T) {
			ix := open("owned", types.KeyInt)
			require.NoError(t, ix.AddRef(int64(1), 1))
			bm, err := ix.Get(int64(1))
			require.NoError(t, err)
			bm.Add(99)

			ok, err := ix.TestRef(int64(1), 99)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCopyIndex(t *testing.T) {
	env := openTestEnv(t)
	mem := NewMemIndex("pending", types.KeyString)
	require.NoError(t, mem.AddRef("red", 1))
	require.NoError(t, mem.AddRef("red", 2))
	require.NoError(t, mem.AddRef("blue", 3))

	durable, err := OpenIndex(env, "color", types.KeyString)
	require.NoError(t, err)
	require.NoError(t, durable.AddRef("red", 5))
	require.NoError(t, CopyIndex(durable, mem))

	items, err := durable.ItemsInRange(nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "blue", items[0].Key)
	assert.Equal(t, []uint64{1, 2, 5}, items[1].IDs.ToArray())

	wrong := NewMemIndex("wrong", types.KeyInt)
	assert.ErrorIs(t, CopyIndex(durable, wrong), types.ErrValidation)
}

func TestIndex_Persists(t *testing.T) {
	dir := t.TempDir()
	cfg := types.Config{Backend: types.BackendSQLite, DataDir: dir}

	env, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	ix, err := OpenIndex(env, "kept", types.KeyInt)
	require.NoError(t, err)
	require.NoError(t, ix.AddRef(int64(7), 42))
	require.NoError(t, env.Close())

	env, err = Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer env.Close()
	ix, err = OpenIndex(env, "kept", types.KeyInt)
	require.NoError(t, err)
	ok, err := ix.TestRef(int64(7), 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIndex_Detached(t *testing.T) {
	env := openTestEnv(t)
	ix, err := OpenIndex(env, "gone", types.KeyInt)
	require.NoError(t, err)
	require.NoError(t, env.Close())

	err = ix.AddRef(int64(1), 1)
	if err != types.ErrDetached {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
}
