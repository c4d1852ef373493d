// Tests for maps, sequences, transactions and relation graphs.
package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/emen/pkg/types"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMap_CRUD(t *testing.T) {
	env := openTestEnv(t)
	m, err := OpenMap[string, widget](env, "widgets")
	require.NoError(t, err)

	require.NoError(t, m.Put("b", &widget{Name: "bolt", Count: 2}))
	require.NoError(t, m.Put("a", &widget{Name: "anchor", Count: 1}))

	w, ok, err := m.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, widget{Name: "bolt", Count: 2}, w)

	_, ok, err = m.Get("zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := m.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A nil value deletes.
	require.NoError(t, m.Put("a", nil))
	ok, err = m.Contains("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMap_UintKeysOrderNumerically(t *testing.T) {
	env := openTestEnv(t)
	m, err := OpenMap[uint64, string](env, "numbered")
	require.NoError(t, err)
	for _, k := range []uint64{10, 2, 33, 1} {
		v := "v"
		require.NoError(t, m.Put(k, &v))
	}
	keys, err := m.Keys()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 10, 33}, keys)

	var seen []uint64
	require.NoError(t, m.Range(func(k uint64, _ string) bool {
		seen = append(seen, k)
		return len(seen) < 2
	}))
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestMap_InvalidName(t *testing.T) {
	env := openTestEnv(t)
	_, err := OpenMap[string, string](env, "Bad-Name")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSequence(t *testing.T) {
	env := openTestEnv(t)
	cur, err := env.Current("records")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cur)

	for want := uint64(1); want <= 3; want++ {
		got, err := env.Next("records")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	cur, err = env.Current("records")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cur)

	other, err := env.Next("other")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other)
}

func TestUpdate_RollsBack(t *testing.T) {
	env := openTestEnv(t)
	m, err := OpenMap[string, int](env, "counters")
	require.NoError(t, err)
	ix, err := OpenIndex(env, "counter_values", types.KeyInt)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = env.Update(func(tx *Tx) error {
		v := 1
		if err := m.In(tx).Put("x", &v); err != nil {
			return err
		}
		if err := ix.In(tx).AddRef(int64(1), 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	ok, err := m.Contains("x")
	require.NoError(t, err)
	assert.False(t, ok)
	keys, err := ix.KeysInRange(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, env.Update(func(tx *Tx) error {
		v := 2
		return m.In(tx).Put("x", &v)
	}))
	v, ok, err := m.Get("x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestUpdate_SequenceJoinsTransaction(t *testing.T) {
	env := openTestEnv(t)
	err := env.Update(func(tx *Tx) error {
		if _, err := tx.Next("records"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	cur, err := env.Current("records")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cur)
}

func TestUpdate_IsolatedFromOtherGoroutines(t *testing.T) {
	env, err := Open(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	m, err := OpenMap[uint64, int](env, "counters")
	require.NoError(t, err)

	const workers, rounds = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var id uint64
				err := env.Update(func(tx *Tx) error {
					var err error
					if id, err = tx.Next("counters"); err != nil {
						return err
					}
					v := int(id)
					return m.In(tx).Put(id, &v)
				})
				if err == nil {
					_, _, err = m.Get(id)
				}
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent update: %v", err)
	}

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, workers*rounds, n)
	cur, err := env.Current("counters")
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*rounds), cur)
}

func openTestRelations(t *testing.T, ids ...uint64) *Relations[uint64] {
	t.Helper()
	env := openTestEnv(t)
	known := map[uint64]bool{}
	for _, id := range ids {
		known[id] = true
	}
	r, err := OpenRelations(env, "records", func(_ *Tx, k uint64) (bool, error) { return known[k], nil })
	require.NoError(t, err)
	return r
}

func TestRelations_ParentChild(t *testing.T) {
	r := openTestRelations(t, 1, 2, 3)

	require.NoError(t, r.Link(1, 2, ""))
	require.NoError(t, r.Link(1, 3, "sample"))
	require.NoError(t, r.Link(1, 2, "")) // duplicate

	children, err := r.Children(1, nil)
	require.NoError(t, err)
	assert.Equal(t, []Edge[uint64]{{Key: 2}, {Key: 3, Label: "sample"}}, children)

	// Relinking a pair replaces its label.
	require.NoError(t, r.Link(1, 2, "aliquot"))
	children, err = r.Children(1, nil)
	require.NoError(t, err)
	assert.Equal(t, []Edge[uint64]{{Key: 2, Label: "aliquot"}, {Key: 3, Label: "sample"}}, children)
	require.NoError(t, r.Link(1, 2, ""))

	label := "sample"
	children, err = r.Children(1, &label)
	require.NoError(t, err)
	assert.Equal(t, []Edge[uint64]{{Key: 3, Label: "sample"}}, children)

	parents, err := r.Parents(2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, parents)

	require.NoError(t, r.Unlink(1, 2))
	parents, err = r.Parents(2)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestRelations_LinkValidation(t *testing.T) {
	r := openTestRelations(t, 1)
	assert.ErrorIs(t, r.Link(1, 1, ""), types.ErrValidation)
	assert.ErrorIs(t, r.Link(1, 9, ""), types.ErrNotFound)
	assert.ErrorIs(t, r.LateralLink(9, 1), types.ErrNotFound)
}

func TestRelations_Cousins(t *testing.T) {
	r := openTestRelations(t, 1, 2, 3)
	require.NoError(t, r.LateralLink(2, 1))
	require.NoError(t, r.LateralLink(1, 3))

	cousins, err := r.Cousins(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, cousins)
	cousins, err = r.Cousins(2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, cousins)

	pairs, err := r.CousinPairs()
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{1, 2}, {1, 3}}, pairs)

	require.NoError(t, r.LateralUnlink(1, 2))
	cousins, err = r.Cousins(2)
	require.NoError(t, err)
	assert.Empty(t, cousins)
}

func TestRelations_Walk(t *testing.T) {
	// 1 → 2 → 3 → 4, plus 1 → 5
	r := openTestRelations(t, 1, 2, 3, 4, 5)
	require.NoError(t, r.Link(1, 2, ""))
	require.NoError(t, r.Link(2, 3, ""))
	require.NoError(t, r.Link(3, 4, ""))
	require.NoError(t, r.Link(1, 5, ""))

	down, err := r.Walk(1, Down, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 5, 3}, down)

	up, err := r.Walk(4, Up, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2, 1}, up)

	// A rejected key cuts off everything reached only through it.
	down, err = r.Walk(1, Down, 3, func(k uint64) (bool, error) { return k != 2, nil })
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, down)

	boom := errors.New("boom")
	_, err = r.Walk(1, Down, 3, func(uint64) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)

	edges, err := r.Edges()
	require.NoError(t, err)
	assert.Len(t, edges, 4)
	assert.Equal(t, Link[uint64]{Parent: 1, Child: 2}, edges[0])
}

func TestRelations_StringKeys(t *testing.T) {
	env := openTestEnv(t)
	known := map[string]bool{"project": true, "experiment": true}
	r, err := OpenRelations(env, "recorddefs", func(_ *Tx, k string) (bool, error) { return known[k], nil })
	require.NoError(t, err)

	require.NoError(t, r.Link("project", "experiment", ""))
	parents, err := r.Parents("experiment")
	require.NoError(t, err)
	assert.Equal(t, []string{"project"}, parents)
}
