// Tests for record commit, access control, reindexing and the reverse
// security index.
package database

import (
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// createPerson commits a person record owned by s with write granted to
// the create group.
func createPerson(t *testing.T, f *fixture, s *types.Session, age int) *types.Record {
	t.Helper()
	rec, err := f.db.NewRecord("person", s, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("age", age))
	perms := rec.Permissions.Clone()
	require.NoError(t, perms.Grant(types.LevelWrite, types.GroupPrincipal(types.GroupCreate)))
	require.NoError(t, rec.SetPermissions(perms))
	saved, err := f.db.PutRecord(rec, s)
	require.NoError(t, err)
	return saved
}

func TestPutRecord_CreateAndRead(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	bob := f.user(t, "bob", types.GroupCreate)
	carol := f.user(t, "carol")

	rec := createPerson(t, f, alice, 30)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, "alice", rec.Creator)
	assert.Equal(t, "alice", rec.ModifyUser)
	assert.True(t, rec.Access().Owner)
	assert.Empty(t, rec.Comments)

	got, err := f.db.GetRecord(rec.ID, bob)
	require.NoError(t, err)
	assert.True(t, got.Access().Write)
	assert.False(t, got.Access().Owner)

	_, err = f.db.GetRecord(rec.ID, carol)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	var perr *types.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, rec.ID, perr.RecordID)

	_, ok, err := f.db.TryGetRecord(rec.ID, carol)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.db.TryGetRecord(999, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.db.GetRecord(999, alice)
	assert.ErrorIs(t, err, types.ErrNotFound)

	readable, err := f.db.ReadableRecords(bob)
	require.NoError(t, err)
	assert.Equal(t, []uint64{rec.ID}, readable.ToArray())
	readable, err = f.db.ReadableRecords(carol)
	require.NoError(t, err)
	assert.True(t, readable.IsEmpty())

	byType, err := f.db.GetIndexByRecordDef("person", bob)
	require.NoError(t, err)
	assert.Equal(t, []uint64{rec.ID}, byType.ToArray())
	byType, err = f.db.GetIndexByRecordDef("person", carol)
	require.NoError(t, err)
	assert.True(t, byType.IsEmpty())
}

func TestPutRecord_UpdateLogsAndReindexes(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	rec := createPerson(t, f, alice, 30)

	f.advance(time.Minute)
	require.NoError(t, rec.Set("age", 31))
	updated, err := f.db.PutRecord(rec, alice)
	require.NoError(t, err)

	require.Len(t, updated.Comments, 1)
	assert.Equal(t, "age: 30 -> 31", updated.Comments[0].Text)
	assert.Equal(t, "alice", updated.Comments[0].Author)

	assert.False(t, indexHas(t, f.db, "age", int64(30), rec.ID))
	assert.True(t, indexHas(t, f.db, "age", int64(31), rec.ID))

	modified, err := f.db.ModifiedBetween(f.clock, f.clock, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{rec.ID}, modified.ToArray())
}

func TestPutRecord_NoopCommit(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	rec := createPerson(t, f, alice, 30)

	ix, _, err := f.db.ParamIndex("age")
	require.NoError(t, err)
	before := postings(t, ix)

	f.advance(time.Minute)
	loaded, err := f.db.GetRecord(rec.ID, alice)
	require.NoError(t, err)
	again, err := f.db.PutRecord(loaded, alice)
	require.NoError(t, err)

	assert.Empty(t, again.Comments)
	assert.True(t, again.ModifyTime.Equal(rec.ModifyTime))
	assert.Equal(t, before, postings(t, ix))
}

func TestPutRecord_SchemaViolations(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)

	rec, err := f.db.NewRecord("person", f.root, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("height", 180))
	_, err = f.db.PutRecord(rec, f.root)
	assert.ErrorIs(t, err, types.ErrSchemaViolation)

	orphan := types.NewRecord("ghost")
	_, err = f.db.PutRecord(orphan, f.root)
	assert.ErrorIs(t, err, types.ErrSchemaViolation)

	bad, err := f.db.NewRecord("person", f.root, false)
	require.NoError(t, err)
	require.NoError(t, bad.Set("age", "old"))
	_, err = f.db.PutRecord(bad, f.root)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPutRecord_CreateRequiresCreateGroup(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	carol := f.user(t, "carol")

	_, err := f.db.NewRecord("person", carol, false)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	rec := types.NewRecord("person")
	_, err = f.db.PutRecord(rec, carol)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestPutRecord_AccessFromStoredVersion(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	dave := f.user(t, "dave")

	rec, err := f.db.NewRecord("person", alice, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("age", 50))
	perms := rec.Permissions.Clone()
	require.NoError(t, perms.Grant(types.LevelRead, "dave"))
	require.NoError(t, rec.SetPermissions(perms))
	rec, err = f.db.PutRecord(rec, alice)
	require.NoError(t, err)

	// dave loads the record, forges write access locally, and tries to
	// commit: the stored version only grants read.
	forged := rec.Clone()
	p := forged.Permissions.Clone()
	require.NoError(t, p.Grant(types.LevelWrite, "dave"))
	forged.Permissions = p
	forged.Bind(dave, f.clock)
	require.NoError(t, forged.Set("age", 51))
	_, err = f.db.PutRecord(forged, dave)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	stored, err := f.db.GetRecord(rec.ID, alice)
	require.NoError(t, err)
	v, _ := stored.Get("age")
	assert.Equal(t, int64(50), v)
}

func TestPutRecord_OwnerFieldsNeedOwner(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	bob := f.user(t, "bob", types.GroupCreate)
	rec := createPerson(t, f, alice, 30)

	asBob, err := f.db.GetRecord(rec.ID, bob)
	require.NoError(t, err)
	err = asBob.Set(types.KeyOwner, "bob")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	// Bypassing the record's own check still fails at commit.
	asBob.Owner = "bob"
	_, err = f.db.PutRecord(asBob, bob)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	asAlice, err := f.db.GetRecord(rec.ID, alice)
	require.NoError(t, err)
	require.NoError(t, asAlice.Set(types.KeyOwner, "bob"))
	out, err := f.db.PutRecord(asAlice, alice)
	require.NoError(t, err)
	assert.Equal(t, "bob", out.Owner)
	require.Len(t, out.Comments, 1)
	assert.Equal(t, "owner: alice -> bob", out.Comments[0].Text)
}

func TestPutRecord_Comments(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	erin := f.user(t, "erin")

	rec, err := f.db.NewRecord("person", alice, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("age", 20))
	perms := rec.Permissions.Clone()
	require.NoError(t, perms.Grant(types.LevelComment, "erin"))
	require.NoError(t, rec.SetPermissions(perms))
	rec, err = f.db.PutRecord(rec, alice)
	require.NoError(t, err)

	asErin, err := f.db.GetRecord(rec.ID, erin)
	require.NoError(t, err)
	require.NoError(t, asErin.AddComment("looks right"))
	out, err := f.db.PutRecord(asErin, erin)
	require.NoError(t, err)
	require.Len(t, out.Comments, 1)
	assert.Equal(t, "erin", out.Comments[0].Author)

	// Inline updates need write.
	asErin, err = f.db.GetRecord(rec.ID, erin)
	require.NoError(t, err)
	err = asErin.AddComment(`fixing $$age="21"`)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	asAlice, err := f.db.GetRecord(rec.ID, alice)
	require.NoError(t, err)
	require.NoError(t, asAlice.AddComment(`fixing $$age="21"`))
	out, err = f.db.PutRecord(asAlice, alice)
	require.NoError(t, err)
	v, _ := out.Get("age")
	assert.Equal(t, int64(21), v)
	texts := make([]string, len(out.Comments))
	for i, c := range out.Comments {
		texts[i] = c.Text
	}
	assert.Equal(t, []string{"looks right", `fixing $$age="21"`, "age: 20 -> 21"}, texts)
}

func TestPutRecord_StampsComments(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	forged := types.Comment{Author: RootUser, Time: time.Unix(0, 0), Text: "approved by root"}

	rec, err := f.db.NewRecord("person", alice, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("age", 40))
	rec.Comments = append(rec.Comments, forged)
	rec, err = f.db.PutRecord(rec, alice)
	require.NoError(t, err)
	require.Len(t, rec.Comments, 1)
	assert.Equal(t, "alice", rec.Comments[0].Author)
	assert.True(t, f.clock.Equal(rec.Comments[0].Time))

	f.advance(time.Hour)
	forged.Text = "second approval"
	rec.Comments = append(rec.Comments, forged)
	out, err := f.db.PutRecord(rec, alice)
	require.NoError(t, err)
	require.Len(t, out.Comments, 2)
	assert.Equal(t, "alice", out.Comments[1].Author)
	assert.True(t, f.clock.Equal(out.Comments[1].Time))
	assert.Equal(t, "second approval", out.Comments[1].Text)

	stored, err := f.db.GetRecord(rec.ID, f.root)
	require.NoError(t, err)
	for _, c := range stored.Comments {
		assert.Equal(t, "alice", c.Author)
	}
}

func TestPutRecord_ConcurrentCommits(t *testing.T) {
	f := newFixtureWithConfig(t, types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()})
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)

	const workers, perWorker = 8, 25
	errs := make(chan error, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec, err := f.db.NewRecord("person", alice, false)
				if err == nil {
					err = rec.Set("age", w*perWorker+i)
				}
				if err == nil {
					rec, err = f.db.PutRecord(rec, alice)
				}
				if err == nil {
					_, err = f.db.GetRecord(rec.ID, alice)
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := f.db.AllRecords()
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, all.GetCardinality())
	ids, err := f.db.GetIndexByRecordDef("person", alice)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, ids.GetCardinality())
}

func TestNewRecord_Defaults(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.AddParamDef(types.NewParamDef("status", types.VarString), f.root))
	require.NoError(t, f.db.AddRecordDef(&types.RecordDef{
		Name:     "task",
		MainView: `Status: $$status="open"`,
	}, f.root))

	rec, err := f.db.NewRecord("task", f.root, true)
	require.NoError(t, err)
	v, ok := rec.Get("status")
	require.True(t, ok)
	assert.Equal(t, "open", v)

	bare, err := f.db.NewRecord("task", f.root, false)
	require.NoError(t, err)
	_, ok = bare.Get("status")
	assert.False(t, ok)
}

func TestGetRecords_FiltersUnreadable(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	carol := f.user(t, "carol", types.GroupCreate)

	a := createPerson(t, f, alice, 1)
	rec, err := f.db.NewRecord("person", carol, false)
	require.NoError(t, err)
	c, err := f.db.PutRecord(rec, carol)
	require.NoError(t, err)

	got, err := f.db.GetRecords([]uint64{c.ID, a.ID, a.ID, 77}, alice)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = f.db.GetRecords([]uint64{c.ID, a.ID}, f.root)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestTextFieldsIndexWords(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	rec, err := f.db.NewRecord("person", f.root, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("notes", "The quick, brown FOX jumps over the fox!"))
	rec, err = f.db.PutRecord(rec, f.root)
	require.NoError(t, err)

	ix, ok, err := f.db.ParamIndex("notes")
	require.NoError(t, err)
	require.True(t, ok)
	keys, err := ix.KeysInRange(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"brown", "fox", "jumps", "over", "quick"}, keys)

	require.NoError(t, rec.Set("notes", "slow fox"))
	_, err = f.db.PutRecord(rec, f.root)
	require.NoError(t, err)
	keys, err = ix.KeysInRange(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"fox", "slow"}, keys)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, Words("Hello, WORLD! hello the"))
	assert.Empty(t, Words("  ... the a an "))
}

func TestReindexSymmetry(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name    string
		vartype string
		a, b    any
	}{
		{"count", types.VarInt, int64(3), int64(4)},
		{"labels", types.VarStringList, []string{"x", "y"}, []string{"y", "z"}},
		{"summary", types.VarText, "alpha beta", "beta gamma"},
		{"flag", types.VarBoolean, true, false},
		{"blob", types.VarBinary, "a", "b"},
	}
	for _, tc := range cases {
		t.Run(tc.vartype, func(t *testing.T) {
			pd := types.NewParamDef(tc.name, tc.vartype)
			require.NoError(t, f.db.AddParamDef(pd, f.root))
			require.NoError(t, f.db.update(func(t *DB) error { return t.reindexField(pd, nil, tc.a, 7) }))

			snapshot := func() map[any][]uint64 {
				ix, ok, err := f.db.ParamIndex(tc.name)
				require.NoError(t, err)
				if !ok {
					return nil
				}
				return postings(t, ix)
			}
			before := snapshot()
			require.NoError(t, f.db.update(func(t *DB) error { return t.reindexField(pd, tc.a, tc.b, 7) }))
			require.NoError(t, f.db.update(func(t *DB) error { return t.reindexField(pd, tc.b, tc.a, 7) }))
			assert.Equal(t, before, snapshot())
		})
	}
}

func TestSecurityIndexTracksPermissions(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	alice := f.user(t, "alice", types.GroupCreate)
	rec := createPerson(t, f, alice, 30)

	readersOf := func(id uint64) []string {
		keys, err := f.db.secIndex.KeysInRange(nil, nil)
		require.NoError(t, err)
		var out []string
		for _, k := range keys {
			bm, err := f.db.secIndex.Get(k)
			require.NoError(t, err)
			if bm.Contains(id) {
				out = append(out, k.(string))
			}
		}
		return out
	}
	assert.Equal(t, []string{"0", "alice"}, readersOf(rec.ID))

	perms := types.Permissions{
		Read:  []types.Principal{"frank"},
		Write: []types.Principal{"alice"},
	}
	require.NoError(t, rec.SetPermissions(perms))
	rec, err := f.db.PutRecord(rec, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "frank"}, readersOf(rec.ID))
	assert.Contains(t, rec.Comments[len(rec.Comments)-1].Text, "permissions: ")

	// Admins read everything without index entries.
	all, err := f.db.ReadableRecords(f.root)
	require.NoError(t, err)
	assert.True(t, all.Contains(rec.ID))
}

func TestBulkMode(t *testing.T) {
	f := newFixture(t)
	f.personSchema(t)
	require.NoError(t, f.db.BeginBulk(f.root))
	assert.ErrorIs(t, f.db.BeginBulk(f.root), types.ErrBulkMode)

	rec, err := f.db.NewRecord("person", f.root, false)
	require.NoError(t, err)
	require.NoError(t, rec.Set("age", 9))
	rec, err = f.db.PutRecord(rec, f.root)
	require.NoError(t, err)

	// Updates are refused and nothing is durable until the flush.
	_, err = f.db.PutRecord(rec, f.root)
	assert.ErrorIs(t, err, types.ErrBulkMode)
	byType, err := f.db.recTypeIndex.Get("person")
	require.NoError(t, err)
	assert.True(t, byType.IsEmpty())

	require.NoError(t, f.db.CommitIndices(f.root))
	assert.True(t, indexHas(t, f.db, "age", int64(9), rec.ID))
	byType, err = f.db.GetIndexByRecordDef("person", f.root)
	require.NoError(t, err)
	assert.Equal(t, roaring64.BitmapOf(rec.ID).ToArray(), byType.ToArray())
}

// postings flattens an index into key → ids.
func postings(t *testing.T, ix store.RangeIndex) map[any][]uint64 {
	t.Helper()
	items, err := ix.ItemsInRange(nil, nil)
	require.NoError(t, err)
	out := make(map[any][]uint64, len(items))
	for _, it := range items {
		out[it.Key] = it.IDs.ToArray()
	}
	return out
}
