package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBindAssignsOwner(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRecord("person")
	r.Bind(&Session{Username: "alice", Groups: []int{0}}, now)

	assert.Equal(t, "alice", r.Owner)
	assert.Equal(t, "alice", r.Creator)
	assert.Equal(t, now, r.CreationTime)
	assert.Equal(t, LevelWrite, r.Permissions.Level("alice"))
	assert.Equal(t, FullAccess, r.Access())
}

func TestRecordBindKeepsExistingOwner(t *testing.T) {
	r := NewRecord("person")
	r.ID = 9
	r.Owner = "alice"
	r.Bind(&Session{Username: "bob"}, time.Now())

	assert.Equal(t, "alice", r.Owner)
	assert.False(t, r.Access().Read)
}

func TestRecordSetRequiresWrite(t *testing.T) {
	r := NewRecord("person")
	r.ID = 3
	r.Owner = "alice"
	r.Permissions = Permissions{Comment: []Principal{"bob"}}
	r.Bind(&Session{Username: "bob"}, time.Now())

	err := r.Set("age", 30)
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "write", perr.Op)
	assert.Equal(t, uint64(3), perr.RecordID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	assert.NoError(t, r.AddComment("looks good"))
	assert.Len(t, r.Comments, 1)
	assert.Equal(t, "bob", r.Comments[0].Author)

	err = r.AddComment(`fix $$age="31"`)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Len(t, r.Comments, 1)
}

func TestRecordOwnerOnlyFields(t *testing.T) {
	r := NewRecord("person")
	r.ID = 4
	r.Owner = "alice"
	r.Permissions = Permissions{Write: []Principal{"bob"}}
	r.Bind(&Session{Username: "bob"}, time.Now())

	assert.NoError(t, r.Set("age", 1))
	assert.NoError(t, r.SetPermissions(Permissions{Write: []Principal{"bob", "carol"}}))
	for _, k := range []string{KeyOwner, KeyRecType, KeyCreator} {
		assert.ErrorIs(t, r.Set(k, "x"), ErrPermissionDenied, k)
	}
	assert.ErrorIs(t, r.Set(KeyCreationTime, time.Now()), ErrPermissionDenied)
	assert.ErrorIs(t, r.Set(KeyModifyUser, "x"), ErrValidation)
}

func TestRecordPriorValueIsOneLevel(t *testing.T) {
	r := NewRecord("person")
	r.ReplaceParams(map[string]any{"age": int64(30)})

	_, ok := r.Previous("age")
	assert.False(t, ok)

	require.NoError(t, r.Set("age", int64(31)))
	require.NoError(t, r.Set("age", int64(32)))

	prev, ok := r.Previous("age")
	assert.True(t, ok)
	assert.Equal(t, int64(30), prev)

	assert.True(t, r.Undo("age"))
	v, _ := r.Get("age")
	assert.Equal(t, int64(30), v)
	assert.False(t, r.Undo("age"))
}

func TestRecordInlineCommentUpdates(t *testing.T) {
	r := NewRecord("person")
	r.Bind(&Session{Username: "alice"}, time.Now())

	require.NoError(t, r.AddComment(`measured again $$age="31" $$name="al"`))
	age, _ := r.Get("age")
	name, _ := r.Get("name")
	assert.Equal(t, "31", age)
	assert.Equal(t, "al", name)

	assert.ErrorIs(t, r.AddComment(`$$owner="eve"`), ErrValidation)
	assert.ErrorIs(t, r.AddComment(""), ErrValidation)
}

func TestRecordChanges(t *testing.T) {
	a := NewRecord("person")
	a.ReplaceParams(map[string]any{"age": int64(30), "name": "al"})
	b := a.Clone()
	assert.Empty(t, a.Changes(b))

	require.NoError(t, b.Set("age", int64(31)))
	require.NoError(t, b.Set("height", 1.8))
	require.NoError(t, b.Set("name", nil))
	assert.Equal(t, []string{"age", "height", "name"}, a.Changes(b))
}

func TestRecordJSON(t *testing.T) {
	r := NewRecord("person")
	r.ID = 12
	r.Owner = "alice"
	r.Permissions = Permissions{Write: []Principal{"alice"}}
	r.ReplaceParams(map[string]any{"age": int64(30)})
	require.NoError(t, r.Set("age", int64(31)))

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, uint64(12), back.ID)
	assert.Equal(t, "alice", back.Owner)
	age, ok := back.Get("age")
	assert.True(t, ok)
	assert.Equal(t, float64(31), age)
	_, ok = back.Previous("age")
	assert.False(t, ok, "prior values are not persisted")
}

func TestRecordValueBuiltins(t *testing.T) {
	r := NewRecord("person")
	r.Owner = "alice"
	v, ok := r.Value(KeyOwner)
	assert.True(t, ok)
	assert.Equal(t, "alice", v)
	v, _ = r.Value(KeyRecType)
	assert.Equal(t, "person", v)
	_, ok = r.Value(KeyCreationTime)
	assert.False(t, ok)
}
