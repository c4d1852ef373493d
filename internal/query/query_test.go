// Tests for query evaluation against a live database.
package query

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/emen/internal/database"
	"github.com/mesh-intelligence/emen/pkg/types"
)

const testHost = "localhost"

type fixture struct {
	db     *database.DB
	engine *Engine
	root   *types.Session
	alice  *types.Session
	bob    *types.Session
	carol  *types.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db, err := database.Open(types.Config{Backend: types.BackendSQLite}, types.DefaultRegistry(), zerolog.Nop(),
		database.WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Setup("rootpass")
	require.NoError(t, err)
	f := &fixture{db: db, engine: New(db, zerolog.Nop())}
	f.root, err = db.Login(database.RootUser, "rootpass", testHost)
	require.NoError(t, err)
	f.alice = f.user(t, "alice", types.GroupCreate)
	f.bob = f.user(t, "bob", types.GroupCreate)
	f.carol = f.user(t, "carol")

	for _, pd := range []*types.ParamDef{
		types.NewParamDef("age", types.VarInt),
		{Name: "height", VarType: types.VarFloat, Property: "length", DefaultUnits: "m", Indexed: true},
		types.NewParamDef("notes", types.VarText),
		types.NewParamDef("born", types.VarDate),
		{Name: "color", VarType: types.VarString},
	} {
		require.NoError(t, db.AddParamDef(pd, f.root))
	}
	require.NoError(t, db.AddRecordDef(&types.RecordDef{
		Name:     "person",
		MainView: "$$age $$height $$notes $$born $$color",
	}, f.root))
	require.NoError(t, db.AddRecordDef(&types.RecordDef{Name: "project", MainView: "$$notes $$color"}, f.root))
	return f
}

func (f *fixture) user(t *testing.T, name string, groups ...int) *types.Session {
	t.Helper()
	require.NoError(t, f.db.NewUser(name, name+"-password", name+"@example.org", nil))
	require.NoError(t, f.db.ApproveUser(name, groups, f.root))
	s, err := f.db.Login(name, name+"-password", testHost)
	require.NoError(t, err)
	return s
}

// put creates a record owned by s with write granted to the create group.
func (f *fixture) put(t *testing.T, s *types.Session, rectype string, params map[string]any) uint64 {
	t.Helper()
	rec, err := f.db.NewRecord(rectype, s, false)
	require.NoError(t, err)
	for k, v := range params {
		require.NoError(t, rec.Set(k, v))
	}
	perms := rec.Permissions.Clone()
	require.NoError(t, perms.Grant(types.LevelWrite, types.GroupPrincipal(types.GroupCreate)))
	require.NoError(t, rec.SetPermissions(perms))
	saved, err := f.db.PutRecord(rec, s)
	require.NoError(t, err)
	return saved.ID
}

func (f *fixture) query(t *testing.T, text string, s *types.Session) *Result {
	t.Helper()
	res, err := f.engine.Query(text, s)
	require.NoError(t, err, "query %q", text)
	return res
}

func (f *fixture) ids(t *testing.T, text string, s *types.Session) []uint64 {
	t.Helper()
	return f.query(t, text, s).IDs
}

func TestQuery_FiltersByReadAccess(t *testing.T) {
	f := newFixture(t)
	id := f.put(t, f.alice, "person", map[string]any{"age": 30})

	assert.Equal(t, []uint64{id}, f.ids(t, "@person $age > 25", f.bob))
	assert.Empty(t, f.ids(t, "@person $age > 25", f.carol))
	assert.Empty(t, f.ids(t, "@person $age > 25", nil))
	assert.Equal(t, []uint64{id}, f.ids(t, "@person $age > 25", f.root))
}

func TestQuery_Comparisons(t *testing.T) {
	f := newFixture(t)
	var ids []uint64
	for _, age := range []int{20, 25, 30, 35} {
		ids = append(ids, f.put(t, f.alice, "person", map[string]any{"age": age}))
	}
	tests := []struct {
		text string
		want []uint64
	}{
		{"$age > 25", ids[2:]},
		{"$age >= 25", ids[1:]},
		{"$age < 30", ids[:2]},
		{"$age <= 30", ids[:3]},
		{"$age == 30", ids[2:3]},
		{"$age is 30", ids[2:3]},
		{"$age between 22 and 31", ids[1:3]},
		{"$age >< 31, 22", ids[1:3]},
		{"age after 34", ids[3:]},
		{"$age", ids},
		{"$age > 100", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := f.ids(t, tt.text, f.alice)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuery_TypesUnionAndExclusion(t *testing.T) {
	f := newFixture(t)
	p := f.put(t, f.alice, "person", map[string]any{"color": "red"})
	q := f.put(t, f.alice, "project", map[string]any{"color": "red"})
	r := f.put(t, f.alice, "project", map[string]any{"color": "blue"})

	assert.Equal(t, []uint64{p, q, r}, f.ids(t, "@person @project", f.alice))
	assert.Equal(t, []uint64{q, r}, f.ids(t, "!person", f.alice))
	assert.Equal(t, []uint64{q}, f.ids(t, "@project $color == red", f.alice))
	assert.Equal(t, []uint64{p, q}, f.ids(t, "$color == red", f.alice))
}

func TestQuery_UnitsAndWords(t *testing.T) {
	f := newFixture(t)
	short := f.put(t, f.alice, "person", map[string]any{"height": 1.2, "notes": "Likes the reading club"})
	tall := f.put(t, f.alice, "person", map[string]any{"height": 1.9, "notes": "Runs the hiking club"})

	assert.Equal(t, []uint64{tall}, f.ids(t, "$height > 150 cm", f.alice))
	assert.Equal(t, []uint64{short}, f.ids(t, "$height between 1 m and 1500 mm", f.alice))
	assert.Equal(t, []uint64{short, tall}, f.ids(t, `$notes == club`, f.alice))
	assert.Equal(t, []uint64{short}, f.ids(t, `$notes == "reading club"`, f.alice))

	_, err := f.engine.Query("$age > 3 cm", f.alice)
	var qe *types.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, types.QuerySyntax, qe.Code)
}

func TestQuery_UnindexedField(t *testing.T) {
	f := newFixture(t)
	red := f.put(t, f.alice, "person", map[string]any{"color": "red"})
	f.put(t, f.alice, "person", map[string]any{"color": "green"})
	f.put(t, f.alice, "person", map[string]any{"age": 3})

	assert.Equal(t, []uint64{red}, f.ids(t, "$color == red", f.alice))
	assert.Len(t, f.ids(t, "$color", f.alice), 2)
	assert.Equal(t, []uint64{red}, f.ids(t, "$color > pink", f.alice))
}

func TestQuery_UserAndRelations(t *testing.T) {
	f := newFixture(t)
	parent := f.put(t, f.alice, "project", map[string]any{"color": "red"})
	child := f.put(t, f.alice, "person", map[string]any{"age": 10})
	grandchild := f.put(t, f.alice, "person", map[string]any{"age": 1})
	require.NoError(t, f.db.LinkRecords(parent, child, "", f.alice))
	require.NoError(t, f.db.LinkRecords(child, grandchild, "", f.alice))

	assert.Equal(t, []uint64{child, grandchild}, f.ids(t, fmt.Sprintf("child %d", parent), f.alice))
	assert.Equal(t, []uint64{child}, f.ids(t, fmt.Sprintf("children %d $age > 5", parent), f.alice))
	assert.Equal(t, []uint64{parent, child}, f.ids(t, fmt.Sprintf("parents %d", grandchild), f.alice))
	assert.Empty(t, f.ids(t, "child 999", f.alice))

	// carol is granted read on one record.
	rec, err := f.db.GetRecord(child, f.alice)
	require.NoError(t, err)
	perms := rec.Permissions.Clone()
	require.NoError(t, perms.Grant(types.LevelRead, "carol"))
	require.NoError(t, rec.SetPermissions(perms))
	_, err = f.db.PutRecord(rec, f.alice)
	require.NoError(t, err)

	assert.Equal(t, []uint64{child}, f.ids(t, "%carol", f.root))
	assert.Equal(t, []uint64{child}, f.ids(t, "%carol", f.bob))
	assert.Equal(t, []uint64{child}, f.ids(t, "@person", f.carol))
}

func TestQuery_GroupBy(t *testing.T) {
	f := newFixture(t)
	a := f.put(t, f.alice, "person", map[string]any{"color": "red", "age": 30})
	b := f.put(t, f.alice, "person", map[string]any{"color": "blue", "age": 4})
	c := f.put(t, f.alice, "project", map[string]any{"color": "red"})
	orphan := f.put(t, f.alice, "person", map[string]any{"notes": "no color"})
	inherits := f.put(t, f.alice, "person", map[string]any{"notes": "inherits"})
	require.NoError(t, f.db.LinkRecords(c, inherits, "", f.alice))

	keys := func(groups []Group) map[string][]uint64 {
		out := make(map[string][]uint64)
		for _, g := range groups {
			out[g.Key] = g.IDs
		}
		return out
	}

	res := f.query(t, "find by $color", f.alice)
	assert.Equal(t, "$color", res.GroupBy)
	assert.Equal(t, map[string][]uint64{
		"blue":  {b},
		"red":   {a, c, inherits},
		NoGroup: {orphan},
	}, keys(res.Groups))
	assert.Equal(t, NoGroup, res.Groups[len(res.Groups)-1].Key)

	res = f.query(t, "@person group $age", f.alice)
	require.Len(t, res.Groups, 3)
	// numeric keys sort by value, not by text
	assert.Equal(t, []string{"4", "30", NoGroup}, []string{res.Groups[0].Key, res.Groups[1].Key, res.Groups[2].Key})

	res = f.query(t, "find by rectype", f.alice)
	assert.Equal(t, map[string][]uint64{
		"person":  {a, b, orphan, inherits},
		"project": {c},
	}, keys(res.Groups))

	res = f.query(t, "find group @project", f.alice)
	assert.Equal(t, map[string][]uint64{
		"project": {c},
		NoGroup:   {a, b, orphan, inherits},
	}, keys(res.Groups))
}

func TestQuery_Plot(t *testing.T) {
	f := newFixture(t)
	a := f.put(t, f.alice, "person", map[string]any{"age": 10, "height": 1.4, "color": "red"})
	b := f.put(t, f.alice, "person", map[string]any{"age": 40, "height": 1.8, "color": "blue"})
	f.put(t, f.alice, "person", map[string]any{"age": 50})

	res := f.query(t, "plot $height vs $age", f.alice)
	require.NotNil(t, res.Plot)
	assert.Equal(t, "age", res.Plot.X)
	assert.Equal(t, "height", res.Plot.Y)
	require.Len(t, res.Plot.Series, 1)
	assert.Equal(t, []Point{{ID: a, X: 10, Y: 1.4}, {ID: b, X: 40, Y: 1.8}}, res.Plot.Series[0].Points)
	assert.Equal(t, Bounds{XMin: 10, XMax: 40, YMin: 1.4, YMax: 1.8}, res.Plot.Bounds)

	res = f.query(t, "plot height versus age by color", f.alice)
	require.Len(t, res.Plot.Series, 2)
	assert.Equal(t, "blue", res.Plot.Series[0].Group)
	assert.Equal(t, []Point{{ID: b, X: 40, Y: 1.8}}, res.Plot.Series[0].Points)
}

func TestQuery_Histogram(t *testing.T) {
	f := newFixture(t)
	for i := range 100 {
		color := "red"
		if i%2 == 1 {
			color = "blue"
		}
		f.put(t, f.root, "person", map[string]any{"age": i, "color": color})
	}

	res := f.query(t, "histogram $age", f.root)
	h := res.Histogram
	require.NotNil(t, h)
	assert.Equal(t, BinNumeric, h.Mode)
	assert.Equal(t, 10.0, h.Step)
	require.Len(t, h.Bins, 10)
	require.Len(t, h.Series, 1)
	for i, n := range h.Series[0].Counts {
		assert.Equal(t, 10, n, "bin %d", i)
	}

	res = f.query(t, "histogram $age by $color", f.root)
	require.Len(t, res.Histogram.Series, 2)
	assert.Equal(t, "blue", res.Histogram.Series[0].Group)
	assert.Equal(t, 5, res.Histogram.Series[0].Counts[0])

	res = f.query(t, "histogram $color", f.root)
	assert.Equal(t, BinCategory, res.Histogram.Mode)
	assert.Equal(t, []int{50, 50}, res.Histogram.Series[0].Counts)
}

func TestQuery_HistogramDates(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{0, 50, 120, 200} {
		f.put(t, f.alice, "person", map[string]any{"born": start.AddDate(0, 0, offset).Format(types.DateLayout)})
	}
	h := f.query(t, "histogram $born", f.alice).Histogram
	assert.Equal(t, BinWeek, h.Mode)
	assert.Equal(t, "2024-W01", h.Bins[0].Label)

	total := 0
	for _, n := range h.Series[0].Counts {
		total += n
	}
	assert.Equal(t, 4, total)
}

func TestQuery_Deterministic(t *testing.T) {
	f := newFixture(t)
	for i := range 30 {
		f.put(t, f.alice, "person", map[string]any{"age": i % 7, "color": []string{"red", "blue", "green"}[i%3]})
	}
	for _, text := range []string{"@person $age >= 3 by $color", "histogram $age by $color", "plot $age vs $age"} {
		first := f.query(t, text, f.bob)
		second := f.query(t, text, f.bob)
		first.Elapsed, second.Elapsed = 0, 0
		assert.Equal(t, first, second, text)
	}
}

func TestQuery_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		text string
		code string
	}{
		{"@widget", types.QueryUnknownName},
		{"find plot $age vs $age", types.QueryTooManyCommands},
		{"timeline", types.QueryNotImplemented},
		{"$age > old", types.QuerySyntax},
		{"$born > yesterday", types.QuerySyntax},
		{"child x", types.QuerySyntax},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res, err := f.engine.Query(tt.text, f.alice)
			assert.Nil(t, res)
			var qe *types.QueryError
			if !errors.As(err, &qe) {
				t.Fatalf("expected QueryError, got %v", err)
			}
			assert.Equal(t, tt.code, qe.Code)
		})
	}

	// Anonymous sessions cannot name users.
	_, err := f.engine.Query("%alice", nil)
	assert.ErrorIs(t, err, types.ErrQuery)
}
