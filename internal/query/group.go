package query

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

func (e *Engine) group(ids *roaring64.Bitmap, target Token, s *types.Session) ([]Group, error) {
	switch target.Kind {
	case KindAllRecordDefs:
		names, err := e.src.GetRecordDefNames(s)
		if err != nil {
			return nil, err
		}
		return e.groupByType(ids, names, s)
	case KindRecordDef:
		return e.groupByType(ids, []string{target.Text}, s)
	}
	return e.groupByField(ids, target.Text, s)
}

// groupByType buckets ids by document type. Records of none of the named
// types land in NoGroup.
func (e *Engine) groupByType(ids *roaring64.Bitmap, names []string, s *types.Session) ([]Group, error) {
	rest := ids.Clone()
	var out []Group
	for _, name := range names {
		bm, err := e.src.GetIndexByRecordDef(name, s)
		if err != nil {
			return nil, err
		}
		members := roaring64.And(ids, bm)
		if members.IsEmpty() {
			continue
		}
		out = append(out, Group{Key: name, IDs: members.ToArray(), sortKey: name})
		rest.AndNot(bm)
	}
	if !rest.IsEmpty() {
		out = append(out, Group{Key: NoGroup, IDs: rest.ToArray()})
	}
	sortGroups(out)
	return out, nil
}

// groupByField buckets ids by the value of a field. A record holding a
// list lands in one bucket per element. Records without the field take
// the value of the nearest readable ancestor that has it, up to
// MaxGroupDepth levels up.
func (e *Engine) groupByField(ids *roaring64.Bitmap, field string, s *types.Session) ([]Group, error) {
	pd, err := e.src.GetParamDef(field)
	if err != nil {
		return nil, err
	}
	vt, ok := e.src.Registry().VarType(pd.VarType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vartype %q", types.ErrSchemaViolation, pd.VarType)
	}

	buckets := make(map[string]*roaring64.Bitmap)
	sortKeys := make(map[string]any)
	add := func(k any, members *roaring64.Bitmap) {
		label := formatKey(k)
		bm, ok := buckets[label]
		if !ok {
			bm = roaring64.New()
			buckets[label] = bm
			sortKeys[label] = k
		}
		bm.Or(members)
	}

	rest := ids.Clone()
	ix, indexed, err := e.src.ParamIndex(field)
	if err != nil {
		return nil, err
	}
	if indexed {
		items, err := ix.ItemsInRange(nil, nil)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			members := roaring64.And(it.IDs, ids)
			if members.IsEmpty() {
				continue
			}
			add(it.Key, members)
			rest.AndNot(members)
		}
	}

	values := make(map[uint64][]any)
	valuesOf := func(id uint64) ([]any, error) {
		if v, ok := values[id]; ok {
			return v, nil
		}
		recs, err := e.src.GetRecords([]uint64{id}, s)
		if err != nil {
			return nil, err
		}
		var keys []any
		if len(recs) == 1 {
			if v, ok := recs[0].Get(field); ok {
				keys = groupKeys(vt, v)
			}
		}
		values[id] = keys
		return keys, nil
	}

	none := roaring64.New()
	it := rest.Iterator()
	for it.HasNext() {
		id := it.Next()
		keys, err := valuesOf(id)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			if keys, err = e.inherited(id, valuesOf, s); err != nil {
				return nil, err
			}
		}
		if len(keys) == 0 {
			none.Add(id)
			continue
		}
		for _, k := range keys {
			add(k, roaring64.BitmapOf(id))
		}
	}

	out := make([]Group, 0, len(buckets)+1)
	for label, bm := range buckets {
		out = append(out, Group{Key: label, IDs: bm.ToArray(), sortKey: sortKeys[label]})
	}
	if !none.IsEmpty() {
		out = append(out, Group{Key: NoGroup, IDs: none.ToArray()})
	}
	sortGroups(out)
	return out, nil
}

// inherited climbs the parents of id level by level and returns the
// values of the first ancestor, in id order, that has the field.
func (e *Engine) inherited(id uint64, valuesOf func(uint64) ([]any, error), s *types.Session) ([]any, error) {
	level := []uint64{id}
	seen := map[uint64]bool{id: true}
	for depth := 0; depth < MaxGroupDepth && len(level) > 0; depth++ {
		next := roaring64.New()
		for _, child := range level {
			parents, err := e.src.RecordParents(child, s)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				if !seen[p] {
					seen[p] = true
					next.Add(p)
				}
			}
		}
		level = next.ToArray()
		for _, p := range level {
			keys, err := valuesOf(p)
			if err != nil {
				return nil, err
			}
			if len(keys) > 0 {
				return keys, nil
			}
		}
	}
	return nil, nil
}

// groupKeys returns the bucket keys of a value. Unindexable types group
// by their printed form.
func groupKeys(vt *types.VarType, v any) []any {
	if vt.Key == types.KeyNone {
		return []any{fmt.Sprint(v)}
	}
	return keysOf(vt, v)
}

func formatKey(k any) string {
	switch v := k.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	}
	return fmt.Sprint(k)
}

// sortGroups orders buckets by key value with NoGroup last.
func sortGroups(groups []Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].sortKey, groups[j].sortKey
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return store.CompareKeys(a, b) < 0
	})
}
