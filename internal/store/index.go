package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/pkg/types"
)

var _ RangeIndex = (*Index)(nil)

// Index is the durable range index. Each key is one row whose value is the
// serialized roaring bitmap of its posting list.
type Index struct {
	env   *Env
	tx    *Tx
	name  string
	kind  types.KeyKind
	table string
}

// OpenIndex opens (creating if needed) the named durable index.
func OpenIndex(env *Env, name string, kind types.KeyKind) (*Index, error) {
	return openIndex(env, nil, name, kind)
}

// OpenIndex opens the named durable index, creating its table inside the
// transaction. The returned handle is unbound; if the transaction rolls
// back the table is gone.
func (tx *Tx) OpenIndex(name string, kind types.KeyKind) (*Index, error) {
	return openIndex(tx.env, tx, name, kind)
}

func openIndex(env *Env, tx *Tx, name string, kind types.KeyKind) (*Index, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	var col string
	switch kind {
	case types.KeyInt:
		col = "INTEGER"
	case types.KeyFloat:
		col = "REAL"
	case types.KeyString:
		col = "TEXT"
	default:
		return nil, fmt.Errorf("%w: index %s has no key kind", types.ErrValidation, name)
	}
	ix := &Index{env: env, name: name, kind: kind, table: quote("i", name)}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    k %s PRIMARY KEY,
    ids BLOB NOT NULL
) WITHOUT ROWID;`, ix.table, col)
	if _, err := env.querier(tx).Exec(ddl); err != nil {
		return nil, fmt.Errorf("creating index %s: %w", name, err)
	}
	return ix, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// Kind returns the key kind.
func (ix *Index) Kind() types.KeyKind { return ix.kind }

// In returns a handle on the same index that works inside tx.
func (ix *Index) In(tx *Tx) *Index {
	c := *ix
	c.tx = tx
	return &c
}

func (ix *Index) q() querier { return ix.env.querier(ix.tx) }

func (ix *Index) load(key any) (*roaring64.Bitmap, error) {
	var data []byte
	err := ix.q().QueryRow(fmt.Sprintf("SELECT ids FROM %s WHERE k = ?", ix.table), key).Scan(&data)
	if err == sql.ErrNoRows {
		return roaring64.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s[%v]: %w", ix.name, key, err)
	}
	return decodeBitmap(data)
}

func (ix *Index) store(key any, bm *roaring64.Bitmap) error {
	if bm.IsEmpty() {
		_, err := ix.q().Exec(fmt.Sprintf("DELETE FROM %s WHERE k = ?", ix.table), key)
		if err != nil {
			return fmt.Errorf("deleting %s[%v]: %w", ix.name, key, err)
		}
		return nil
	}
	bm.RunOptimize()
	data, err := bm.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding %s[%v]: %w", ix.name, key, err)
	}
	_, err = ix.q().Exec(
		fmt.Sprintf("INSERT INTO %s (k, ids) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET ids = excluded.ids", ix.table),
		key, data)
	if err != nil {
		return fmt.Errorf("writing %s[%v]: %w", ix.name, key, err)
	}
	return nil
}

func decodeBitmap(data []byte) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding posting list: %w", err)
	}
	return bm, nil
}

// AddRef adds id to the posting list of key.
func (ix *Index) AddRef(key any, id uint64) error {
	return ix.AddRefs(key, roaring64.BitmapOf(id))
}

// AddRefs adds ids to the posting list of key.
func (ix *Index) AddRefs(key any, ids *roaring64.Bitmap) error {
	if err := ix.env.check(); err != nil {
		return err
	}
	k, err := NormalizeKey(ix.kind, key)
	if err != nil {
		return err
	}
	if ids.IsEmpty() {
		return nil
	}
	bm, err := ix.load(k)
	if err != nil {
		return err
	}
	bm.Or(ids)
	return ix.store(k, bm)
}

// RemoveRef removes id from the posting list of key.
func (ix *Index) RemoveRef(key any, id uint64) error {
	if err := ix.env.check(); err != nil {
		return err
	}
	k, err := NormalizeKey(ix.kind, key)
	if err != nil {
		return err
	}
	bm, err := ix.load(k)
	if err != nil {
		return err
	}
	if !bm.CheckedRemove(id) {
		return nil
	}
	return ix.store(k, bm)
}

// TestRef reports whether id is in the posting list of key.
func (ix *Index) TestRef(key any, id uint64) (bool, error) {
	bm, err := ix.Get(key)
	if err != nil {
		return false, err
	}
	return bm.Contains(id), nil
}

// Get returns the posting list of key (empty when absent).
func (ix *Index) Get(key any) (*roaring64.Bitmap, error) {
	if err := ix.env.check(); err != nil {
		return nil, err
	}
	k, err := NormalizeKey(ix.kind, key)
	if err != nil {
		return nil, err
	}
	return ix.load(k)
}

func (ix *Index) scanRange(min, max any, withIDs bool) ([]Posting, error) {
	if err := ix.env.check(); err != nil {
		return nil, err
	}
	lo, err := normalizeBound(ix.kind, min)
	if err != nil {
		return nil, err
	}
	hi, err := normalizeBound(ix.kind, max)
	if err != nil {
		return nil, err
	}

	cols := "k"
	if withIDs {
		cols = "k, ids"
	}
	var conds []string
	var args []any
	if lo != nil {
		conds = append(conds, "k >= ?")
		args = append(args, lo)
	}
	if hi != nil {
		conds = append(conds, "k <= ?")
		args = append(args, hi)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", cols, ix.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY k"

	rows, err := ix.q().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", ix.name, err)
	}
	defer rows.Close()

	var out []Posting
	for rows.Next() {
		var raw any
		var data []byte
		dest := []any{&raw}
		if withIDs {
			dest = append(dest, &data)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", ix.name, err)
		}
		key, err := ix.decodeKey(raw)
		if err != nil {
			return nil, err
		}
		p := Posting{Key: key}
		if withIDs {
			if p.IDs, err = decodeBitmap(data); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (ix *Index) decodeKey(raw any) (any, error) {
	switch v := raw.(type) {
	case []byte:
		raw = string(v)
	case int64:
		if ix.kind == types.KeyFloat {
			raw = float64(v)
		}
	}
	return NormalizeKey(ix.kind, raw)
}

// KeysInRange returns the keys within [min, max] in ascending order.
func (ix *Index) KeysInRange(min, max any) ([]any, error) {
	items, err := ix.scanRange(min, max, false)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	keys := make([]any, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys, nil
}

// ValuesInRange returns the union of the posting lists within [min, max].
func (ix *Index) ValuesInRange(min, max any) (*roaring64.Bitmap, error) {
	items, err := ix.scanRange(min, max, true)
	if err != nil {
		return nil, err
	}
	out := roaring64.New()
	for _, it := range items {
		out.Or(it.IDs)
	}
	return out, nil
}

// ItemsInRange returns the postings within [min, max] in key order.
func (ix *Index) ItemsInRange(min, max any) ([]Posting, error) {
	return ix.scanRange(min, max, true)
}
