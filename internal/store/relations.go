package store

import (
	"fmt"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// Edge is one parent→child link seen from one endpoint.
type Edge[K Key] struct {
	Key   K
	Label string
}

// Link is a parent→child edge.
type Link[K Key] struct {
	Parent K
	Child  K
	Label  string
}

// Direction selects the relation followed by Walk.
type Direction int

// Walk directions.
const (
	Down Direction = iota
	Up
	Lateral
)

// Relations is the relation graph of one collection: labeled parent→child
// edges and undirected cousin edges, stored as adjacency tables apart from
// the collection's values.
type Relations[K Key] struct {
	env     *Env
	tx      *Tx
	name    string
	pc      string
	cousins string
	exists  func(*Tx, K) (bool, error)
}

// OpenRelations opens (creating if needed) the relation tables of a
// collection. exists reports whether a key is present in the collection,
// reading through the given transaction when it is not nil; links require
// both endpoints to exist.
func OpenRelations[K Key](env *Env, name string, exists func(*Tx, K) (bool, error)) (*Relations[K], error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	r := &Relations[K]{
		env:     env,
		name:    name,
		pc:      quote("pc", name),
		cousins: quote("cousin", name),
		exists:  exists,
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    parent NOT NULL,
    child NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (parent, child)
) WITHOUT ROWID;`, r.pc),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_pc_%s_child" ON %s(child);`, name, r.pc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    a NOT NULL,
    b NOT NULL,
    PRIMARY KEY (a, b)
) WITHOUT ROWID;`, r.cousins),
	}
	for _, stmt := range ddl {
		if _, err := env.db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("creating relations %s: %w", name, err)
		}
	}
	return r, nil
}

// In returns a handle on the same relations that works inside tx.
func (r *Relations[K]) In(tx *Tx) *Relations[K] {
	c := *r
	c.tx = tx
	return &c
}

func (r *Relations[K]) q() querier { return r.env.querier(r.tx) }

func (r *Relations[K]) endpoints(a, b K) error {
	if a == b {
		return fmt.Errorf("%w: %s: cannot link %v to itself", types.ErrValidation, r.name, a)
	}
	for _, k := range []K{a, b} {
		ok, err := r.exists(r.tx, k)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s %v", types.ErrNotFound, r.name, k)
		}
	}
	return nil
}

// Link adds a parent→child edge. Linking an existing pair replaces its
// label.
func (r *Relations[K]) Link(parent, child K, label string) error {
	if err := r.env.check(); err != nil {
		return err
	}
	if err := r.endpoints(parent, child); err != nil {
		return err
	}
	_, err := r.q().Exec(
		fmt.Sprintf(`INSERT INTO %s (parent, child, label) VALUES (?, ?, ?)
         ON CONFLICT(parent, child) DO UPDATE SET label = excluded.label`, r.pc),
		encodeKey(parent), encodeKey(child), label)
	if err != nil {
		return fmt.Errorf("linking %s %v→%v: %w", r.name, parent, child, err)
	}
	return nil
}

// Unlink removes a parent→child edge if present.
func (r *Relations[K]) Unlink(parent, child K) error {
	if err := r.env.check(); err != nil {
		return err
	}
	_, err := r.q().Exec(
		fmt.Sprintf("DELETE FROM %s WHERE parent = ? AND child = ?", r.pc),
		encodeKey(parent), encodeKey(child))
	if err != nil {
		return fmt.Errorf("unlinking %s %v→%v: %w", r.name, parent, child, err)
	}
	return nil
}

// LateralLink adds an undirected cousin edge. Duplicate links are no-ops.
func (r *Relations[K]) LateralLink(a, b K) error {
	if err := r.env.check(); err != nil {
		return err
	}
	if err := r.endpoints(a, b); err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (a, b) VALUES (?, ?), (?, ?)", r.cousins)
	if _, err := r.q().Exec(stmt, encodeKey(a), encodeKey(b), encodeKey(b), encodeKey(a)); err != nil {
		return fmt.Errorf("linking %s cousins %v, %v: %w", r.name, a, b, err)
	}
	return nil
}

// LateralUnlink removes a cousin edge if present.
func (r *Relations[K]) LateralUnlink(a, b K) error {
	if err := r.env.check(); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE (a = ? AND b = ?) OR (a = ? AND b = ?)", r.cousins)
	if _, err := r.q().Exec(stmt, encodeKey(a), encodeKey(b), encodeKey(b), encodeKey(a)); err != nil {
		return fmt.Errorf("unlinking %s cousins %v, %v: %w", r.name, a, b, err)
	}
	return nil
}

func (r *Relations[K]) keys(query string, args ...any) ([]K, error) {
	if err := r.env.check(); err != nil {
		return nil, err
	}
	rows, err := r.q().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading %s relations: %w", r.name, err)
	}
	defer rows.Close()
	var out []K
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		k, err := decodeKey[K](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Parents returns the parents of key in ascending order.
func (r *Relations[K]) Parents(key K) ([]K, error) {
	return r.keys(fmt.Sprintf("SELECT parent FROM %s WHERE child = ? ORDER BY parent", r.pc), encodeKey(key))
}

// Cousins returns the cousins of key in ascending order.
func (r *Relations[K]) Cousins(key K) ([]K, error) {
	return r.keys(fmt.Sprintf("SELECT b FROM %s WHERE a = ? ORDER BY b", r.cousins), encodeKey(key))
}

// Children returns the children of key in ascending order. A non-nil
// label restricts the result to edges with that label.
func (r *Relations[K]) Children(key K, label *string) ([]Edge[K], error) {
	if err := r.env.check(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT child, label FROM %s WHERE parent = ?", r.pc)
	args := []any{encodeKey(key)}
	if label != nil {
		query += " AND label = ?"
		args = append(args, *label)
	}
	query += " ORDER BY child"

	rows, err := r.q().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading %s children: %w", r.name, err)
	}
	defer rows.Close()
	out := []Edge[K]{}
	for rows.Next() {
		var raw any
		var e Edge[K]
		if err := rows.Scan(&raw, &e.Label); err != nil {
			return nil, err
		}
		if e.Key, err = decodeKey[K](raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Edges returns every parent→child edge ordered by parent then child.
func (r *Relations[K]) Edges() ([]Link[K], error) {
	if err := r.env.check(); err != nil {
		return nil, err
	}
	rows, err := r.q().Query(fmt.Sprintf("SELECT parent, child, label FROM %s ORDER BY parent, child", r.pc))
	if err != nil {
		return nil, fmt.Errorf("reading %s edges: %w", r.name, err)
	}
	defer rows.Close()
	var out []Link[K]
	for rows.Next() {
		var rp, rc any
		var l Link[K]
		if err := rows.Scan(&rp, &rc, &l.Label); err != nil {
			return nil, err
		}
		if l.Parent, err = decodeKey[K](rp); err != nil {
			return nil, err
		}
		if l.Child, err = decodeKey[K](rc); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CousinPairs returns every cousin edge once, as (smaller, larger) pairs.
func (r *Relations[K]) CousinPairs() ([][2]K, error) {
	if err := r.env.check(); err != nil {
		return nil, err
	}
	rows, err := r.q().Query(fmt.Sprintf("SELECT a, b FROM %s WHERE a < b ORDER BY a, b", r.cousins))
	if err != nil {
		return nil, fmt.Errorf("reading %s cousins: %w", r.name, err)
	}
	defer rows.Close()
	var out [][2]K
	for rows.Next() {
		var ra, rb any
		if err := rows.Scan(&ra, &rb); err != nil {
			return nil, err
		}
		a, err := decodeKey[K](ra)
		if err != nil {
			return nil, err
		}
		b, err := decodeKey[K](rb)
		if err != nil {
			return nil, err
		}
		out = append(out, [2]K{a, b})
	}
	return out, rows.Err()
}

// Walk follows dir from start breadth-first for at most depth levels and
// returns every key reached, excluding start, in discovery order. A
// non-nil visit filters the keys reached: a rejected key is neither
// returned nor walked through.
func (r *Relations[K]) Walk(start K, dir Direction, depth int, visit func(K) (bool, error)) ([]K, error) {
	seen := map[K]bool{start: true}
	frontier := []K{start}
	var out []K
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []K
		for _, k := range frontier {
			found, err := r.step(k, dir)
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				if seen[f] {
					continue
				}
				seen[f] = true
				if visit != nil {
					ok, err := visit(f)
					if err != nil {
						return nil, err
					}
					if !ok {
						continue
					}
				}
				out = append(out, f)
				next = append(next, f)
			}
		}
		frontier = next
	}
	return out, nil
}

func (r *Relations[K]) step(k K, dir Direction) ([]K, error) {
	switch dir {
	case Up:
		return r.Parents(k)
	case Lateral:
		return r.Cousins(k)
	}
	edges, err := r.Children(k, nil)
	if err != nil {
		return nil, err
	}
	out := make([]K, len(edges))
	for i, e := range edges {
		out[i] = e.Key
	}
	return out, nil
}
