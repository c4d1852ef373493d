package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Map is a durable ordered map from keys to JSON-encoded values.
type Map[K Key, V any] struct {
	env   *Env
	tx    *Tx
	name  string
	table string
}

// OpenMap opens (creating if needed) the named map.
func OpenMap[K Key, V any](env *Env, name string) (*Map[K, V], error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	m := &Map[K, V]{env: env, name: name, table: quote("m", name)}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    k PRIMARY KEY,
    v BLOB NOT NULL
) WITHOUT ROWID;`, m.table)
	if _, err := env.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("creating map %s: %w", name, err)
	}
	return m, nil
}

// Name returns the map name.
func (m *Map[K, V]) Name() string { return m.name }

// In returns a handle on the same map that works inside tx. A nil tx
// returns an unbound handle.
func (m *Map[K, V]) In(tx *Tx) *Map[K, V] {
	c := *m
	c.tx = tx
	return &c
}

func (m *Map[K, V]) q() querier { return m.env.querier(m.tx) }

// Put stores v under k. A nil value deletes the key.
func (m *Map[K, V]) Put(k K, v *V) error {
	if err := m.env.check(); err != nil {
		return err
	}
	if v == nil {
		return m.Delete(k)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%v: %w", m.name, k, err)
	}
	_, err = m.q().Exec(
		fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v", m.table),
		encodeKey(k), data)
	if err != nil {
		return fmt.Errorf("putting %s/%v: %w", m.name, k, err)
	}
	return nil
}

// Get returns the value stored under k and whether it exists.
func (m *Map[K, V]) Get(k K) (V, bool, error) {
	var v V
	if err := m.env.check(); err != nil {
		return v, false, err
	}
	var data []byte
	err := m.q().QueryRow(fmt.Sprintf("SELECT v FROM %s WHERE k = ?", m.table), encodeKey(k)).Scan(&data)
	if err == sql.ErrNoRows {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("getting %s/%v: %w", m.name, k, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decoding %s/%v: %w", m.name, k, err)
	}
	return v, true, nil
}

// Delete removes k. Deleting a missing key is not an error.
func (m *Map[K, V]) Delete(k K) error {
	if err := m.env.check(); err != nil {
		return err
	}
	if _, err := m.q().Exec(fmt.Sprintf("DELETE FROM %s WHERE k = ?", m.table), encodeKey(k)); err != nil {
		return fmt.Errorf("deleting %s/%v: %w", m.name, k, err)
	}
	return nil
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) (bool, error) {
	if err := m.env.check(); err != nil {
		return false, err
	}
	var one int
	err := m.q().QueryRow(fmt.Sprintf("SELECT 1 FROM %s WHERE k = ?", m.table), encodeKey(k)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s/%v: %w", m.name, k, err)
	}
	return true, nil
}

// Len returns the number of keys.
func (m *Map[K, V]) Len() (int, error) {
	if err := m.env.check(); err != nil {
		return 0, err
	}
	var n int
	if err := m.q().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", m.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", m.name, err)
	}
	return n, nil
}

// Keys returns every key in ascending order.
func (m *Map[K, V]) Keys() ([]K, error) {
	if err := m.env.check(); err != nil {
		return nil, err
	}
	rows, err := m.q().Query(fmt.Sprintf("SELECT k FROM %s ORDER BY k", m.table))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", m.name, err)
	}
	defer rows.Close()

	var keys []K
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s key: %w", m.name, err)
		}
		k, err := decodeKey[K](raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s key: %w", m.name, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Range calls fn for every entry in key order until fn returns false. The
// entries are read before fn is first called, so fn may use the store.
func (m *Map[K, V]) Range(fn func(K, V) bool) error {
	if err := m.env.check(); err != nil {
		return err
	}
	rows, err := m.q().Query(fmt.Sprintf("SELECT k, v FROM %s ORDER BY k", m.table))
	if err != nil {
		return fmt.Errorf("ranging %s: %w", m.name, err)
	}
	type entry struct {
		k K
		v V
	}
	var entries []entry
	for rows.Next() {
		var raw any
		var data []byte
		if err := rows.Scan(&raw, &data); err != nil {
			rows.Close()
			return fmt.Errorf("scanning %s: %w", m.name, err)
		}
		k, err := decodeKey[K](raw)
		if err != nil {
			rows.Close()
			return fmt.Errorf("decoding %s key: %w", m.name, err)
		}
		var v V
		if err := json.Unmarshal(data, &v); err != nil {
			rows.Close()
			return fmt.Errorf("decoding %s/%v: %w", m.name, k, err)
		}
		entries = append(entries, entry{k, v})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range entries {
		if !fn(e.k, e.v) {
			break
		}
	}
	return nil
}
