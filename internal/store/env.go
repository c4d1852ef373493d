// Package store implements the Indexed Store: durable ordered maps, typed
// range indices holding roaring-bitmap posting lists (durable and
// in-memory variants with identical semantics), relation graphs, and the
// atomic identifier sequence. Every collection is built on one Env.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// DBFileName is the database file created in the data directory.
const DBFileName = "emen.db"

const createSequences = `CREATE TABLE IF NOT EXISTS sequences (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Env is the storage environment shared by every collection of a
// database. It is opened once at startup and closed at shutdown.
type Env struct {
	db     *sql.DB
	driver string
	path   string
	log    zerolog.Logger

	mu     sync.Mutex // serializes Update and sequence increments
	closed atomic.Bool
}

// Tx is the transaction of one Update call. Collection handles bound to
// it with In read and write through the transaction; unbound handles use
// the database directly and wait for the transaction to finish.
type Tx struct {
	env *Env
	sql *sql.Tx
}

// Open creates the data directory if needed and opens the SQLite database
// with the configured driver. An empty DataDir opens a private in-memory
// database.
func Open(cfg types.Config, log zerolog.Logger) (*Env, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path := ":memory:"
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		path = filepath.Join(cfg.DataDir, DBFileName)
	}

	db, err := sql.Open(cfg.Driver, dsn(cfg.Driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// One connection: writers are serialized and an in-memory database is
	// shared by every collection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createSequences); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sequences: %w", err)
	}

	e := &Env{db: db, driver: cfg.Driver, path: path, log: log.With().Str("component", "store").Logger()}
	e.log.Debug().Str("driver", cfg.Driver).Str("path", path).Msg("store opened")
	return e, nil
}

func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	switch driver {
	case types.DriverCGo:
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	default:
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
}

// Path returns the database path, or ":memory:".
func (e *Env) Path() string { return e.path }

// Close releases the database. Close is idempotent.
func (e *Env) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.log.Debug().Msg("store closed")
	return e.db.Close()
}

// querier returns tx, or the database when tx is nil.
func (e *Env) querier(tx *Tx) querier {
	if tx != nil {
		return tx.sql
	}
	return e.db
}

func (e *Env) check() error {
	if e.closed.Load() {
		return types.ErrDetached
	}
	return nil
}

// Update runs fn inside one SQL transaction; an error from fn rolls it
// back. Only handles bound to the Tx passed to fn join the transaction.
// Update calls are serialized and must not be nested.
func (e *Env) Update(fn func(tx *Tx) error) error {
	if err := e.check(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	stx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{env: e, sql: stx}); err != nil {
		if rerr := stx.Rollback(); rerr != nil {
			e.log.Error().Err(rerr).Msg("rollback failed")
		}
		return err
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Next returns the next value of the named sequence, starting at 1. Values
// are never reused. Inside Update use Tx.Next instead.
func (e *Env) Next(name string) (uint64, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return next(e.db, name)
}

// Next advances the named sequence inside the transaction. A rollback
// undoes the increment along with the rest of the transaction.
func (tx *Tx) Next(name string) (uint64, error) {
	if err := tx.env.check(); err != nil {
		return 0, err
	}
	return next(tx.sql, name)
}

// Current returns the last value issued by the named sequence.
func (e *Env) Current(name string) (uint64, error) {
	var v int64
	err := e.db.QueryRow("SELECT value FROM sequences WHERE name = ?", name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sequence %s: %w", name, err)
	}
	return uint64(v), nil
}

func next(q querier, name string) (uint64, error) {
	var v int64
	err := q.QueryRow(
		`INSERT INTO sequences (name, value) VALUES (?, 1)
         ON CONFLICT(name) DO UPDATE SET value = value + 1
         RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advancing sequence %s: %w", name, err)
	}
	return uint64(v), nil
}

// quote returns a quoted SQL identifier for a collection table.
func quote(prefix, name string) string {
	return `"` + prefix + "_" + name + `"`
}
