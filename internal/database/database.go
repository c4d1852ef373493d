// Package database is the orchestrator over the indexed store: users and
// sessions, field and document schemas, records with their secondary
// indices and reverse security index, relations, bulk import, and
// backup/restore.
package database

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// Collection, index and sequence names.
const (
	collUsers      = "users"
	collNewUsers   = "newusers"
	collSessions   = "sessions"
	collParamDefs  = "paramdefs"
	collRecordDefs = "recorddefs"
	collRecords    = "records"

	indexSecurity    = "secindex"
	indexRecType     = "rectypeindex"
	indexModTime     = "modtimeindex"
	paramIndexPrefix = "param_"

	seqRecords = "records"
)

// RootUser is the administrator created by Setup.
const RootUser = "root"

// Option configures a DB.
type Option func(*DB)

// WithClock replaces the wall clock used for timestamps and session
// expiry.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// DB is an open database. Its methods are safe for concurrent use except
// bulk mode, which must not overlap normal traffic.
//
// Inside update the collection handles of a DB are bound to the
// transaction; see bind.
type DB struct {
	*core
	tx *store.Tx

	users      *store.Map[string, types.User]
	newUsers   *store.Map[string, types.NewUserRequest]
	sessions   *store.Map[string, types.Session]
	paramDefs  *store.Map[string, types.ParamDef]
	recordDefs *store.Map[string, types.RecordDef]
	records    *store.Map[uint64, types.Record]

	secIndex     *store.Index
	recTypeIndex *store.Index
	modTimeIndex *store.Index

	recordRels    *store.Relations[uint64]
	paramDefRels  *store.Relations[string]
	recordDefRels *store.Relations[string]

	// param indices opened inside this update, cached once it commits
	opened map[string]*store.Index
}

// core is the state shared by a DB and its transaction-bound copies.
type core struct {
	env *store.Env
	reg *types.Registry
	cfg types.Config
	log zerolog.Logger
	now func() time.Time

	mu           sync.RWMutex
	paramIndices map[string]*store.Index
	bulk         map[string]*store.MemIndex // non-nil in bulk mode
	failed       atomic.Bool

	sessMu    sync.Mutex
	sessCache map[string]*cachedSession
	sessEpoch uint64 // bumped whenever sessions are revoked
	sweep     rate.Sometimes
}

// Open opens (creating if needed) the database described by cfg. The
// registry is shared by reference and must not be modified afterwards.
func Open(cfg types.Config, reg *types.Registry, log zerolog.Logger, opts ...Option) (*DB, error) {
	cfg = cfg.WithDefaults()
	if reg == nil {
		reg = types.DefaultRegistry()
	}
	env, err := store.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	d := &DB{core: &core{
		env:          env,
		reg:          reg,
		cfg:          cfg,
		log:          log.With().Str("component", "database").Logger(),
		now:          time.Now,
		paramIndices: make(map[string]*store.Index),
		sessCache:    make(map[string]*cachedSession),
		sweep:        rate.Sometimes{Interval: cfg.SweepInterval},
	}}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.openCollections(); err != nil {
		env.Close()
		return nil, err
	}
	d.log.Info().Str("path", env.Path()).Msg("database opened")
	return d, nil
}

func (d *DB) openCollections() error {
	var err error
	if d.users, err = store.OpenMap[string, types.User](d.env, collUsers); err != nil {
		return err
	}
	if d.newUsers, err = store.OpenMap[string, types.NewUserRequest](d.env, collNewUsers); err != nil {
		return err
	}
	if d.sessions, err = store.OpenMap[string, types.Session](d.env, collSessions); err != nil {
		return err
	}
	if d.paramDefs, err = store.OpenMap[string, types.ParamDef](d.env, collParamDefs); err != nil {
		return err
	}
	if d.recordDefs, err = store.OpenMap[string, types.RecordDef](d.env, collRecordDefs); err != nil {
		return err
	}
	if d.records, err = store.OpenMap[uint64, types.Record](d.env, collRecords); err != nil {
		return err
	}
	if d.secIndex, err = store.OpenIndex(d.env, indexSecurity, types.KeyString); err != nil {
		return err
	}
	if d.recTypeIndex, err = store.OpenIndex(d.env, indexRecType, types.KeyString); err != nil {
		return err
	}
	if d.modTimeIndex, err = store.OpenIndex(d.env, indexModTime, types.KeyString); err != nil {
		return err
	}
	records, paramDefs, recordDefs := d.records, d.paramDefs, d.recordDefs
	d.recordRels, err = store.OpenRelations(d.env, collRecords, func(tx *store.Tx, id uint64) (bool, error) {
		return records.In(tx).Contains(id)
	})
	if err != nil {
		return err
	}
	d.paramDefRels, err = store.OpenRelations(d.env, collParamDefs, func(tx *store.Tx, name string) (bool, error) {
		return paramDefs.In(tx).Contains(name)
	})
	if err != nil {
		return err
	}
	d.recordDefRels, err = store.OpenRelations(d.env, collRecordDefs, func(tx *store.Tx, name string) (bool, error) {
		return recordDefs.In(tx).Contains(name)
	})
	if err != nil {
		return err
	}
	return nil
}

// Close closes the database. Close is idempotent.
func (d *DB) Close() error {
	d.log.Info().Msg("database closed")
	return d.env.Close()
}

// Registry returns the registry the database was opened with.
func (d *DB) Registry() *types.Registry { return d.reg }

// Config returns the effective configuration.
func (d *DB) Config() types.Config { return d.cfg }

// update runs fn as one atomic mutation. fn receives a copy of the
// database whose collections read and write through the transaction; it
// must use that copy, never d. Param indices created by fn are cached
// only after the mutation commits.
func (d *DB) update(fn func(t *DB) error) error {
	if d.failed.Load() {
		return types.ErrStoreFailed
	}
	var opened map[string]*store.Index
	err := d.env.Update(func(tx *store.Tx) error {
		t := d.bind(tx)
		if err := fn(t); err != nil {
			return err
		}
		opened = t.opened
		return nil
	})
	if err != nil || len(opened) == 0 {
		return err
	}
	d.mu.Lock()
	for name, ix := range opened {
		if _, ok := d.paramIndices[name]; !ok {
			d.paramIndices[name] = ix
		}
	}
	d.mu.Unlock()
	return nil
}

// bind returns a copy of d whose collection handles work inside tx.
func (d *DB) bind(tx *store.Tx) *DB {
	t := *d
	t.tx = tx
	t.opened = make(map[string]*store.Index)
	t.users = d.users.In(tx)
	t.newUsers = d.newUsers.In(tx)
	t.sessions = d.sessions.In(tx)
	t.paramDefs = d.paramDefs.In(tx)
	t.recordDefs = d.recordDefs.In(tx)
	t.records = d.records.In(tx)
	t.secIndex = d.secIndex.In(tx)
	t.recTypeIndex = d.recTypeIndex.In(tx)
	t.modTimeIndex = d.modTimeIndex.In(tx)
	t.recordRels = d.recordRels.In(tx)
	t.paramDefRels = d.paramDefRels.In(tx)
	t.recordDefRels = d.recordDefRels.In(tx)
	return &t
}

// next advances a sequence, joining the transaction inside update.
func (d *DB) next(name string) (uint64, error) {
	if d.tx != nil {
		return d.tx.Next(name)
	}
	return d.env.Next(name)
}

func (d *DB) timestamp() time.Time {
	return d.now().UTC().Truncate(time.Second)
}

// index returns the index to write through: the in-memory shadow of
// durable while in bulk mode, durable otherwise.
func (d *DB) index(durable *store.Index) store.RangeIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bulk == nil {
		return durable
	}
	mem, ok := d.bulk[durable.Name()]
	if !ok {
		mem = store.NewMemIndex(durable.Name(), durable.Kind())
		d.bulk[durable.Name()] = mem
	}
	return mem
}

// paramIndex returns the durable index of an indexed paramdef, creating it
// on first use. Unindexed paramdefs return nil. No lock is held while the
// table is created: another goroutine may own the connection.
func (d *DB) paramIndex(pd *types.ParamDef) (*store.Index, error) {
	vt, ok := d.reg.VarType(pd.VarType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vartype %q", types.ErrValidation, pd.VarType)
	}
	if !pd.Indexed || vt.Key == types.KeyNone {
		return nil, nil
	}

	d.mu.RLock()
	ix, ok := d.paramIndices[pd.Name]
	d.mu.RUnlock()
	if ok {
		return ix.In(d.tx), nil
	}
	if ix, ok := d.opened[pd.Name]; ok {
		return ix.In(d.tx), nil
	}

	name := paramIndexPrefix + pd.Name
	if d.tx != nil {
		ix, err := d.tx.OpenIndex(name, vt.Key)
		if err != nil {
			return nil, err
		}
		d.opened[pd.Name] = ix
		return ix.In(d.tx), nil
	}
	ix, err := store.OpenIndex(d.env, name, vt.Key)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if cached, ok := d.paramIndices[pd.Name]; ok {
		ix = cached
	} else {
		d.paramIndices[pd.Name] = ix
	}
	d.mu.Unlock()
	return ix, nil
}

// ParamIndex returns the secondary index of a paramdef for read access.
// It reports false when the paramdef is not indexed.
func (d *DB) ParamIndex(name string) (store.RangeIndex, bool, error) {
	pd, err := d.GetParamDef(name)
	if err != nil {
		return nil, false, err
	}
	ix, err := d.paramIndex(pd)
	if err != nil || ix == nil {
		return nil, false, err
	}
	return ix, true, nil
}

// AllRecords returns the ids of every record.
func (d *DB) AllRecords() (*roaring64.Bitmap, error) {
	keys, err := d.records.Keys()
	if err != nil {
		return nil, err
	}
	return roaring64.BitmapOf(keys...), nil
}
