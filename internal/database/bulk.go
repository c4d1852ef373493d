package database

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// BeginBulk enters bulk mode: index writes go to in-memory indices until
// CommitIndices flushes them. Record updates are refused in bulk mode, and
// bulk mode must not overlap normal traffic.
func (d *DB) BeginBulk(s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, "bulk import"); err != nil {
		return err
	}
	return d.beginBulk()
}

func (d *DB) beginBulk() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bulk != nil {
		return types.ErrBulkMode
	}
	d.bulk = make(map[string]*store.MemIndex)
	d.log.Debug().Msg("bulk mode on")
	return nil
}

func (d *DB) inBulk() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bulk != nil
}

// CommitIndices flushes the in-memory indices into their durable
// counterparts and leaves bulk mode. A failed flush leaves the database
// unusable: later mutations return ErrStoreFailed.
func (d *DB) CommitIndices(s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, "bulk import"); err != nil {
		return err
	}
	return d.update(func(t *DB) error { return t.flushIndices() })
}

// flushIndices runs inside the caller's update.
func (d *DB) flushIndices() error {
	d.mu.Lock()
	pending := d.bulk
	d.bulk = nil
	d.mu.Unlock()
	if pending == nil {
		return nil
	}

	total := 0
	for name, mem := range pending {
		durable, err := d.durableIndex(name)
		if err != nil {
			d.failed.Store(true)
			return err
		}
		if err := store.CopyIndex(durable, mem); err != nil {
			d.failed.Store(true)
			d.log.Error().Err(err).Str("index", name).Msg("index flush failed")
			return fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
		}
		total += mem.Len()
	}
	d.log.Info().Int("indices", len(pending)).Int("keys", total).Msg("bulk indices flushed")
	return nil
}

// abortBulk discards pending in-memory indices.
func (d *DB) abortBulk() {
	d.mu.Lock()
	d.bulk = nil
	d.mu.Unlock()
}

func (d *DB) durableIndex(name string) (*store.Index, error) {
	switch name {
	case indexSecurity:
		return d.secIndex, nil
	case indexRecType:
		return d.recTypeIndex, nil
	case indexModTime:
		return d.modTimeIndex, nil
	}
	if param, ok := strings.CutPrefix(name, paramIndexPrefix); ok {
		pd, err := d.GetParamDef(param)
		if err != nil {
			return nil, err
		}
		if ix, err := d.paramIndex(pd); err != nil || ix != nil {
			return ix, err
		}
	}
	return nil, fmt.Errorf("no durable index %q", name)
}
