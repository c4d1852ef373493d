package database

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// MaxTraversalDepth caps relation walks.
const MaxTraversalDepth = 3

// SchemaKind names a schema collection with relations.
type SchemaKind string

// Schema collections.
const (
	KindParamDef  SchemaKind = "paramdef"
	KindRecordDef SchemaKind = "recorddef"
)

// readWrite loads two records for linking: both must be readable and the
// session must be able to write the first.
func (d *DB) readWrite(a, b uint64, s *types.Session) error {
	ra, err := d.getRecord(a, s)
	if err != nil {
		return err
	}
	if _, err := d.getRecord(b, s); err != nil {
		return err
	}
	if !ra.Access().Write {
		return &types.PermissionError{Op: "write", RecordID: a, Target: "link"}
	}
	return nil
}

// LinkRecords adds a parent→child link between two records. The session
// must read both and write the parent. Relinking a linked pair replaces
// its label.
func (d *DB) LinkRecords(parent, child uint64, label string, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := d.readWrite(parent, child, s); err != nil {
		return err
	}
	return d.update(func(t *DB) error { return t.recordRels.Link(parent, child, label) })
}

// UnlinkRecords removes a parent→child link.
func (d *DB) UnlinkRecords(parent, child uint64, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := d.readWrite(parent, child, s); err != nil {
		return err
	}
	return d.update(func(t *DB) error { return t.recordRels.Unlink(parent, child) })
}

// LinkRecordCousins adds a lateral link. The session must read both
// records and write at least one.
func (d *DB) LinkRecordCousins(a, b uint64, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := d.cousinAccess(a, b, s); err != nil {
		return err
	}
	return d.update(func(t *DB) error { return t.recordRels.LateralLink(a, b) })
}

// UnlinkRecordCousins removes a lateral link.
func (d *DB) UnlinkRecordCousins(a, b uint64, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := d.cousinAccess(a, b, s); err != nil {
		return err
	}
	return d.update(func(t *DB) error { return t.recordRels.LateralUnlink(a, b) })
}

func (d *DB) cousinAccess(a, b uint64, s *types.Session) error {
	ra, err := d.getRecord(a, s)
	if err != nil {
		return err
	}
	rb, err := d.getRecord(b, s)
	if err != nil {
		return err
	}
	if !ra.Access().Write && !rb.Access().Write {
		return &types.PermissionError{Op: "write", RecordID: a, Target: "link"}
	}
	return nil
}

// RecordChildren lists the readable children of a readable record. A
// non-nil label keeps only links with that label.
func (d *DB) RecordChildren(id uint64, label *string, s *types.Session) ([]store.Edge[uint64], error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if _, err := d.getRecord(id, s); err != nil {
		return nil, err
	}
	edges, err := d.recordRels.Children(id, label)
	if err != nil {
		return nil, err
	}
	out := []store.Edge[uint64]{}
	for _, e := range edges {
		ok, err := d.canRead(e.Key, s)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecordParents lists the readable parents of a readable record.
func (d *DB) RecordParents(id uint64, s *types.Session) ([]uint64, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if _, err := d.getRecord(id, s); err != nil {
		return nil, err
	}
	ids, err := d.recordRels.Parents(id)
	if err != nil {
		return nil, err
	}
	return d.readableOf(ids, s)
}

// RecordCousins lists the readable cousins of a readable record.
func (d *DB) RecordCousins(id uint64, s *types.Session) ([]uint64, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if _, err := d.getRecord(id, s); err != nil {
		return nil, err
	}
	ids, err := d.recordRels.Cousins(id)
	if err != nil {
		return nil, err
	}
	return d.readableOf(ids, s)
}

// Traverse walks the relations of a readable record up to depth levels
// (capped at MaxTraversalDepth) and returns the readable records reached.
// The walk only passes through records the session can read.
func (d *DB) Traverse(id uint64, dir store.Direction, depth int, s *types.Session) (*roaring64.Bitmap, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if _, err := d.getRecord(id, s); err != nil {
		return nil, err
	}
	if depth <= 0 || depth > MaxTraversalDepth {
		depth = MaxTraversalDepth
	}
	ids, err := d.recordRels.Walk(id, dir, depth, func(k uint64) (bool, error) {
		return d.canRead(k, s)
	})
	if err != nil {
		return nil, err
	}
	return roaring64.BitmapOf(ids...), nil
}

func (d *DB) canRead(id uint64, s *types.Session) (bool, error) {
	_, ok, err := d.tryGetRecord(id, s)
	return ok, err
}

func (d *DB) readableOf(ids []uint64, s *types.Session) ([]uint64, error) {
	out := []uint64{}
	for _, id := range ids {
		ok, err := d.canRead(id, s)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *DB) schemaRelations(kind SchemaKind) (*store.Relations[string], error) {
	switch kind {
	case KindParamDef:
		return d.paramDefRels, nil
	case KindRecordDef:
		return d.recordDefRels, nil
	}
	return nil, fmt.Errorf("%w: unknown schema kind %q", types.ErrValidation, kind)
}

// LinkSchema adds a parent→child link between two paramdefs or two
// recorddefs. Requires the create group.
func (d *DB) LinkSchema(kind SchemaKind, parent, child string, s *types.Session) error {
	return d.editSchemaRelations(kind, s, func(r *store.Relations[string]) error {
		return r.Link(parent, child, "")
	})
}

// UnlinkSchema removes a schema parent→child link.
func (d *DB) UnlinkSchema(kind SchemaKind, parent, child string, s *types.Session) error {
	return d.editSchemaRelations(kind, s, func(r *store.Relations[string]) error {
		return r.Unlink(parent, child)
	})
}

// LinkSchemaCousins adds a lateral link between two schemas.
func (d *DB) LinkSchemaCousins(kind SchemaKind, a, b string, s *types.Session) error {
	return d.editSchemaRelations(kind, s, func(r *store.Relations[string]) error {
		return r.LateralLink(a, b)
	})
}

// UnlinkSchemaCousins removes a lateral link between two schemas.
func (d *DB) UnlinkSchemaCousins(kind SchemaKind, a, b string, s *types.Session) error {
	return d.editSchemaRelations(kind, s, func(r *store.Relations[string]) error {
		return r.LateralUnlink(a, b)
	})
}

func (d *DB) editSchemaRelations(kind SchemaKind, s *types.Session, fn func(*store.Relations[string]) error) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireCreate(s, "link "+string(kind)); err != nil {
		return err
	}
	if _, err := d.schemaRelations(kind); err != nil {
		return err
	}
	return d.update(func(t *DB) error {
		r, err := t.schemaRelations(kind)
		if err != nil {
			return err
		}
		return fn(r)
	})
}

// SchemaChildren lists the children of a schema.
func (d *DB) SchemaChildren(kind SchemaKind, name string) ([]string, error) {
	r, err := d.schemaRelations(kind)
	if err != nil {
		return nil, err
	}
	edges, err := r.Children(name, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.Key
	}
	return out, nil
}

// SchemaParents lists the parents of a schema.
func (d *DB) SchemaParents(kind SchemaKind, name string) ([]string, error) {
	r, err := d.schemaRelations(kind)
	if err != nil {
		return nil, err
	}
	return r.Parents(name)
}

// SchemaCousins lists the lateral links of a schema.
func (d *DB) SchemaCousins(kind SchemaKind, name string) ([]string, error) {
	r, err := d.schemaRelations(kind)
	if err != nil {
		return nil, err
	}
	return r.Cousins(name)
}

// SchemaDescendants returns the schemas below name up to depth levels.
func (d *DB) SchemaDescendants(kind SchemaKind, name string, depth int) ([]string, error) {
	r, err := d.schemaRelations(kind)
	if err != nil {
		return nil, err
	}
	return r.Walk(name, store.Down, depth, nil)
}
