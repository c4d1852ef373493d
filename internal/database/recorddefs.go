package database

import (
	"fmt"
	"maps"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// checkTemplateParams verifies every field referenced by a recorddef's
// templates is defined.
func (d *DB) checkTemplateParams(rd *types.RecordDef) error {
	for _, name := range rd.ParamNames() {
		if types.IsBuiltin(name) {
			continue
		}
		ok, err := d.paramDefs.Contains(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: recorddef %q references undefined paramdef %q",
				types.ErrSchemaViolation, rd.Name, name)
		}
	}
	return nil
}

// AddRecordDef defines a new document type. Requires the create group; an
// existing name is a schema violation.
func (d *DB) AddRecordDef(rd *types.RecordDef, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireCreate(s, "create recorddef"); err != nil {
		return err
	}
	def := *rd
	def.Views = maps.Clone(rd.Views)
	def.Groups = append([]int(nil), rd.Groups...)
	if err := def.Validate(); err != nil {
		return err
	}
	def.FindParams()
	if def.Owner == "" {
		def.Owner = s.Username
	}
	def.Creator = s.Username
	def.CreationTime = d.timestamp()

	err = d.update(func(t *DB) error {
		exists, err := t.recordDefs.Contains(def.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: recorddef %q already defined", types.ErrSchemaViolation, def.Name)
		}
		if err := t.checkTemplateParams(&def); err != nil {
			return err
		}
		return t.recordDefs.Put(def.Name, &def)
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("recorddef", def.Name).Msg("recorddef created")
	return nil
}

func (d *DB) loadRecordDef(name string) (*types.RecordDef, error) {
	rd, ok, err := d.recordDefs.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("recorddef", name)
	}
	return &rd, nil
}

// GetRecordDef returns a document type visible to the session.
func (d *DB) GetRecordDef(name string, s *types.Session) (*types.RecordDef, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	return d.recordDef(name, s)
}

func (d *DB) recordDef(name string, s *types.Session) (*types.RecordDef, error) {
	rd, err := d.loadRecordDef(name)
	if err != nil {
		return nil, err
	}
	if !rd.VisibleTo(s) {
		return nil, &types.PermissionError{Op: "read", Target: "recorddef " + name}
	}
	return rd, nil
}

// GetRecordDefNames lists the document types visible to the session.
func (d *DB) GetRecordDefNames(s *types.Session) ([]string, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	var names []string
	err = d.recordDefs.Range(func(name string, rd types.RecordDef) bool {
		if rd.VisibleTo(s) {
			names = append(names, name)
		}
		return true
	})
	return names, err
}

// UpdateRecordDef changes the editable attributes of a document type:
// alternate views, description, privacy, groups and owner. The main view
// is immutable. Requires the owner or an admin.
func (d *DB) UpdateRecordDef(rd *types.RecordDef, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	err = d.update(func(t *DB) error {
		cur, err := t.loadRecordDef(rd.Name)
		if err != nil {
			return err
		}
		if !s.IsAdmin() && (s.Username == "" || s.Username != cur.Owner) {
			return &types.PermissionError{Op: "owner", Target: "recorddef " + rd.Name}
		}
		if rd.MainView != "" && rd.MainView != cur.MainView {
			return fmt.Errorf("%w: recorddef %q: main view is immutable", types.ErrSchemaViolation, rd.Name)
		}
		next := *cur
		next.Views = maps.Clone(rd.Views)
		next.Desc = rd.Desc
		next.Private = rd.Private
		next.Groups = append([]int(nil), rd.Groups...)
		if rd.Owner != "" {
			next.Owner = rd.Owner
		}
		next.FindParams()
		if err := t.checkTemplateParams(&next); err != nil {
			return err
		}
		return t.recordDefs.Put(next.Name, &next)
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("recorddef", rd.Name).Msg("recorddef updated")
	return nil
}
