package database

import (
	"fmt"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// AddParamDef defines a new field. Requires the create group; an existing
// name is a schema violation.
func (d *DB) AddParamDef(pd *types.ParamDef, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireCreate(s, "create paramdef"); err != nil {
		return err
	}
	def := *pd
	if err := def.Validate(d.reg); err != nil {
		return err
	}
	def.Creator = s.Username
	def.CreationTime = d.timestamp()

	err = d.update(func(t *DB) error {
		exists, err := t.paramDefs.Contains(def.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: paramdef %q already defined", types.ErrSchemaViolation, def.Name)
		}
		if err := t.paramDefs.Put(def.Name, &def); err != nil {
			return err
		}
		// Open the index with the definition so readers find its table.
		_, err = t.paramIndex(&def)
		return err
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("paramdef", def.Name).Str("vartype", def.VarType).Msg("paramdef created")
	return nil
}

// GetParamDef returns a field definition. Paramdefs are public.
func (d *DB) GetParamDef(name string) (*types.ParamDef, error) {
	pd, ok, err := d.paramDefs.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("paramdef", name)
	}
	return &pd, nil
}

// GetParamDefNames returns every field name in order.
func (d *DB) GetParamDefNames() ([]string, error) {
	return d.paramDefs.Keys()
}

// AddChoices appends choices to a choice or string field.
func (d *DB) AddChoices(name string, choices []string, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireCreate(s, "edit paramdef"); err != nil {
		return err
	}
	return d.update(func(t *DB) error {
		pd, err := t.GetParamDef(name)
		if err != nil {
			return err
		}
		if err := pd.AddChoices(choices...); err != nil {
			return err
		}
		return t.paramDefs.Put(name, pd)
	})
}

// FixParamDef corrects an existing field definition in place. It is an
// administrator escape hatch for typos: descriptions, property and units
// may change, choices may only be appended to (nil keeps them), the
// vartype may not change, and existing records are not reindexed.
func (d *DB) FixParamDef(pd *types.ParamDef, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if err := requireAdmin(s, "fix paramdef"); err != nil {
		return err
	}
	err = d.update(func(t *DB) error {
		cur, err := t.GetParamDef(pd.Name)
		if err != nil {
			return err
		}
		if pd.VarType != cur.VarType {
			return fmt.Errorf("%w: paramdef %q: vartype cannot change from %q to %q",
				types.ErrSchemaViolation, pd.Name, cur.VarType, pd.VarType)
		}
		fixed := *cur
		if pd.Choices != nil {
			if !cur.ChoicesExtend(pd.Choices) {
				return fmt.Errorf("%w: paramdef %q: choices may only be appended to",
					types.ErrSchemaViolation, pd.Name)
			}
			fixed.Choices = pd.Choices
		}
		fixed.Desc = pd.Desc
		fixed.LongDesc = pd.LongDesc
		fixed.Property = pd.Property
		fixed.DefaultUnits = pd.DefaultUnits
		if err := fixed.Validate(t.reg); err != nil {
			return err
		}
		return t.paramDefs.Put(fixed.Name, &fixed)
	})
	if err != nil {
		return err
	}
	d.log.Warn().Str("paramdef", pd.Name).Str("by", s.Username).Msg("paramdef fixed")
	return nil
}
