package types

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

var schemaNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateSchemaName checks a paramdef or recorddef name.
func ValidateSchemaName(name string) error {
	if !schemaNameRE.MatchString(name) {
		return fmt.Errorf("%w: invalid name %q", ErrValidation, name)
	}
	return nil
}

// ParamDef is a named, typed field definition shared by all records.
type ParamDef struct {
	Name         string    `json:"name"`
	VarType      string    `json:"vartype"`
	Property     string    `json:"property,omitempty"`
	DefaultUnits string    `json:"defaultunits,omitempty"`
	Desc         string    `json:"desc_short,omitempty"`
	LongDesc     string    `json:"desc_long,omitempty"`
	Choices      []string  `json:"choices,omitempty"`
	Indexed      bool      `json:"indexed"`
	Creator      string    `json:"creator"`
	CreationTime time.Time `json:"creationtime"`
}

// NewParamDef returns an indexed paramdef of the given type.
func NewParamDef(name, vartype string) *ParamDef {
	return &ParamDef{Name: name, VarType: vartype, Indexed: true}
}

// Validate checks the definition against the registry.
func (pd *ParamDef) Validate(r *Registry) error {
	if err := ValidateSchemaName(pd.Name); err != nil {
		return err
	}
	vt, ok := r.VarType(pd.VarType)
	if !ok {
		return fmt.Errorf("%w: unknown vartype %q", ErrValidation, pd.VarType)
	}
	if pd.Property != "" {
		p, ok := r.Property(pd.Property)
		if !ok {
			return fmt.Errorf("%w: unknown property %q", ErrValidation, pd.Property)
		}
		if pd.DefaultUnits == "" {
			pd.DefaultUnits = p.Default
		}
		if !r.HasUnit(pd.Property, pd.DefaultUnits) {
			return fmt.Errorf("%w: unit %q is not a %s unit", ErrValidation, pd.DefaultUnits, pd.Property)
		}
		if vt.Key != KeyInt && vt.Key != KeyFloat {
			return fmt.Errorf("%w: property %q on non-numeric vartype %q", ErrValidation, pd.Property, pd.VarType)
		}
	} else if pd.DefaultUnits != "" {
		return fmt.Errorf("%w: units without property", ErrValidation)
	}
	if len(pd.Choices) > 0 && pd.VarType != VarChoice && pd.VarType != VarString {
		return fmt.Errorf("%w: choices on vartype %q", ErrValidation, pd.VarType)
	}
	return nil
}

// AddChoices appends new choices, ignoring ones already present. Choices
// are never removed.
func (pd *ParamDef) AddChoices(choices ...string) error {
	if pd.VarType != VarChoice && pd.VarType != VarString {
		return fmt.Errorf("%w: choices on vartype %q", ErrValidation, pd.VarType)
	}
	for _, c := range choices {
		if c == "" {
			return fmt.Errorf("%w: empty choice", ErrValidation)
		}
		if !slices.Contains(pd.Choices, c) {
			pd.Choices = append(pd.Choices, c)
		}
	}
	return nil
}

// ChoicesExtend reports whether next keeps every existing choice in order.
func (pd *ParamDef) ChoicesExtend(next []string) bool {
	if len(next) < len(pd.Choices) {
		return false
	}
	return slices.Equal(pd.Choices, next[:len(pd.Choices)])
}

// Normalize validates and converts a value for this field.
func (pd *ParamDef) Normalize(r *Registry, v any) (any, error) {
	vt, ok := r.VarType(pd.VarType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vartype %q", ErrValidation, pd.VarType)
	}
	out, err := vt.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pd.Name, err)
	}
	if out != nil && pd.VarType == VarChoice && len(pd.Choices) > 0 {
		if s := out.(string); !slices.Contains(pd.Choices, s) {
			return nil, fmt.Errorf("%w: %s: %q is not a valid choice", ErrValidation, pd.Name, s)
		}
	}
	return out, nil
}
