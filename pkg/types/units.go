package types

import (
	"fmt"
	"sort"
)

// Property is a physical unit class. Units maps each unit symbol to its
// factor relative to Default (value_in_default = value * factor).
type Property struct {
	Name    string
	Default string
	Units   map[string]float64
}

func defaultProperties() []*Property {
	return []*Property{
		{Name: "length", Default: "m", Units: map[string]float64{
			"km": 1e3, "m": 1, "cm": 1e-2, "mm": 1e-3, "um": 1e-6, "nm": 1e-9, "A": 1e-10, "pm": 1e-12,
		}},
		{Name: "area", Default: "m^2", Units: map[string]float64{
			"m^2": 1, "cm^2": 1e-4, "mm^2": 1e-6, "um^2": 1e-12, "nm^2": 1e-18,
		}},
		{Name: "volume", Default: "L", Units: map[string]float64{
			"L": 1, "mL": 1e-3, "uL": 1e-6, "nL": 1e-9,
		}},
		{Name: "mass", Default: "g", Units: map[string]float64{
			"kg": 1e3, "g": 1, "mg": 1e-3, "ug": 1e-6, "ng": 1e-9, "Da": 1.66054e-24, "kDa": 1.66054e-21,
		}},
		{Name: "time", Default: "s", Units: map[string]float64{
			"d": 86400, "h": 3600, "min": 60, "s": 1, "ms": 1e-3, "us": 1e-6, "ns": 1e-9,
		}},
		{Name: "current", Default: "A", Units: map[string]float64{
			"A": 1, "mA": 1e-3, "uA": 1e-6, "pA": 1e-12,
		}},
		{Name: "voltage", Default: "V", Units: map[string]float64{
			"kV": 1e3, "V": 1, "mV": 1e-3,
		}},
		{Name: "pressure", Default: "Pa", Units: map[string]float64{
			"Pa": 1, "kPa": 1e3, "bar": 1e5, "atm": 101325, "torr": 133.322,
		}},
		{Name: "bytes", Default: "B", Units: map[string]float64{
			"B": 1, "KB": 1 << 10, "MB": 1 << 20, "GB": 1 << 30, "TB": 1 << 40,
		}},
	}
}

// Property returns the named unit class.
func (r *Registry) Property(name string) (*Property, bool) {
	p, ok := r.properties[name]
	return p, ok
}

// PropertyNames returns all unit class names, sorted.
func (r *Registry) PropertyNames() []string {
	names := make([]string, 0, len(r.properties))
	for n := range r.properties {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasUnit reports whether unit belongs to the named unit class.
func (r *Registry) HasUnit(property, unit string) bool {
	p, ok := r.properties[property]
	if !ok {
		return false
	}
	_, ok = p.Units[unit]
	return ok
}

// Convert converts value from one unit to another within a unit class.
func (r *Registry) Convert(value float64, property, from, to string) (float64, error) {
	p, ok := r.properties[property]
	if !ok {
		return 0, fmt.Errorf("%w: property %q", ErrNotFound, property)
	}
	ff, ok := p.Units[from]
	if !ok {
		return 0, fmt.Errorf("%w: unit %q is not a %s unit", ErrValidation, from, property)
	}
	tf, ok := p.Units[to]
	if !ok {
		return 0, fmt.Errorf("%w: unit %q is not a %s unit", ErrValidation, to, property)
	}
	return value * ff / tf, nil
}
