package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeyKind is the key type of the secondary index built for a variable type.
type KeyKind int

// Index key kinds.
const (
	KeyNone KeyKind = iota
	KeyInt
	KeyFloat
	KeyString
)

func (k KeyKind) String() string {
	switch k {
	case KeyInt:
		return "int"
	case KeyFloat:
		return "float"
	case KeyString:
		return "string"
	default:
		return "none"
	}
}

// Variable type names.
const (
	VarInt        = "int"
	VarLongInt    = "longint"
	VarFloat      = "float"
	VarLongFloat  = "longfloat"
	VarChoice     = "choice"
	VarString     = "string"
	VarText       = "text"
	VarTime       = "time"
	VarDate       = "date"
	VarDateTime   = "datetime"
	VarIntList    = "intlist"
	VarFloatList  = "floatlist"
	VarStringList = "stringlist"
	VarURL        = "url"
	VarHDF        = "hdf"
	VarImage      = "image"
	VarBinary     = "binary"
	VarChild      = "child"
	VarLink       = "link"
	VarBoolean    = "boolean"
	VarOpaque     = "opaque"
)

// Normalized value layouts for temporal types.
const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04:05"
	DateTimeLayout = time.RFC3339
)

// VarType describes how values of one variable type are normalized and
// indexed.
type VarType struct {
	Name string
	Key  KeyKind
	// List types are indexed once per element.
	List bool
	// Words types are indexed once per distinct word.
	Words bool
	// Temporal types hold date, time or datetime strings.
	Temporal bool

	normalize func(any) (any, error)
}

// Normalize converts v to the canonical Go value of the type. Nil, empty
// strings and empty lists normalize to nil, meaning "unset".
func (vt *VarType) Normalize(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	out, err := vt.normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s value %v: %v", ErrValidation, vt.Name, v, err)
	}
	if isEmpty(out) {
		return nil, nil
	}
	return out, nil
}

// IndexKeys returns the index keys for a normalized value. Word types
// return the whole string; callers split it.
func (vt *VarType) IndexKeys(v any) []any {
	if v == nil || vt.Key == KeyNone {
		return nil
	}
	switch x := v.(type) {
	case []int64:
		keys := make([]any, 0, len(x))
		for _, e := range x {
			keys = append(keys, e)
		}
		return keys
	case []float64:
		keys := make([]any, 0, len(x))
		for _, e := range x {
			keys = append(keys, e)
		}
		return keys
	case []string:
		keys := make([]any, 0, len(x))
		for _, e := range x {
			keys = append(keys, e)
		}
		return keys
	case bool:
		if x {
			return []any{int64(1)}
		}
		return []any{int64(0)}
	default:
		return []any{x}
	}
}

// ParseKey converts a query literal into an index key of the given kind.
func ParseKey(kind KeyKind, s string) (any, error) {
	switch kind {
	case KeyInt:
		switch strings.ToLower(s) {
		case "true", "yes":
			return int64(1), nil
		case "false", "no":
			return int64(0), nil
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrValidation, s)
		}
		return int64(math.Floor(f)), nil
	case KeyFloat:
		f, err := toFloat64(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrValidation, s)
		}
		return f, nil
	case KeyString:
		return s, nil
	default:
		return nil, fmt.Errorf("%w: field is not indexed", ErrValidation)
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case []int64:
		return len(x) == 0
	case []float64:
		return len(x) == 0
	case []uint64:
		return len(x) == 0
	}
	return false
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("overflow")
		}
		return int64(x), nil
	case float32:
		return toInt64(float64(x))
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func toFloat64(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case int, int32, int64, uint, uint32, uint64:
		i, err := toInt64(x)
		if err != nil {
			return 0, err
		}
		f = float64(i)
	case float32:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, err
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}

// ToFloat converts a normalized scalar value to float64 for plotting and
// binning. Booleans map to 0/1; temporal strings to Unix seconds.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		if t, err := ParseTemporal(x); err == nil {
			return float64(t.Unix()), true
		}
	}
	f, err := toFloat64(v)
	return f, err == nil
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("unsupported type %T", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1", "y":
			return true, nil
		case "false", "no", "0", "n":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean")
	}
	i, err := toInt64(v)
	if err != nil || (i != 0 && i != 1) {
		return false, fmt.Errorf("not a boolean")
	}
	return i == 1, nil
}

func toList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []uint64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	}
	return []any{v}
}

var dateLayouts = []string{DateLayout, "2006/01/02", "2006-01", "2006"}

var timeLayouts = []string{TimeLayout, "15:04", "15:04:05.000"}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
}

func parseLayouts(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// ParseTemporal parses a normalized date or datetime string.
func ParseTemporal(s string) (time.Time, error) {
	if t, err := parseLayouts(s, dateTimeLayouts); err == nil {
		return t.UTC(), nil
	}
	return parseLayouts(s, dateLayouts)
}

func normalizeDate(v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(DateLayout), nil
	}
	s, err := toString(v)
	if err != nil {
		return nil, err
	}
	t, err := ParseTemporal(s)
	if err != nil {
		return nil, err
	}
	return t.Format(DateLayout), nil
}

func normalizeTime(v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(TimeLayout), nil
	}
	s, err := toString(v)
	if err != nil {
		return nil, err
	}
	t, err := parseLayouts(s, timeLayouts)
	if err != nil {
		return nil, err
	}
	return t.Format(TimeLayout), nil
}

func normalizeDateTime(v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(DateTimeLayout), nil
	}
	s, err := toString(v)
	if err != nil {
		return nil, err
	}
	t, err := ParseTemporal(s)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format(DateTimeLayout), nil
}

func normalizeInt(v any) (any, error) { return toInt64(v) }

func normalizeFloat(v any) (any, error) { return toFloat64(v) }

func normalizeString(v any) (any, error) { return toString(v) }

func normalizeBool(v any) (any, error) { return toBool(v) }

func normalizeOpaque(v any) (any, error) { return v, nil }

func normalizeIntList(v any) (any, error) {
	var out []int64
	for _, e := range toList(v) {
		i, err := toInt64(e)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

func normalizeFloatList(v any) (any, error) {
	var out []float64
	for _, e := range toList(v) {
		f, err := toFloat64(e)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func normalizeStringList(v any) (any, error) {
	var out []string
	for _, e := range toList(v) {
		s, err := toString(e)
		if err != nil {
			return nil, err
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func normalizeIDList(v any) (any, error) {
	var out []uint64
	for _, e := range toList(v) {
		i, err := toInt64(e)
		if err != nil {
			return nil, err
		}
		if i <= 0 {
			return nil, fmt.Errorf("invalid record id %d", i)
		}
		out = append(out, uint64(i))
	}
	return out, nil
}

func defaultVarTypes() []*VarType {
	return []*VarType{
		{Name: VarInt, Key: KeyInt, normalize: normalizeInt},
		{Name: VarLongInt, Key: KeyInt, normalize: normalizeInt},
		{Name: VarFloat, Key: KeyFloat, normalize: normalizeFloat},
		{Name: VarLongFloat, Key: KeyFloat, normalize: normalizeFloat},
		{Name: VarBoolean, Key: KeyInt, normalize: normalizeBool},
		{Name: VarChoice, Key: KeyString, normalize: normalizeString},
		{Name: VarString, Key: KeyString, normalize: normalizeString},
		{Name: VarText, Key: KeyString, Words: true, normalize: normalizeString},
		{Name: VarDate, Key: KeyString, Temporal: true, normalize: normalizeDate},
		{Name: VarTime, Key: KeyString, normalize: normalizeTime},
		{Name: VarDateTime, Key: KeyString, Temporal: true, normalize: normalizeDateTime},
		{Name: VarIntList, Key: KeyInt, List: true, normalize: normalizeIntList},
		{Name: VarFloatList, Key: KeyFloat, List: true, normalize: normalizeFloatList},
		{Name: VarStringList, Key: KeyString, List: true, normalize: normalizeStringList},
		{Name: VarURL, Key: KeyNone, normalize: normalizeString},
		{Name: VarHDF, Key: KeyNone, normalize: normalizeString},
		{Name: VarImage, Key: KeyNone, normalize: normalizeString},
		{Name: VarBinary, Key: KeyNone, normalize: normalizeString},
		{Name: VarChild, Key: KeyNone, List: true, normalize: normalizeIDList},
		{Name: VarLink, Key: KeyNone, List: true, normalize: normalizeIDList},
		{Name: VarOpaque, Key: KeyNone, normalize: normalizeOpaque},
	}
}

// Registry holds the variable types and physical unit classes known to a
// database. It is built once at startup and shared by reference; it must
// not be modified after it is handed to database.Open.
type Registry struct {
	vartypes   map[string]*VarType
	properties map[string]*Property
}

// DefaultRegistry returns a registry with every built-in variable type and
// unit class.
func DefaultRegistry() *Registry {
	r := &Registry{
		vartypes:   make(map[string]*VarType),
		properties: make(map[string]*Property),
	}
	for _, vt := range defaultVarTypes() {
		r.vartypes[vt.Name] = vt
	}
	for _, p := range defaultProperties() {
		r.properties[p.Name] = p
	}
	return r
}

// VarType returns the named variable type.
func (r *Registry) VarType(name string) (*VarType, bool) {
	vt, ok := r.vartypes[name]
	return vt, ok
}

// VarTypeNames returns all variable type names, sorted.
func (r *Registry) VarTypeNames() []string {
	names := make([]string, 0, len(r.vartypes))
	for n := range r.vartypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterVarType adds a custom variable type built on the normalizer of
// an existing one.
func (r *Registry) RegisterVarType(name string, key KeyKind, base string) error {
	if _, ok := r.vartypes[name]; ok {
		return fmt.Errorf("%w: vartype %q already registered", ErrValidation, name)
	}
	b, ok := r.vartypes[base]
	if !ok {
		return fmt.Errorf("%w: base vartype %q", ErrNotFound, base)
	}
	vt := *b
	vt.Name = name
	vt.Key = key
	r.vartypes[name] = &vt
	return nil
}
