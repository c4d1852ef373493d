package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"time"
)

// Built-in record keys that are not backed by a ParamDef.
const (
	KeyOwner        = "owner"
	KeyCreator      = "creator"
	KeyCreationTime = "creationtime"
	KeyPermissions  = "permissions"
	KeyRecType      = "rectype"
	KeyComments     = "comments"
	KeyModifyUser   = "modifyuser"
	KeyModifyTime   = "modifytime"
)

var builtinKeys = map[string]bool{
	KeyOwner:        true,
	KeyCreator:      true,
	KeyCreationTime: true,
	KeyPermissions:  true,
	KeyRecType:      true,
	KeyComments:     true,
	KeyModifyUser:   true,
	KeyModifyTime:   true,
}

// IsBuiltin reports whether key is a built-in record key.
func IsBuiltin(key string) bool { return builtinKeys[key] }

// Comment is one entry of a record's append-only comment log.
type Comment struct {
	Author string    `json:"author"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
}

// fieldValue holds a field's current value and, after the first overwrite,
// the value it replaced. The prior value is a one-level undo and is never
// persisted.
type fieldValue struct {
	current     any
	previous    any
	hasPrevious bool
}

// Record is one document instance.
type Record struct {
	ID           uint64
	RecType      string
	Owner        string
	Creator      string
	CreationTime time.Time
	ModifyUser   string
	ModifyTime   time.Time
	Permissions  Permissions
	Comments     []Comment

	fields  map[string]*fieldValue
	access  Access
	session *Session
}

// NewRecord returns an unsaved, unbound record of the given type.
func NewRecord(rectype string) *Record {
	return &Record{RecType: rectype, fields: make(map[string]*fieldValue)}
}

// Bind attaches the record to a session and evaluates the session's access.
// A record with no owner becomes owned by the session user, who is granted
// write.
func (r *Record) Bind(s *Session, now time.Time) {
	if r.fields == nil {
		r.fields = make(map[string]*fieldValue)
	}
	if r.Owner == "" && r.ID == 0 && s != nil && s.Username != "" {
		r.Owner = s.Username
		r.Creator = s.Username
		r.CreationTime = now.UTC()
		if r.Permissions.Level(Principal(s.Username)) < LevelWrite {
			_ = r.Permissions.Grant(LevelWrite, Principal(s.Username))
		}
	}
	r.session = s
	r.access = Evaluate(s, r.Owner, r.Permissions)
}

// Access returns the evaluated access of the bound session. Unbound records
// report an unevaluated Access.
func (r *Record) Access() Access { return r.access }

// Session returns the bound session, or nil.
func (r *Record) Session() *Session { return r.session }

func (r *Record) require(ok bool, op, target string) error {
	if !r.access.Evaluated || ok {
		return nil
	}
	return &PermissionError{Op: op, RecordID: r.ID, Target: target}
}

// Get returns the current value of a field.
func (r *Record) Get(name string) (any, bool) {
	fv, ok := r.fields[name]
	if !ok || fv.current == nil {
		return nil, false
	}
	return fv.current, true
}

// Value returns a field or built-in value by key.
func (r *Record) Value(key string) (any, bool) {
	switch key {
	case KeyOwner:
		return r.Owner, r.Owner != ""
	case KeyCreator:
		return r.Creator, r.Creator != ""
	case KeyCreationTime:
		return r.CreationTime.UTC().Format(DateTimeLayout), !r.CreationTime.IsZero()
	case KeyModifyUser:
		return r.ModifyUser, r.ModifyUser != ""
	case KeyModifyTime:
		return r.ModifyTime.UTC().Format(DateTimeLayout), !r.ModifyTime.IsZero()
	case KeyRecType:
		return r.RecType, r.RecType != ""
	}
	return r.Get(key)
}

// Previous returns the value a field held before its first overwrite.
func (r *Record) Previous(name string) (any, bool) {
	fv, ok := r.fields[name]
	if !ok || !fv.hasPrevious {
		return nil, false
	}
	return fv.previous, true
}

// Undo restores a field to its prior value and drops the snapshot.
func (r *Record) Undo(name string) bool {
	fv, ok := r.fields[name]
	if !ok || !fv.hasPrevious {
		return false
	}
	fv.current, fv.previous, fv.hasPrevious = fv.previous, nil, false
	return true
}

// Set changes a field or built-in value, enforcing the bound session's
// access: ordinary fields and permissions need write; rectype, owner,
// creator and creationtime need owner.
func (r *Record) Set(key string, v any) error {
	switch key {
	case KeyComments:
		text, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: comment must be a string", ErrValidation)
		}
		return r.AddComment(text)
	case KeyPermissions:
		p, ok := v.(Permissions)
		if !ok {
			return fmt.Errorf("%w: permissions must be a Permissions value", ErrValidation)
		}
		return r.SetPermissions(p)
	case KeyOwner, KeyRecType, KeyCreator, KeyCreationTime:
		if err := r.require(r.access.Owner, "owner", key); err != nil {
			return err
		}
		return r.setBuiltin(key, v)
	case KeyModifyUser, KeyModifyTime:
		return fmt.Errorf("%w: %s is maintained by the database", ErrValidation, key)
	}
	if err := r.require(r.access.Write, "write", key); err != nil {
		return err
	}
	r.setField(key, v)
	return nil
}

func (r *Record) setBuiltin(key string, v any) error {
	switch key {
	case KeyCreationTime:
		switch x := v.(type) {
		case time.Time:
			r.CreationTime = x.UTC()
		case string:
			t, err := ParseTemporal(x)
			if err != nil {
				return fmt.Errorf("%w: creationtime: %v", ErrValidation, err)
			}
			r.CreationTime = t
		default:
			return fmt.Errorf("%w: creationtime must be a time", ErrValidation)
		}
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: %s must be a non-empty string", ErrValidation, key)
	}
	switch key {
	case KeyOwner:
		r.Owner = s
	case KeyCreator:
		r.Creator = s
	case KeyRecType:
		r.RecType = s
	}
	return nil
}

func (r *Record) setField(key string, v any) {
	if r.fields == nil {
		r.fields = make(map[string]*fieldValue)
	}
	fv, ok := r.fields[key]
	if !ok {
		r.fields[key] = &fieldValue{current: v, hasPrevious: true}
		return
	}
	if !fv.hasPrevious {
		fv.previous = fv.current
		fv.hasPrevious = true
	}
	fv.current = v
}

// SetPermissions replaces the permission descriptor. Requires write.
func (r *Record) SetPermissions(p Permissions) error {
	if err := r.require(r.access.Write, "write", KeyPermissions); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	r.Permissions = p.Normalized()
	return nil
}

// AddComment appends to the comment log. Requires comment; inline
// $$field="value" updates in the text are applied and require write.
func (r *Record) AddComment(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty comment", ErrValidation)
	}
	if err := r.require(r.access.Comment, "comment", KeyComments); err != nil {
		return err
	}
	updates := InlineUpdates(text)
	if len(updates) > 0 {
		if err := r.require(r.access.Write, "write", KeyComments); err != nil {
			return err
		}
		for _, k := range sortedKeys(updates) {
			if IsBuiltin(k) {
				return fmt.Errorf("%w: inline update of %s", ErrValidation, k)
			}
			r.setField(k, updates[k])
		}
	}
	author := ""
	if r.session != nil {
		author = r.session.Username
	}
	r.Comments = append(r.Comments, Comment{Author: author, Time: time.Now().UTC(), Text: text})
	return nil
}

// InlineUpdates returns the $$field="value" assignments embedded in text.
func InlineUpdates(text string) map[string]any {
	out := make(map[string]any)
	for _, m := range placeholderRE.FindAllStringSubmatch(text, -1) {
		if m[2] != "" {
			out[m[1]] = m[2]
		}
	}
	return out
}

// Params returns a copy of the populated field values.
func (r *Record) Params() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, fv := range r.fields {
		if fv.current != nil {
			out[k] = fv.current
		}
	}
	return out
}

// ParamNames returns the names of the populated fields, sorted.
func (r *Record) ParamNames() []string {
	return sortedKeys(r.Params())
}

// Clone returns a deep copy that shares no state with r. Prior values are
// not copied.
func (r *Record) Clone() *Record {
	c := *r
	c.Permissions = r.Permissions.Clone()
	c.Comments = append([]Comment(nil), r.Comments...)
	c.fields = make(map[string]*fieldValue, len(r.fields))
	for k, fv := range r.fields {
		c.fields[k] = &fieldValue{current: fv.current}
	}
	return &c
}

// Changes returns the field names whose values differ between r and other,
// including fields present on only one side.
func (r *Record) Changes(other *Record) []string {
	a, b := r.Params(), other.Params()
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	var out []string
	for k := range keys {
		if !reflect.DeepEqual(a[k], b[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ReplaceParams overwrites every field value with params, clearing the
// prior-value snapshots. Used when loading from storage.
func (r *Record) ReplaceParams(params map[string]any) {
	r.fields = make(map[string]*fieldValue, len(params))
	for k, v := range params {
		r.fields[k] = &fieldValue{current: v}
	}
}

type recordJSON struct {
	ID           uint64         `json:"recid"`
	RecType      string         `json:"rectype"`
	Owner        string         `json:"owner"`
	Creator      string         `json:"creator"`
	CreationTime time.Time      `json:"creationtime"`
	ModifyUser   string         `json:"modifyuser,omitempty"`
	ModifyTime   time.Time      `json:"modifytime"`
	Permissions  Permissions    `json:"permissions"`
	Comments     []Comment      `json:"comments"`
	Params       map[string]any `json:"params"`
}

// MarshalJSON encodes the persisted form of the record.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:           r.ID,
		RecType:      r.RecType,
		Owner:        r.Owner,
		Creator:      r.Creator,
		CreationTime: r.CreationTime,
		ModifyUser:   r.ModifyUser,
		ModifyTime:   r.ModifyTime,
		Permissions:  r.Permissions,
		Comments:     r.Comments,
		Params:       r.Params(),
	})
}

// UnmarshalJSON decodes the persisted form. Field values come back as
// generic JSON values; the database normalizes them against their
// ParamDefs.
func (r *Record) UnmarshalJSON(data []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	*r = Record{
		ID:           rj.ID,
		RecType:      rj.RecType,
		Owner:        rj.Owner,
		Creator:      rj.Creator,
		CreationTime: rj.CreationTime,
		ModifyUser:   rj.ModifyUser,
		ModifyTime:   rj.ModifyTime,
		Permissions:  rj.Permissions,
		Comments:     rj.Comments,
	}
	r.ReplaceParams(rj.Params)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range maps.Keys(m) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
