package database

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// NewRecord returns an unsaved record of the given type bound to the
// session. With withDefaults, fields receive the defaults declared in the
// type's templates.
func (d *DB) NewRecord(rectype string, s *types.Session, withDefaults bool) (*types.Record, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if err := requireCreate(s, "create record"); err != nil {
		return nil, err
	}
	rd, err := d.recordDef(rectype, s)
	if err != nil {
		return nil, err
	}
	rec := types.NewRecord(rectype)
	if withDefaults {
		for _, name := range rd.ParamNames() {
			v := rd.Params[name]
			if v == nil || types.IsBuiltin(name) {
				continue
			}
			pd, err := d.GetParamDef(name)
			if err != nil {
				return nil, err
			}
			nv, err := pd.Normalize(d.reg, v)
			if err != nil {
				return nil, fmt.Errorf("recorddef %s default: %w", rectype, err)
			}
			if err := rec.Set(name, nv); err != nil {
				return nil, err
			}
		}
	}
	rec.Bind(s, d.timestamp())
	return rec, nil
}

// paramDef loads the definition of a record field. A missing definition
// is a schema violation.
func (d *DB) paramDef(name string) (*types.ParamDef, error) {
	pd, err := d.GetParamDef(name)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: no paramdef for field %q", types.ErrSchemaViolation, name)
	}
	return pd, err
}

// normalizeParams validates and converts every populated field of rec.
// Values that normalize to nothing are dropped.
func (d *DB) normalizeParams(rec *types.Record) (map[string]any, map[string]*types.ParamDef, error) {
	params := make(map[string]any)
	pds := make(map[string]*types.ParamDef)
	for name, v := range rec.Params() {
		pd, err := d.paramDef(name)
		if err != nil {
			return nil, nil, err
		}
		nv, err := pd.Normalize(d.reg, v)
		if err != nil {
			return nil, nil, err
		}
		pds[name] = pd
		if nv != nil {
			params[name] = nv
		}
	}
	return params, pds, nil
}

// loadRecord reads a stored record and restores typed field values.
func (d *DB) loadRecord(id uint64) (*types.Record, error) {
	rec, ok, err := d.records.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("record", id)
	}
	params := rec.Params()
	for name, v := range params {
		pd, err := d.GetParamDef(name)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if nv, err := pd.Normalize(d.reg, v); err == nil {
			params[name] = nv
		}
	}
	rec.ReplaceParams(params)
	return &rec, nil
}

// PutRecord commits a record. A record without an id is created: the
// session needs the create group, the record gets a fresh id and every
// field is indexed. A record with an id is updated: access is evaluated
// against the stored version, only changed fields are reindexed and each
// change is logged as a comment. A commit that changes nothing has no
// side effects. The stored record is returned bound to the session.
func (d *DB) PutRecord(rec *types.Record, s *types.Session) (*types.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", types.ErrValidation)
	}
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	var out *types.Record
	if rec.ID == 0 {
		out, err = d.createRecord(rec, s)
	} else {
		out, err = d.updateRecord(rec, s)
	}
	if err != nil {
		return nil, err
	}
	out.Bind(s, d.timestamp())
	return out, nil
}

func (d *DB) createRecord(rec *types.Record, s *types.Session) (*types.Record, error) {
	if err := requireCreate(s, "create record"); err != nil {
		return nil, err
	}
	if _, err := d.recordDef(rec.RecType, s); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: unknown rectype %q", types.ErrSchemaViolation, rec.RecType)
		}
		return nil, err
	}

	now := d.timestamp()
	next := rec.Clone()
	next.Bind(s, now)
	if err := next.Permissions.Validate(); err != nil {
		return nil, err
	}
	next.Permissions = next.Permissions.Normalized()
	params, pds, err := d.normalizeParams(next)
	if err != nil {
		return nil, err
	}
	next.ReplaceParams(params)
	if next.Creator == "" {
		next.Creator = s.Username
	}
	if next.CreationTime.IsZero() {
		next.CreationTime = now
	}
	next.ModifyUser = s.Username
	next.ModifyTime = now
	next.Comments = stamp(next.Comments, s.Username, now)

	err = d.update(func(t *DB) error {
		id, err := t.next(seqRecords)
		if err != nil {
			return err
		}
		next.ID = id
		return t.insertRecord(next, pds)
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug().Uint64("recid", next.ID).Str("rectype", next.RecType).Str("user", s.Username).Msg("record created")
	return next, nil
}

// insertRecord stores a new record and adds it to every index. It runs
// inside the caller's update.
func (d *DB) insertRecord(rec *types.Record, pds map[string]*types.ParamDef) error {
	if err := d.records.Put(rec.ID, rec); err != nil {
		return err
	}
	for name, v := range rec.Params() {
		pd, ok := pds[name]
		if !ok {
			var err error
			if pd, err = d.paramDef(name); err != nil {
				return err
			}
		}
		if err := d.reindexField(pd, nil, v, rec.ID); err != nil {
			return err
		}
	}
	if err := d.reindexSecurity(rec.ID, nil, readers(rec.Owner, rec.Permissions)); err != nil {
		return err
	}
	if err := d.index(d.recTypeIndex).AddRef(rec.RecType, rec.ID); err != nil {
		return err
	}
	return d.index(d.modTimeIndex).AddRef(timeKey(rec.ModifyTime), rec.ID)
}

func (d *DB) updateRecord(rec *types.Record, s *types.Session) (*types.Record, error) {
	if d.inBulk() {
		return nil, types.ErrBulkMode
	}
	var out *types.Record
	err := d.update(func(t *DB) error {
		old, err := t.loadRecord(rec.ID)
		if err != nil {
			return err
		}
		access := types.Evaluate(s, old.Owner, old.Permissions)
		deny := func(op, target string) error {
			return &types.PermissionError{Op: op, RecordID: old.ID, Target: target}
		}
		if !access.Read {
			return deny("read", "")
		}

		params, _, err := t.normalizeParams(rec)
		if err != nil {
			return err
		}
		next := rec.Clone()
		next.ReplaceParams(params)
		if err := next.Permissions.Validate(); err != nil {
			return err
		}
		next.Permissions = next.Permissions.Normalized()

		now := t.timestamp()
		var audit []string

		changed := old.Changes(next)
		pds := make(map[string]*types.ParamDef, len(changed))
		for _, name := range changed {
			if !access.Write {
				return deny("write", name)
			}
			pd, err := t.paramDef(name)
			if err != nil {
				return err
			}
			pds[name] = pd
			ov, _ := old.Get(name)
			nv, _ := next.Get(name)
			audit = append(audit, auditLine(name, ov, nv))
		}

		if next.Owner != old.Owner {
			if !access.Owner {
				return deny("owner", types.KeyOwner)
			}
			if next.Owner == "" {
				return fmt.Errorf("%w: record %d: owner cannot be empty", types.ErrValidation, old.ID)
			}
			audit = append(audit, auditLine(types.KeyOwner, old.Owner, next.Owner))
		}
		if next.RecType != old.RecType {
			if !access.Owner {
				return deny("owner", types.KeyRecType)
			}
			ok, err := t.recordDefs.Contains(next.RecType)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: unknown rectype %q", types.ErrSchemaViolation, next.RecType)
			}
			audit = append(audit, auditLine(types.KeyRecType, old.RecType, next.RecType))
		}
		if next.Creator != old.Creator {
			if !access.Owner {
				return deny("owner", types.KeyCreator)
			}
			audit = append(audit, auditLine(types.KeyCreator, old.Creator, next.Creator))
		}
		if !next.CreationTime.Equal(old.CreationTime) {
			if !access.Owner {
				return deny("owner", types.KeyCreationTime)
			}
			audit = append(audit, auditLine(types.KeyCreationTime,
				timeKey(old.CreationTime), timeKey(next.CreationTime)))
		}
		permsChanged := !next.Permissions.Equal(old.Permissions)
		if permsChanged {
			if !access.Write {
				return deny("write", types.KeyPermissions)
			}
			audit = append(audit, auditLine(types.KeyPermissions,
				formatPermissions(old.Permissions), formatPermissions(next.Permissions)))
		}

		added := stamp(newComments(old.Comments, next.Comments), s.Username, now)
		for _, c := range added {
			if !access.Comment {
				return deny("comment", types.KeyComments)
			}
			if len(types.InlineUpdates(c.Text)) > 0 && !access.Write {
				return deny("write", types.KeyComments)
			}
		}

		if len(audit) == 0 && len(added) == 0 {
			out = old
			return nil
		}

		next.Comments = append(append([]types.Comment(nil), old.Comments...), added...)
		for _, line := range audit {
			next.Comments = append(next.Comments, types.Comment{Author: s.Username, Time: now, Text: line})
		}
		next.ModifyUser = s.Username
		next.ModifyTime = now

		if err := t.records.Put(next.ID, next); err != nil {
			return err
		}
		for _, name := range changed {
			ov, _ := old.Get(name)
			nv, _ := next.Get(name)
			if err := t.reindexField(pds[name], ov, nv, next.ID); err != nil {
				return err
			}
		}
		if err := moveRef(t.recTypeIndex, old.RecType, next.RecType, next.ID); err != nil {
			return err
		}
		if permsChanged || next.Owner != old.Owner {
			if err := t.reindexSecurity(next.ID,
				readers(old.Owner, old.Permissions), readers(next.Owner, next.Permissions)); err != nil {
				return err
			}
		}
		if err := moveRef(t.modTimeIndex, timeKey(old.ModifyTime), timeKey(next.ModifyTime), next.ID); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug().Uint64("recid", out.ID).Str("user", s.Username).Msg("record committed")
	return out, nil
}

// stamp attributes comments to the committing user at the commit time,
// whatever author and time the caller filled in.
func stamp(cs []types.Comment, user string, now time.Time) []types.Comment {
	if len(cs) == 0 {
		return nil
	}
	out := make([]types.Comment, len(cs))
	for i, c := range cs {
		out[i] = types.Comment{Author: user, Time: now, Text: c.Text}
	}
	return out
}

// newComments returns the entries of next that old does not hold.
func newComments(old, next []types.Comment) []types.Comment {
	var out []types.Comment
	for _, c := range next {
		found := false
		for _, o := range old {
			if o.Author == c.Author && o.Text == c.Text && o.Time.Equal(c.Time) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, c)
		}
	}
	return out
}

func auditLine(field string, old, next any) string {
	return fmt.Sprintf("%s: %s -> %s", field, formatValue(old), formatValue(next))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(unset)"
	case string:
		if x == "" {
			return "(unset)"
		}
		return x
	}
	return fmt.Sprint(v)
}

func formatPermissions(p types.Permissions) string {
	join := func(ps []types.Principal) string {
		ss := make([]string, len(ps))
		for i, x := range ps {
			ss[i] = string(x)
		}
		return "[" + strings.Join(ss, " ") + "]"
	}
	return fmt.Sprintf("read=%s comment=%s write=%s", join(p.Read), join(p.Comment), join(p.Write))
}

func timeKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(types.DateTimeLayout)
}

// GetRecord returns a record the session can read.
func (d *DB) GetRecord(id uint64, s *types.Session) (*types.Record, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	return d.getRecord(id, s)
}

func (d *DB) getRecord(id uint64, s *types.Session) (*types.Record, error) {
	rec, err := d.loadRecord(id)
	if err != nil {
		return nil, err
	}
	rec.Bind(s, d.timestamp())
	if !rec.Access().Read {
		return nil, &types.PermissionError{Op: "read", RecordID: id}
	}
	return rec, nil
}

// TryGetRecord looks up a record: ok is false when the record does not
// exist or the session cannot read it. Only storage failures are errors.
func (d *DB) TryGetRecord(id uint64, s *types.Session) (*types.Record, bool, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, false, err
	}
	return d.tryGetRecord(id, s)
}

func (d *DB) tryGetRecord(id uint64, s *types.Session) (*types.Record, bool, error) {
	rec, err := d.getRecord(id, s)
	if err == nil {
		return rec, true, nil
	}
	if isNotFound(err) || isDenied(err) {
		return nil, false, nil
	}
	return nil, false, err
}

// GetRecords returns the readable records among ids in ascending id
// order. Missing and unreadable ids are skipped.
func (d *DB) GetRecords(ids []uint64, s *types.Session) ([]*types.Record, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []*types.Record
	var last uint64
	for i, id := range sorted {
		if i > 0 && id == last {
			continue
		}
		last = id
		rec, ok, err := d.tryGetRecord(id, s)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ReadableRecords returns the ids of every record the session can read.
func (d *DB) ReadableRecords(s *types.Session) (*roaring64.Bitmap, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	return d.readableRecords(s)
}

// readableRecords evaluates the security index for s as given.
func (d *DB) readableRecords(s *types.Session) (*roaring64.Bitmap, error) {
	if s.IsAdmin() || s.IsReadAdmin() {
		return d.AllRecords()
	}
	out := roaring64.New()
	for _, p := range s.PrincipalList() {
		bm, err := d.secIndex.Get(string(p))
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	return out, nil
}

// ReadableBy returns the records the named user can read, as seen by the
// session. Anonymous sessions may not ask about users.
func (d *DB) ReadableBy(name string, s *types.Session) (*roaring64.Bitmap, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if !s.Authenticated() {
		return nil, &types.PermissionError{Op: "read", Target: "user " + name}
	}
	u, err := d.loadUser(name)
	if err != nil {
		return nil, err
	}
	ids, err := d.readableRecords(&types.Session{Username: u.Name, Groups: u.Groups})
	if err != nil {
		return nil, err
	}
	return d.filterReadable(ids, s)
}

// filterReadable intersects ids with the session's readable set.
func (d *DB) filterReadable(ids *roaring64.Bitmap, s *types.Session) (*roaring64.Bitmap, error) {
	if s.IsAdmin() || s.IsReadAdmin() {
		return ids, nil
	}
	readable, err := d.readableRecords(s)
	if err != nil {
		return nil, err
	}
	return roaring64.And(ids, readable), nil
}

// GetIndexByRecordDef returns the readable records of a document type.
func (d *DB) GetIndexByRecordDef(rectype string, s *types.Session) (*roaring64.Bitmap, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	ids, err := d.recTypeIndex.Get(rectype)
	if err != nil {
		return nil, err
	}
	return d.filterReadable(ids, s)
}

// ModifiedBetween returns the readable records last modified within
// [from, to]. A zero bound is open.
func (d *DB) ModifiedBetween(from, to time.Time, s *types.Session) (*roaring64.Bitmap, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	var lo, hi any
	if !from.IsZero() {
		lo = timeKey(from)
	}
	if !to.IsZero() {
		hi = timeKey(to)
	}
	ids, err := d.modTimeIndex.ValuesInRange(lo, hi)
	if err != nil {
		return nil, err
	}
	return d.filterReadable(ids, s)
}
