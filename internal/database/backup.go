package database

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// Backup entry kinds.
const (
	EntryUser      = "user"
	EntryParamDef  = "paramdef"
	EntryRecordDef = "recorddef"
	EntryRecord    = "record"
	EntryRelations = "relations"
)

const maxEntrySize = 64 << 20

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// BackupOptions selects what a backup contains and how it is compressed.
type BackupOptions struct {
	// Compression is types.CompressionNone, CompressionZstd or
	// CompressionLZ4. Empty means none.
	Compression string
	// Users restricts the user entries written; nil writes every user.
	Users []string
}

// Related is one child of a parent in a relations block.
type Related struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// RelationsBlock holds the relation tables of one collection.
type RelationsBlock struct {
	Collection string               `json:"collection"`
	PC         map[string][]Related `json:"pc"`
	Cousins    map[string][]string  `json:"cousins"`
}

// Entry is one line of a backup stream.
type Entry struct {
	Kind      string           `json:"kind"`
	User      *types.User      `json:"user,omitempty"`
	ParamDef  *types.ParamDef  `json:"paramdef,omitempty"`
	RecordDef *types.RecordDef `json:"recorddef,omitempty"`
	Record    *types.Record    `json:"record,omitempty"`
	Relations *RelationsBlock  `json:"relations,omitempty"`
}

// RestoreReport summarizes a restore.
type RestoreReport struct {
	Users      int               `json:"users"`
	ParamDefs  int               `json:"paramdefs"`
	RecordDefs int               `json:"recorddefs"`
	Records    int               `json:"records"`
	Links      int               `json:"links"`
	Collisions []string          `json:"collisions,omitempty"`
	Skipped    []string          `json:"skipped,omitempty"`
	IDMap      map[uint64]uint64 `json:"idmap,omitempty"`
}

// Backup writes users, paramdefs, recorddefs and records with their
// relations to w as a JSONL stream. Requires an admin or read-only admin.
func (d *DB) Backup(w io.Writer, opts BackupOptions, s *types.Session) error {
	s, err := d.authorize(s)
	if err != nil {
		return err
	}
	if !s.IsAdmin() && !s.IsReadAdmin() {
		return &types.PermissionError{Op: "backup"}
	}

	var closer io.Closer
	switch opts.Compression {
	case "", types.CompressionNone:
	case types.CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		w, closer = enc, enc
	case types.CompressionLZ4:
		lw := lz4.NewWriter(w)
		w, closer = lw, lw
	default:
		return fmt.Errorf("%w: %q", types.ErrCompressionUnknown, opts.Compression)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	n, err := d.writeBackup(enc, opts)
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing backup: %w", err)
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("closing compressor: %w", err)
		}
	}
	d.log.Info().Int("entries", n).Str("compression", opts.Compression).Msg("backup written")
	return nil
}

func (d *DB) writeBackup(enc *json.Encoder, opts BackupOptions) (int, error) {
	n := 0
	write := func(e Entry) error {
		n++
		return enc.Encode(e)
	}

	var werr error
	wanted := func(name string) bool {
		if opts.Users == nil {
			return true
		}
		for _, u := range opts.Users {
			if u == name {
				return true
			}
		}
		return false
	}
	err := d.users.Range(func(name string, u types.User) bool {
		if wanted(name) {
			werr = write(Entry{Kind: EntryUser, User: &u})
		}
		return werr == nil
	})
	if err = firstErr(err, werr); err != nil {
		return n, err
	}

	err = d.paramDefs.Range(func(_ string, pd types.ParamDef) bool {
		werr = write(Entry{Kind: EntryParamDef, ParamDef: &pd})
		return werr == nil
	})
	if err = firstErr(err, werr); err != nil {
		return n, err
	}
	block, err := relationsBlock(collParamDefs, d.paramDefRels, func(k string) string { return k })
	if err != nil {
		return n, err
	}
	if err := write(Entry{Kind: EntryRelations, Relations: block}); err != nil {
		return n, err
	}

	err = d.recordDefs.Range(func(_ string, rd types.RecordDef) bool {
		werr = write(Entry{Kind: EntryRecordDef, RecordDef: &rd})
		return werr == nil
	})
	if err = firstErr(err, werr); err != nil {
		return n, err
	}
	block, err = relationsBlock(collRecordDefs, d.recordDefRels, func(k string) string { return k })
	if err != nil {
		return n, err
	}
	if err := write(Entry{Kind: EntryRelations, Relations: block}); err != nil {
		return n, err
	}

	err = d.records.Range(func(_ uint64, rec types.Record) bool {
		werr = write(Entry{Kind: EntryRecord, Record: &rec})
		return werr == nil
	})
	if err = firstErr(err, werr); err != nil {
		return n, err
	}
	rblock, err := relationsBlock(collRecords, d.recordRels, func(k uint64) string {
		return strconv.FormatUint(k, 10)
	})
	if err != nil {
		return n, err
	}
	return n, write(Entry{Kind: EntryRelations, Relations: rblock})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func relationsBlock[K store.Key](name string, r *store.Relations[K], format func(K) string) (*RelationsBlock, error) {
	block := &RelationsBlock{
		Collection: name,
		PC:         make(map[string][]Related),
		Cousins:    make(map[string][]string),
	}
	edges, err := r.Edges()
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		p := format(e.Parent)
		block.PC[p] = append(block.PC[p], Related{Key: format(e.Child), Label: e.Label})
	}
	pairs, err := r.CousinPairs()
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		a := format(pair[0])
		block.Cousins[a] = append(block.Cousins[a], format(pair[1]))
	}
	return block, nil
}

// BackupFile writes a backup to path atomically: the stream goes to a
// temporary file that is synced and renamed into place.
func (d *DB) BackupFile(path string, opts BackupOptions, s *types.Session) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := d.Backup(tmp, opts, s); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// RestoreFile restores the backup stored at path.
func (d *DB) RestoreFile(path string, s *types.Session) (*RestoreReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return d.Restore(f, s)
}

// decompress detects the stream's compression from its magic bytes.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("reading backup header: %w", err)
	}
	switch {
	case bytes.Equal(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return dec, dec.Close, nil
	case bytes.Equal(head, lz4Magic):
		return lz4.NewReader(br), func() {}, nil
	}
	return br, func() {}, nil
}

// restore stages; entries must arrive in non-decreasing stage order.
const (
	stageUsers = iota
	stageParamDefs
	stageParamDefRelations
	stageRecordDefs
	stageRecordDefRelations
	stageRecords
	stageRecordRelations
)

type restorer struct {
	d      *DB
	s      *types.Session
	report *RestoreReport
	stage  int
	// records holding child/link fields, by new id
	refs []uint64
}

// Restore replays a backup stream. Users and schemas keep their names;
// existing names are reported as collisions and left untouched. Records
// get new ids, and relation endpoints and record reference fields are
// translated. Record indices are built in bulk mode and flushed once.
// The whole restore is one mutation. Requires an admin.
func (d *DB) Restore(r io.Reader, s *types.Session) (*RestoreReport, error) {
	s, err := d.authorize(s)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(s, "restore"); err != nil {
		return nil, err
	}
	in, done, err := decompress(r)
	if err != nil {
		return nil, err
	}
	defer done()

	rs := &restorer{s: s, report: &RestoreReport{IDMap: make(map[uint64]uint64)}}
	if err := d.beginBulk(); err != nil {
		return nil, err
	}
	err = d.update(func(t *DB) error {
		rs.d = t
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64<<10), maxEntrySize)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				rs.skip("line %d: malformed entry", line)
				continue
			}
			if err := rs.apply(&e); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading backup: %w", err)
		}
		if err := rs.remapReferences(); err != nil {
			return err
		}
		return t.flushIndices()
	})
	if err != nil {
		d.abortBulk()
		return nil, err
	}
	rep := rs.report
	d.log.Info().
		Int("users", rep.Users).
		Int("paramdefs", rep.ParamDefs).
		Int("recorddefs", rep.RecordDefs).
		Int("records", rep.Records).
		Int("links", rep.Links).
		Int("collisions", len(rep.Collisions)).
		Int("skipped", len(rep.Skipped)).
		Msg("restore complete")
	return rep, nil
}

func (rs *restorer) skip(format string, args ...any) {
	rs.report.Skipped = append(rs.report.Skipped, fmt.Sprintf(format, args...))
}

func (rs *restorer) advance(stage int, kind string) error {
	if stage < rs.stage {
		return fmt.Errorf("%w: %s entry out of order", types.ErrValidation, kind)
	}
	rs.stage = stage
	return nil
}

func (rs *restorer) apply(e *Entry) error {
	d := rs.d
	switch e.Kind {
	case EntryUser:
		if e.User == nil {
			return fmt.Errorf("%w: user entry without user", types.ErrValidation)
		}
		if err := rs.advance(stageUsers, e.Kind); err != nil {
			return err
		}
		ok, err := d.users.Contains(e.User.Name)
		if err != nil {
			return err
		}
		if ok {
			rs.report.Collisions = append(rs.report.Collisions, "user:"+e.User.Name)
			return nil
		}
		rs.report.Users++
		return d.users.Put(e.User.Name, e.User)

	case EntryParamDef:
		if e.ParamDef == nil {
			return fmt.Errorf("%w: paramdef entry without paramdef", types.ErrValidation)
		}
		if err := rs.advance(stageParamDefs, e.Kind); err != nil {
			return err
		}
		ok, err := d.paramDefs.Contains(e.ParamDef.Name)
		if err != nil {
			return err
		}
		if ok {
			rs.report.Collisions = append(rs.report.Collisions, "paramdef:"+e.ParamDef.Name)
			return nil
		}
		if err := e.ParamDef.Validate(d.reg); err != nil {
			rs.skip("paramdef %s: %v", e.ParamDef.Name, err)
			return nil
		}
		rs.report.ParamDefs++
		return d.paramDefs.Put(e.ParamDef.Name, e.ParamDef)

	case EntryRecordDef:
		if e.RecordDef == nil {
			return fmt.Errorf("%w: recorddef entry without recorddef", types.ErrValidation)
		}
		if err := rs.advance(stageRecordDefs, e.Kind); err != nil {
			return err
		}
		rd := e.RecordDef
		ok, err := d.recordDefs.Contains(rd.Name)
		if err != nil {
			return err
		}
		if ok {
			rs.report.Collisions = append(rs.report.Collisions, "recorddef:"+rd.Name)
			return nil
		}
		rd.FindParams()
		if err := firstErr(rd.Validate(), d.checkTemplateParams(rd)); err != nil {
			rs.skip("recorddef %s: %v", rd.Name, err)
			return nil
		}
		rs.report.RecordDefs++
		return d.recordDefs.Put(rd.Name, rd)

	case EntryRecord:
		if e.Record == nil {
			return fmt.Errorf("%w: record entry without record", types.ErrValidation)
		}
		if err := rs.advance(stageRecords, e.Kind); err != nil {
			return err
		}
		return rs.record(e.Record)

	case EntryRelations:
		if e.Relations == nil {
			return fmt.Errorf("%w: relations entry without relations", types.ErrValidation)
		}
		return rs.relations(e.Relations)
	}
	rs.skip("unknown entry kind %q", e.Kind)
	return nil
}

func (rs *restorer) record(rec *types.Record) error {
	d := rs.d
	oldID := rec.ID
	ok, err := d.recordDefs.Contains(rec.RecType)
	if err != nil {
		return err
	}
	if !ok {
		rs.skip("record %d: unknown rectype %q", oldID, rec.RecType)
		return nil
	}
	params, pds, err := d.normalizeParams(rec)
	if err != nil {
		rs.skip("record %d: %v", oldID, err)
		return nil
	}
	if err := rec.Permissions.Validate(); err != nil {
		rs.skip("record %d: %v", oldID, err)
		return nil
	}
	rec.ReplaceParams(params)

	id, err := d.next(seqRecords)
	if err != nil {
		return err
	}
	rec.ID = id
	if err := d.insertRecord(rec, pds); err != nil {
		return err
	}
	rs.report.IDMap[oldID] = id
	rs.report.Records++
	for name, pd := range pds {
		if pd.VarType == types.VarChild || pd.VarType == types.VarLink {
			if _, set := params[name]; set {
				rs.refs = append(rs.refs, id)
				break
			}
		}
	}
	return nil
}

func (rs *restorer) relations(block *RelationsBlock) error {
	switch block.Collection {
	case collParamDefs:
		if err := rs.advance(stageParamDefRelations, "paramdef relations"); err != nil {
			return err
		}
		return linkBlock(rs, block, rs.d.paramDefRels, func(k string) (string, bool) { return k, true })
	case collRecordDefs:
		if err := rs.advance(stageRecordDefRelations, "recorddef relations"); err != nil {
			return err
		}
		return linkBlock(rs, block, rs.d.recordDefRels, func(k string) (string, bool) { return k, true })
	case collRecords:
		if err := rs.advance(stageRecordRelations, "record relations"); err != nil {
			return err
		}
		return linkBlock(rs, block, rs.d.recordRels, func(k string) (uint64, bool) {
			old, err := strconv.ParseUint(k, 10, 64)
			if err != nil {
				return 0, false
			}
			id, ok := rs.report.IDMap[old]
			return id, ok
		})
	}
	rs.skip("relations for unknown collection %q", block.Collection)
	return nil
}

// linkBlock replays a relations block. Links whose endpoints were not
// restored are skipped.
func linkBlock[K store.Key](rs *restorer, block *RelationsBlock, r *store.Relations[K], resolve func(string) (K, bool)) error {
	link := func(what string, fn func() error) error {
		err := fn()
		if isNotFound(err) || isValidation(err) {
			rs.skip("%s %s: %v", block.Collection, what, err)
			return nil
		}
		if err == nil {
			rs.report.Links++
		}
		return err
	}
	for _, p := range sortedStrings(block.PC) {
		parent, ok := resolve(p)
		if !ok {
			rs.skip("%s link from %s: endpoint not restored", block.Collection, p)
			continue
		}
		for _, c := range block.PC[p] {
			child, ok := resolve(c.Key)
			if !ok {
				rs.skip("%s link %s→%s: endpoint not restored", block.Collection, p, c.Key)
				continue
			}
			if err := link(p+"→"+c.Key, func() error { return r.Link(parent, child, c.Label) }); err != nil {
				return err
			}
		}
	}
	for _, a := range sortedStrings(block.Cousins) {
		ka, ok := resolve(a)
		if !ok {
			rs.skip("%s cousins of %s: endpoint not restored", block.Collection, a)
			continue
		}
		for _, b := range block.Cousins[a] {
			kb, ok := resolve(b)
			if !ok {
				rs.skip("%s cousin %s~%s: endpoint not restored", block.Collection, a, b)
				continue
			}
			if err := link(a+"~"+b, func() error { return r.LateralLink(ka, kb) }); err != nil {
				return err
			}
		}
	}
	return nil
}

// remapReferences rewrites child and link fields of restored records to
// the new ids. References to records outside the backup are dropped.
func (rs *restorer) remapReferences() error {
	d := rs.d
	for _, id := range rs.refs {
		rec, err := d.loadRecord(id)
		if err != nil {
			return err
		}
		params := rec.Params()
		for name, v := range params {
			pd, err := d.paramDef(name)
			if err != nil {
				return err
			}
			if pd.VarType != types.VarChild && pd.VarType != types.VarLink {
				continue
			}
			ids, _ := v.([]uint64)
			var mapped []uint64
			for _, old := range ids {
				if nid, ok := rs.report.IDMap[old]; ok {
					mapped = append(mapped, nid)
				}
			}
			if len(mapped) == 0 {
				delete(params, name)
			} else {
				params[name] = mapped
			}
		}
		rec.ReplaceParams(params)
		if err := d.records.Put(id, rec); err != nil {
			return err
		}
	}
	return nil
}

func sortedStrings[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
