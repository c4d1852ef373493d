// Package query evaluates the text query language over a database: it
// tokenizes and normalizes the text, turns it into set operations over
// the secondary indices, filters by the session's read access, and
// shapes the result as id sets, scatter data or histograms.
package query

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/emen/internal/database"
	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// Source is the part of the database the engine reads.
type Source interface {
	Registry() *types.Registry
	GetRecordDefNames(s *types.Session) ([]string, error)
	GetParamDefNames() ([]string, error)
	GetUserNames(s *types.Session) ([]string, error)
	GetParamDef(name string) (*types.ParamDef, error)
	ParamIndex(name string) (store.RangeIndex, bool, error)
	GetIndexByRecordDef(rectype string, s *types.Session) (*roaring64.Bitmap, error)
	ReadableRecords(s *types.Session) (*roaring64.Bitmap, error)
	ReadableBy(user string, s *types.Session) (*roaring64.Bitmap, error)
	Traverse(id uint64, dir store.Direction, depth int, s *types.Session) (*roaring64.Bitmap, error)
	RecordParents(id uint64, s *types.Session) ([]uint64, error)
	GetRecords(ids []uint64, s *types.Session) ([]*types.Record, error)
}

var _ Source = (*database.DB)(nil)

// MaxGroupDepth is how many parent levels group-by climbs for records
// that lack the grouping field.
const MaxGroupDepth = 3

// NoGroup is the bucket of records with no grouping value.
const NoGroup = "(none)"

// Group is one group-by bucket.
type Group struct {
	Key string   `json:"key"`
	IDs []uint64 `json:"ids"`

	sortKey any
}

// Result is the outcome of a query. Everything except Elapsed is a pure
// function of the query text, the database state and the session.
type Result struct {
	Command   string        `json:"command"`
	Tokens    []Token       `json:"tokens"`
	IDs       []uint64      `json:"ids"`
	GroupBy   string        `json:"groupby,omitempty"`
	Groups    []Group       `json:"groups,omitempty"`
	Plot      *Plot         `json:"plot,omitempty"`
	Histogram *Histogram    `json:"histogram,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Engine runs queries against a Source. It holds no per-query state and
// is safe for concurrent use.
type Engine struct {
	src Source
	log zerolog.Logger
}

// New returns an engine over src.
func New(src Source, log zerolog.Logger) *Engine {
	return &Engine{src: src, log: log.With().Str("component", "query").Logger()}
}

// Query parses and evaluates text for the session. Malformed queries
// return a *types.QueryError.
func (e *Engine) Query(text string, s *types.Session) (*Result, error) {
	start := time.Now()
	if s == nil {
		s = types.AnonymousSession()
	}
	cat, err := e.catalog(s)
	if err != nil {
		return nil, err
	}
	tokens, err := normalize(tokenize(text), cat)
	if err != nil {
		return nil, err
	}
	p, err := parse(tokens)
	if err != nil {
		return nil, err
	}

	ids, err := e.evaluate(p, s)
	if err != nil {
		return nil, err
	}
	res := &Result{Command: p.command, Tokens: tokens, IDs: ids.ToArray()}

	var groups []Group
	if p.groupBy != nil {
		res.GroupBy = p.groupBy.String()
		if groups, err = e.group(ids, *p.groupBy, s); err != nil {
			return nil, err
		}
		res.Groups = groups
	} else {
		groups = []Group{{Key: "", IDs: res.IDs}}
	}

	switch p.command {
	case CmdPlot:
		res.Plot, err = e.plot(p.y, p.x, groups, s)
	case CmdHistogram:
		res.Histogram, err = e.histogram(p.axis, groups, s)
	}
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	e.log.Debug().
		Str("user", s.Username).
		Str("command", res.Command).
		Int("tokens", len(tokens)).
		Int("results", len(res.IDs)).
		Dur("elapsed", res.Elapsed).
		Msg("query")
	return res, nil
}

func (e *Engine) catalog(s *types.Session) (*catalog, error) {
	rds, err := e.src.GetRecordDefNames(s)
	if err != nil {
		return nil, err
	}
	pds, err := e.src.GetParamDefNames()
	if err != nil {
		return nil, err
	}
	var users []string
	if s.Authenticated() {
		if users, err = e.src.GetUserNames(s); err != nil {
			return nil, err
		}
	}
	return newCatalog(rds, pds, users, e.src.Registry()), nil
}

func syntaxError(msg string, tok Token) error {
	return &types.QueryError{Code: types.QuerySyntax, Message: msg, Token: tok.String()}
}

// predicate kinds
const (
	predField = iota
	predHasField
	predUser
	predTraverse
)

type predicate struct {
	kind  int
	name  string
	op    string
	lo    Token
	hi    Token
	dir   store.Direction
	token Token
}

type plan struct {
	command string
	include []string
	exclude []string
	preds   []predicate
	groupBy *Token
	x, y    string
	axis    string
}

// parse turns normalized tokens into a plan, left to right.
func parse(tokens []Token) (*plan, error) {
	p := &plan{command: CmdFind}
	seenCommand := false
	var fields []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		next := func() (Token, bool) {
			if i+1 < len(tokens) {
				return tokens[i+1], true
			}
			return Token{}, false
		}

		switch tok.Kind {
		case KindCommand:
			if seenCommand {
				return nil, &types.QueryError{Code: types.QueryTooManyCommands, Message: "only one command per query", Token: tok.Text}
			}
			seenCommand = true
			p.command = tok.Text
			if tok.Text == CmdTimeline {
				return nil, &types.QueryError{Code: types.QueryNotImplemented, Message: "timeline is not implemented", Token: tok.Text}
			}

		case KindRecordDef:
			p.include = append(p.include, tok.Text)
		case KindNotRecordDef:
			p.exclude = append(p.exclude, tok.Text)
		case KindAllRecordDefs:
			return nil, syntaxError("all-types selector needs group", tok)

		case KindParamDef:
			op, ok := next()
			if !ok || op.Kind != KindOperator || op.Text == OpComma {
				p.preds = append(p.preds, predicate{kind: predHasField, name: tok.Text, token: tok})
				fields = append(fields, tok.Text)
				if op.Kind == KindKeyword && op.Text == KwVs {
					p.y = tok.Text
				} else if p.y != "" && p.x == "" && i > 0 && tokens[i-1].Kind == KindKeyword && tokens[i-1].Text == KwVs {
					p.x = tok.Text
				}
				continue
			}
			i++
			pred := predicate{kind: predField, name: tok.Text, op: op.Text, token: tok}
			lo, ok := next()
			if !ok || lo.Kind != KindValue {
				return nil, syntaxError("comparison needs a value", op)
			}
			i++
			pred.lo = lo
			if op.Text == OpBetween {
				sep, ok := next()
				if !ok || sep.Kind != KindOperator || sep.Text != OpComma {
					return nil, syntaxError("between needs two values", op)
				}
				i++
				hi, ok := next()
				if !ok || hi.Kind != KindValue {
					return nil, syntaxError("between needs two values", op)
				}
				i++
				pred.hi = hi
			}
			p.preds = append(p.preds, pred)

		case KindUser:
			p.preds = append(p.preds, predicate{kind: predUser, name: tok.Text, token: tok})

		case KindKeyword:
			switch tok.Text {
			case KwAnd, KwOr, KwVs:
			case KwGroup:
				target, ok := next()
				if !ok || (target.Kind != KindParamDef && target.Kind != KindRecordDef && target.Kind != KindAllRecordDefs) {
					return nil, syntaxError("group needs a field or type", tok)
				}
				if p.groupBy != nil {
					return nil, syntaxError("only one group per query", tok)
				}
				i++
				p.groupBy = &target
			case KwChild, KwParent, KwCousin:
				id, ok := next()
				if !ok || id.Kind != KindValue {
					return nil, syntaxError("relation needs a record id", tok)
				}
				i++
				dir := store.Down
				switch tok.Text {
				case KwParent:
					dir = store.Up
				case KwCousin:
					dir = store.Lateral
				}
				p.preds = append(p.preds, predicate{kind: predTraverse, dir: dir, lo: id, token: tok})
			}

		case KindOperator:
			return nil, syntaxError("operator without field", tok)
		case KindValue:
			return nil, syntaxError("value without field", tok)
		}
	}

	switch p.command {
	case CmdPlot:
		if p.x == "" || p.y == "" {
			return nil, &types.QueryError{Code: types.QuerySyntax, Message: "plot needs $y vs $x"}
		}
	case CmdHistogram:
		if len(fields) == 0 {
			return nil, &types.QueryError{Code: types.QuerySyntax, Message: "histogram needs a field"}
		}
		p.axis = fields[0]
	}
	return p, nil
}

// evaluate computes the candidate set: positive type filters are united,
// every other predicate is intersected, the session's readable set is
// applied, and negative type filters are subtracted last.
func (e *Engine) evaluate(p *plan, s *types.Session) (*roaring64.Bitmap, error) {
	var cand *roaring64.Bitmap
	and := func(bm *roaring64.Bitmap) {
		if cand == nil {
			cand = bm.Clone()
			return
		}
		cand.And(bm)
	}

	if len(p.include) > 0 {
		union := roaring64.New()
		for _, rt := range p.include {
			bm, err := e.src.GetIndexByRecordDef(rt, s)
			if err != nil {
				return nil, err
			}
			union.Or(bm)
		}
		and(union)
	}

	for _, pred := range p.preds {
		bm, err := e.predicate(pred, s)
		if err != nil {
			return nil, err
		}
		and(bm)
		if cand.IsEmpty() {
			break
		}
	}

	readable, err := e.src.ReadableRecords(s)
	if err != nil {
		return nil, err
	}
	and(readable)

	for _, rt := range p.exclude {
		bm, err := e.src.GetIndexByRecordDef(rt, s)
		if err != nil {
			return nil, err
		}
		cand.AndNot(bm)
	}
	return cand, nil
}

func (e *Engine) predicate(pred predicate, s *types.Session) (*roaring64.Bitmap, error) {
	switch pred.kind {
	case predUser:
		return e.src.ReadableBy(pred.name, s)
	case predTraverse:
		id, err := strconv.ParseUint(pred.lo.Text, 10, 64)
		if err != nil {
			return nil, syntaxError("record id must be a positive integer", pred.lo)
		}
		bm, err := e.src.Traverse(id, pred.dir, database.MaxTraversalDepth, s)
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrPermissionDenied) {
			return roaring64.New(), nil
		}
		return bm, err
	}

	pd, err := e.src.GetParamDef(pred.name)
	if err != nil {
		return nil, err
	}
	vt, ok := e.src.Registry().VarType(pd.VarType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vartype %q", types.ErrSchemaViolation, pd.VarType)
	}
	ix, indexed, err := e.src.ParamIndex(pd.Name)
	if err != nil {
		return nil, err
	}

	if pred.kind == predHasField {
		if indexed {
			return ix.ValuesInRange(nil, nil)
		}
		return e.scan(pd.Name, s, func(any) bool { return true })
	}

	if vt.Key == types.KeyNone {
		return nil, syntaxError("field cannot be compared", pred.token)
	}
	m, err := e.matcher(pd, vt, pred)
	if err != nil {
		return nil, err
	}
	if indexed {
		return m.lookup(ix)
	}
	return e.scan(pd.Name, s, func(v any) bool { return m.matches(keysOf(vt, v)) })
}

// scan loads the readable records and keeps those whose value of field
// satisfies match. It serves fields without an index.
func (e *Engine) scan(field string, s *types.Session, match func(any) bool) (*roaring64.Bitmap, error) {
	readable, err := e.src.ReadableRecords(s)
	if err != nil {
		return nil, err
	}
	recs, err := e.src.GetRecords(readable.ToArray(), s)
	if err != nil {
		return nil, err
	}
	out := roaring64.New()
	for _, rec := range recs {
		if v, ok := rec.Get(field); ok && match(v) {
			out.Add(rec.ID)
		}
	}
	return out, nil
}

// keysOf returns the comparable keys of a stored value; text fields yield
// their words.
func keysOf(vt *types.VarType, v any) []any {
	if vt.Words {
		str, _ := v.(string)
		words := database.Words(str)
		out := make([]any, len(words))
		for i, w := range words {
			out[i] = w
		}
		return out
	}
	return vt.IndexKeys(v)
}

// matcher is a compiled field comparison.
type matcher struct {
	exact    []any // all must match, for == on text fields
	lo, hi   any
	loStrict bool
	hiStrict bool
}

func (e *Engine) matcher(pd *types.ParamDef, vt *types.VarType, pred predicate) (*matcher, error) {
	m := &matcher{}
	if pred.op == OpEqual && vt.Words {
		for _, w := range database.Words(pred.lo.Text) {
			m.exact = append(m.exact, w)
		}
		if len(m.exact) == 0 {
			return nil, syntaxError("no searchable words", pred.lo)
		}
		return m, nil
	}
	lo, err := e.literal(pd, vt, pred.lo)
	if err != nil {
		return nil, err
	}
	switch pred.op {
	case OpEqual:
		m.exact = []any{lo}
	case OpGreater:
		m.lo, m.loStrict = lo, true
	case OpGreatEq:
		m.lo = lo
	case OpLess:
		m.hi, m.hiStrict = lo, true
	case OpLessEq:
		m.hi = lo
	case OpBetween:
		hi, err := e.literal(pd, vt, pred.hi)
		if err != nil {
			return nil, err
		}
		if store.CompareKeys(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		m.lo, m.hi = lo, hi
	}
	return m, nil
}

// literal converts a query value to an index key of the field, applying
// a unit conversion when the value names one.
func (e *Engine) literal(pd *types.ParamDef, vt *types.VarType, tok Token) (any, error) {
	if tok.Unit != "" {
		reg := e.src.Registry()
		if pd.Property == "" || !reg.HasUnit(pd.Property, tok.Unit) {
			return nil, syntaxError("unit does not apply to "+pd.Name, tok)
		}
		f, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, syntaxError("not a number", tok)
		}
		to := pd.DefaultUnits
		if to == "" {
			p, _ := reg.Property(pd.Property)
			to = p.Default
		}
		if f, err = reg.Convert(f, pd.Property, tok.Unit, to); err != nil {
			return nil, syntaxError(err.Error(), tok)
		}
		switch vt.Key {
		case types.KeyInt:
			return int64(math.Floor(f)), nil
		case types.KeyFloat:
			return f, nil
		}
		return nil, syntaxError("unit on a non-numeric field", tok)
	}
	if vt.Temporal {
		v, err := vt.Normalize(tok.Text)
		if err != nil || v == nil {
			return nil, syntaxError("not a valid "+vt.Name, tok)
		}
		return v, nil
	}
	k, err := types.ParseKey(vt.Key, tok.Text)
	if err != nil {
		return nil, syntaxError(err.Error(), tok)
	}
	return k, nil
}

func (m *matcher) match(k any) bool {
	if m.lo != nil {
		c := store.CompareKeys(k, m.lo)
		if c < 0 || (c == 0 && m.loStrict) {
			return false
		}
	}
	if m.hi != nil {
		c := store.CompareKeys(k, m.hi)
		if c > 0 || (c == 0 && m.hiStrict) {
			return false
		}
	}
	return true
}

// matches reports whether a record with the given keys satisfies m:
// every exact key must be present, or any key must fall in the range.
func (m *matcher) matches(keys []any) bool {
	if m.exact != nil {
		for _, want := range m.exact {
			if !slices.ContainsFunc(keys, func(k any) bool { return store.CompareKeys(k, want) == 0 }) {
				return false
			}
		}
		return true
	}
	return slices.ContainsFunc(keys, m.match)
}

func (m *matcher) lookup(ix store.RangeIndex) (*roaring64.Bitmap, error) {
	if m.exact != nil {
		var out *roaring64.Bitmap
		for _, k := range m.exact {
			bm, err := ix.Get(k)
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = bm
			} else {
				out.And(bm)
			}
		}
		return out, nil
	}
	items, err := ix.ItemsInRange(m.lo, m.hi)
	if err != nil {
		return nil, err
	}
	out := roaring64.New()
	for _, it := range items {
		if m.match(it.Key) {
			out.Or(it.IDs)
		}
	}
	return out, nil
}
