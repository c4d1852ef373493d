package query

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// Kind classifies a normalized token.
type Kind int

// Token kinds.
const (
	KindValue Kind = iota
	KindOperator
	KindKeyword
	KindCommand
	KindRecordDef
	KindNotRecordDef
	KindAllRecordDefs
	KindParamDef
	KindUser
)

// Commands.
const (
	CmdFind      = "find"
	CmdPlot      = "plot"
	CmdHistogram = "histogram"
	CmdTimeline  = "timeline"
)

// Operators and keywords after synonym mapping.
const (
	OpLess    = "<"
	OpLessEq  = "<="
	OpGreater = ">"
	OpGreatEq = ">="
	OpEqual   = "=="
	OpBetween = "><"
	OpComma   = ","

	KwAnd    = "and"
	KwOr     = "or"
	KwGroup  = "group"
	KwChild  = "child"
	KwParent = "parent"
	KwCousin = "cousin"
	KwVs     = "vs"
)

// Token is a normalized query token. Names carry no prefix; Text of a
// value is the literal as typed.
type Token struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
	Unit string `json:"unit,omitempty"`
}

// String renders the token in canonical query syntax.
func (t Token) String() string {
	switch t.Kind {
	case KindRecordDef:
		return "@" + t.Text
	case KindNotRecordDef:
		return "!" + t.Text
	case KindAllRecordDefs:
		return "@*"
	case KindParamDef:
		return "$" + t.Text
	case KindUser:
		return "%" + t.Text
	case KindValue:
		s := t.Text
		if strings.ContainsAny(s, " \t") {
			s = strconv.Quote(s)
		}
		if t.Unit != "" {
			s += " " + t.Unit
		}
		return s
	}
	return t.Text
}

var synonyms = map[string]string{
	"before":    OpLess,
	"less":      OpLess,
	"below":     OpLess,
	"after":     OpGreater,
	"greater":   OpGreater,
	"above":     OpGreater,
	"between":   OpBetween,
	"is":        OpEqual,
	"equals":    OpEqual,
	"=":         OpEqual,
	"children":  KwChild,
	"parents":   KwParent,
	"cousins":   KwCousin,
	"versus":    KwVs,
	"vs.":       KwVs,
	"rectype":   "@*",
	"recorddef": "@*",
	"type":      "@*",
	"by":        KwGroup,
}

// fillers are dropped before name lookup.
var fillers = map[string]bool{"than": true, "with": true, "where": true, "the": true, "of": true}

var keywords = map[string]bool{
	KwAnd: true, KwOr: true, KwGroup: true, KwChild: true, KwParent: true, KwCousin: true, KwVs: true,
}

var commands = map[string]bool{CmdFind: true, CmdPlot: true, CmdHistogram: true, CmdTimeline: true}

var comparisons = map[string]bool{
	OpLess: true, OpLessEq: true, OpGreater: true, OpGreatEq: true, OpEqual: true, OpBetween: true,
}

// catalog is the set of names a query may refer to.
type catalog struct {
	recordDefs map[string]bool
	paramDefs  map[string]bool
	users      map[string]bool
	units      map[string]bool
}

func newCatalog(recordDefs, paramDefs, users []string, reg *types.Registry) *catalog {
	set := func(names []string) map[string]bool {
		m := make(map[string]bool, len(names))
		for _, n := range names {
			m[n] = true
		}
		return m
	}
	c := &catalog{
		recordDefs: set(recordDefs),
		paramDefs:  set(paramDefs),
		users:      set(users),
		units:      make(map[string]bool),
	}
	if reg != nil {
		for _, name := range reg.PropertyNames() {
			p, _ := reg.Property(name)
			for u := range p.Units {
				c.units[u] = true
			}
		}
	}
	return c
}

// stems returns the lookup candidates of a schema name: the word itself,
// then its singular and plural forms.
func stems(word string) []string {
	out := []string{word}
	switch {
	case strings.HasSuffix(word, "ies"):
		out = append(out, strings.TrimSuffix(word, "ies")+"y")
	case strings.HasSuffix(word, "es"):
		out = append(out, strings.TrimSuffix(word, "es"), strings.TrimSuffix(word, "s"))
	case strings.HasSuffix(word, "s"):
		out = append(out, strings.TrimSuffix(word, "s"))
	}
	if strings.HasSuffix(word, "y") {
		out = append(out, strings.TrimSuffix(word, "y")+"ies")
	}
	return append(out, word+"s", word+"es")
}

func lookup(word string, names map[string]bool, stem bool) (string, bool) {
	if names[word] {
		return word, true
	}
	if !stem {
		return "", false
	}
	for _, s := range stems(word)[1:] {
		if names[s] {
			return s, true
		}
	}
	return "", false
}

// value parsing states
const (
	wantNone = iota
	wantValue
	wantRangeLow
	wantRangeSep
	wantRangeHigh
)

// normalize maps synonyms, classifies names and marks literal values.
// Prefixed names that match nothing are errors; bare words that match
// nothing are dropped, and bare words matching several kinds of name are
// ambiguous.
func normalize(lexemes []lexeme, c *catalog) ([]Token, error) {
	fold := cases.Fold()
	var out []Token
	state := wantNone

	for _, lx := range lexemes {
		if lx.quoted {
			out = append(out, Token{Kind: KindValue, Text: lx.text})
			state = afterValue(state)
			continue
		}
		word := fold.String(lx.text)

		// A unit directly after a value belongs to it.
		if n := len(out); (state == wantNone || state == wantRangeSep) &&
			n > 0 && out[n-1].Kind == KindValue && out[n-1].Unit == "" && c.units[lx.text] {
			out[n-1].Unit = lx.text
			continue
		}

		switch state {
		case wantValue, wantRangeLow, wantRangeHigh:
			if fillers[word] {
				continue
			}
			out = append(out, Token{Kind: KindValue, Text: lx.text})
			state = afterValue(state)
			continue
		case wantRangeSep:
			if word == OpComma || word == KwAnd {
				out = append(out, Token{Kind: KindOperator, Text: OpComma})
				state = wantRangeHigh
				continue
			}
			state = wantNone
		}

		if mapped, ok := synonyms[word]; ok {
			word = mapped
		}
		switch {
		case word == "@*":
			out = append(out, Token{Kind: KindAllRecordDefs, Text: "*"})
		case comparisons[word]:
			out = append(out, Token{Kind: KindOperator, Text: word})
			state = wantValue
			if word == OpBetween {
				state = wantRangeLow
			}
		case word == OpComma:
			out = append(out, Token{Kind: KindOperator, Text: word})
		case commands[word]:
			out = append(out, Token{Kind: KindCommand, Text: word})
		case keywords[word]:
			out = append(out, Token{Kind: KindKeyword, Text: word})
			if word == KwChild || word == KwParent || word == KwCousin {
				state = wantValue
			}
		case fillers[word]:
		case isNumber(word):
			out = append(out, Token{Kind: KindValue, Text: lx.text})
		case len(word) > 1 && strings.ContainsRune("@!$%", rune(word[0])):
			tok, err := prefixed(word, lx.text, c)
			if err != nil {
				return nil, err
			}
			out = append(out, tok)
		default:
			tok, ok, err := bare(word, lx.text, c)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, tok)
			}
		}
	}
	return out, nil
}

func afterValue(state int) int {
	if state == wantRangeLow {
		return wantRangeSep
	}
	return wantNone
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func prefixed(word, raw string, c *catalog) (Token, error) {
	name := word[1:]
	var kind Kind
	var found bool
	switch word[0] {
	case '@':
		if name == "*" {
			return Token{Kind: KindAllRecordDefs, Text: "*"}, nil
		}
		kind = KindRecordDef
		name, found = lookup(name, c.recordDefs, true)
	case '!':
		kind = KindNotRecordDef
		name, found = lookup(name, c.recordDefs, true)
	case '$':
		kind = KindParamDef
		name, found = lookup(name, c.paramDefs, true)
	case '%':
		kind = KindUser
		name, found = lookup(name, c.users, false)
	}
	if !found {
		return Token{}, &types.QueryError{Code: types.QueryUnknownName, Message: "unknown name", Token: raw}
	}
	return Token{Kind: kind, Text: name}, nil
}

func bare(word, raw string, c *catalog) (Token, bool, error) {
	var matches []Token
	if name, ok := lookup(word, c.recordDefs, true); ok {
		matches = append(matches, Token{Kind: KindRecordDef, Text: name})
	}
	if name, ok := lookup(word, c.paramDefs, true); ok {
		matches = append(matches, Token{Kind: KindParamDef, Text: name})
	}
	if name, ok := lookup(word, c.users, false); ok {
		matches = append(matches, Token{Kind: KindUser, Text: name})
	}
	switch len(matches) {
	case 0:
		return Token{}, false, nil
	case 1:
		return matches[0], true, nil
	}
	return Token{}, false, &types.QueryError{
		Code:    types.QueryAmbiguousName,
		Message: "name matches several kinds; use a @, $ or % prefix",
		Token:   raw,
	}
}
