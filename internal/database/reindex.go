package database

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/mesh-intelligence/emen/internal/store"
	"github.com/mesh-intelligence/emen/pkg/types"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "with": true,
}

// Words splits text into its distinct indexable words: whitespace
// separated, case folded, trimmed of punctuation, stop words removed.
func Words(text string) []string {
	folder := cases.Fold()
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.Fields(text) {
		w := strings.TrimFunc(folder.String(f), func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if w == "" || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// indexKeys returns the distinct index keys of a normalized value.
func indexKeys(vt *types.VarType, v any) map[any]struct{} {
	keys := make(map[any]struct{})
	for _, k := range vt.IndexKeys(v) {
		if s, ok := k.(string); ok && vt.Words {
			for _, w := range Words(s) {
				keys[w] = struct{}{}
			}
			continue
		}
		keys[k] = struct{}{}
	}
	return keys
}

// reindexField moves record id from the postings of old to those of
// next in the field's index. Keys shared by both values are untouched.
// Unindexed fields are a no-op.
func (d *DB) reindexField(pd *types.ParamDef, old, next any, id uint64) error {
	durable, err := d.paramIndex(pd)
	if err != nil || durable == nil {
		return err
	}
	vt, _ := d.reg.VarType(pd.VarType)
	ix := d.index(durable)

	oldKeys, newKeys := indexKeys(vt, old), indexKeys(vt, next)
	for k := range oldKeys {
		if _, keep := newKeys[k]; keep {
			continue
		}
		if err := ix.RemoveRef(k, id); err != nil {
			return err
		}
	}
	for k := range newKeys {
		if _, had := oldKeys[k]; had {
			continue
		}
		if err := ix.AddRef(k, id); err != nil {
			return err
		}
	}
	return nil
}

// readers returns the principals that can read a record: everyone in its
// permission union plus its owner.
func readers(owner string, perms types.Permissions) map[types.Principal]struct{} {
	out := make(map[types.Principal]struct{})
	for _, p := range perms.Union() {
		out[p] = struct{}{}
	}
	if owner != "" {
		out[types.Principal(owner)] = struct{}{}
	}
	return out
}

// reindexSecurity applies the delta between two reader sets to the
// reverse security index.
func (d *DB) reindexSecurity(id uint64, old, next map[types.Principal]struct{}) error {
	ix := d.index(d.secIndex)
	for p := range old {
		if _, keep := next[p]; keep {
			continue
		}
		if err := ix.RemoveRef(string(p), id); err != nil {
			return err
		}
	}
	for p := range next {
		if _, had := old[p]; had {
			continue
		}
		if err := ix.AddRef(string(p), id); err != nil {
			return err
		}
	}
	return nil
}

func moveRef(ix store.RangeIndex, old, next string, id uint64) error {
	if old == next {
		return nil
	}
	if old != "" {
		if err := ix.RemoveRef(old, id); err != nil {
			return err
		}
	}
	if next != "" {
		return ix.AddRef(next, id)
	}
	return nil
}
