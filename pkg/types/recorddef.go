package types

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"time"
)

// RecordDef is a named template describing the fields a class of records
// is expected to carry.
type RecordDef struct {
	Name         string            `json:"name"`
	MainView     string            `json:"mainview"`
	Views        map[string]string `json:"views,omitempty"`
	Params       map[string]any    `json:"params"`
	Private      bool              `json:"private"`
	Groups       []int             `json:"groups,omitempty"`
	Desc         string            `json:"desc_short,omitempty"`
	Owner        string            `json:"owner"`
	Creator      string            `json:"creator"`
	CreationTime time.Time         `json:"creationtime"`
}

// placeholderRE matches $$name and $$name="default" in templates.
var placeholderRE = regexp.MustCompile(`\$\$([a-zA-Z][a-zA-Z0-9_]*)(?:="([^"]*)")?`)

// ScrapeParams returns the field placeholders found in a template, mapped
// to their default value (nil when none is given).
func ScrapeParams(template string) map[string]any {
	out := make(map[string]any)
	for _, m := range placeholderRE.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if m[2] != "" {
			out[name] = m[2]
		} else if _, ok := out[name]; !ok {
			out[name] = nil
		}
	}
	return out
}

// FindParams recomputes Params from the main view and every alternate
// view. Defaults in the main view win.
func (rd *RecordDef) FindParams() {
	params := make(map[string]any)
	for _, name := range slices.Sorted(maps.Keys(rd.Views)) {
		maps.Copy(params, ScrapeParams(rd.Views[name]))
	}
	for k, v := range ScrapeParams(rd.MainView) {
		if v != nil || params[k] == nil {
			params[k] = v
		}
	}
	rd.Params = params
}

// ParamNames returns the names of the fields referenced by the templates.
func (rd *RecordDef) ParamNames() []string {
	names := make([]string, 0, len(rd.Params))
	for k := range rd.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate checks the name and main view.
func (rd *RecordDef) Validate() error {
	if err := ValidateSchemaName(rd.Name); err != nil {
		return err
	}
	if rd.MainView == "" {
		return fmt.Errorf("%w: recorddef %q has no main view", ErrValidation, rd.Name)
	}
	return nil
}

// VisibleTo reports whether a session may see the definition.
func (rd *RecordDef) VisibleTo(s *Session) bool {
	if !rd.Private || s.IsAdmin() || s.IsReadAdmin() {
		return true
	}
	if s.Username != "" && rd.Owner == s.Username {
		return true
	}
	for _, g := range rd.Groups {
		if s.InGroup(g) {
			return true
		}
	}
	return false
}
