package selector

import (
	"github.com/PuerkitoBio/goquery"
)

// Resolve tries each strategy of spec in priority order and returns the
// first non-empty value. A total miss returns ok=false; it is not an error.
func Resolve(scope *goquery.Selection, spec FieldSpec) (string, bool) {
	if scope == nil {
		return "", false
	}
	for _, st := range spec.Strategies {
		if v, ok := st.Apply(scope); ok {
			return v, true
		}
	}
	return "", false
}

// ResolveAll resolves every spec against scope, omitting misses.
func ResolveAll(scope *goquery.Selection, specs []FieldSpec) map[string]string {
	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		if v, ok := Resolve(scope, spec); ok {
			out[spec.Name] = v
		}
	}
	return out
}

// MatchRows returns the rows found by the first pattern that matches at
// least one element, together with that pattern's index. Patterns are
// alternatives for different page layouts. When none match the selection is
// empty and the index is -1.
func MatchRows(scope *goquery.Selection, patterns []RowPattern) (*goquery.Selection, int) {
	for i, p := range patterns {
		rows := scope.FindMatcher(p.matcher)
		if rows.Length() > 0 {
			return rows, i
		}
	}
	return &goquery.Selection{}, -1
}
