package selector

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Kind names a strategy variant.
type Kind string

// Supported strategy kinds.
const (
	KindCSS   Kind = "css"
	KindAttr  Kind = "attr"
	KindRegex Kind = "regex"
)

// Strategy extracts a candidate value from a scope. Implementations never
// fail for "not found"; they report ok=false instead.
type Strategy interface {
	Kind() Kind
	Apply(scope *goquery.Selection) (string, bool)
	String() string
}

type cssStrategy struct {
	raw     string
	matcher goquery.Matcher
}

func (s cssStrategy) Kind() Kind { return KindCSS }

func (s cssStrategy) String() string { return "css(" + s.raw + ")" }

func (s cssStrategy) Apply(scope *goquery.Selection) (string, bool) {
	var out string
	scope.FindMatcher(s.matcher).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		out = collapse(el.Text())
		return out == ""
	})
	return out, out != ""
}

type attrStrategy struct {
	raw     string
	attr    string
	matcher goquery.Matcher
}

func (s attrStrategy) Kind() Kind { return KindAttr }

func (s attrStrategy) String() string { return "attr(" + s.raw + "@" + s.attr + ")" }

func (s attrStrategy) Apply(scope *goquery.Selection) (string, bool) {
	var out string
	scope.FindMatcher(s.matcher).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if v, ok := el.Attr(s.attr); ok {
			out = strings.TrimSpace(v)
		}
		return out == ""
	})
	return out, out != ""
}

type regexStrategy struct {
	pattern *regexp.Regexp
	group   int
	raw     string
	matcher goquery.Matcher
}

func (s regexStrategy) Kind() Kind { return KindRegex }

func (s regexStrategy) String() string { return "regex(" + s.pattern.String() + ")" }

func (s regexStrategy) Apply(scope *goquery.Selection) (string, bool) {
	text := collapse(scope.Text())
	if s.matcher != nil {
		parts := make([]string, 0)
		scope.FindMatcher(s.matcher).Each(func(_ int, el *goquery.Selection) {
			parts = append(parts, collapse(el.Text()))
		})
		text = strings.Join(parts, "\n")
	}
	m := s.pattern.FindStringSubmatch(text)
	if m == nil || s.group >= len(m) {
		return "", false
	}
	out := strings.TrimSpace(m[s.group])
	return out, out != ""
}

// collapse trims and folds runs of whitespace into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
