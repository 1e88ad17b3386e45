package selector

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// Well-known field names used by the extractor and traversal driver.
const (
	FieldExternalID  = "external_id"
	FieldTitle       = "title"
	FieldDetailURL   = "detail_url"
	FieldRubro       = "rubro"
	FieldTexto       = "texto"
	FieldPrecedente  = "precedente"
	FieldDocumentURL = "document_url"
)

//go:embed default_selectors.yaml
var defaultTableYAML []byte

// StrategyConfig is the YAML form of a single strategy.
type StrategyConfig struct {
	Type     string `yaml:"type"`
	Selector string `yaml:"selector,omitempty"`
	Attr     string `yaml:"attr,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
	Group    *int   `yaml:"group,omitempty"`
}

// TableConfig is the YAML form of a selector table.
type TableConfig struct {
	Rows    []string                    `yaml:"rows"`
	Summary map[string][]StrategyConfig `yaml:"summary"`
	Detail  map[string][]StrategyConfig `yaml:"detail"`
}

// FieldSpec is a compiled field: a name and its ordered strategies.
type FieldSpec struct {
	Name       string
	Strategies []Strategy
}

// Table is a compiled selector table.
type Table struct {
	Rows    []RowPattern
	Summary []FieldSpec
	Detail  []FieldSpec
}

// RowPattern is one alternative selector for result rows.
type RowPattern struct {
	Raw     string
	matcher goquery.Matcher
}

// ConfigError reports a malformed selector table. It is raised at startup.
type ConfigError struct {
	Section string
	Field   string
	Index   int
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("selectors %s[%d]: %v", e.Section, e.Index, e.Err)
	}
	return fmt.Sprintf("selectors %s.%s[%d]: %v", e.Section, e.Field, e.Index, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DefaultTableConfig returns the embedded selector table.
func DefaultTableConfig() (TableConfig, error) {
	return ParseTableConfig(defaultTableYAML)
}

// LoadTableConfig reads a selector table from a YAML file. An empty path
// yields the embedded default.
func LoadTableConfig(path string) (TableConfig, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTableConfig()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TableConfig{}, fmt.Errorf("read selectors file: %w", err)
	}
	return ParseTableConfig(data)
}

// ParseTableConfig decodes YAML, rejecting unknown keys.
func ParseTableConfig(data []byte) (TableConfig, error) {
	var cfg TableConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return TableConfig{}, fmt.Errorf("decode selectors: %w", err)
	}
	return cfg, nil
}

// Compile validates and compiles a table. Every selector and pattern is
// compiled here so that malformed configuration fails before scraping.
func Compile(cfg TableConfig) (*Table, error) {
	if len(cfg.Rows) == 0 {
		return nil, &ConfigError{Section: "rows", Err: errors.New("at least one row pattern is required")}
	}
	table := &Table{}
	for i, raw := range cfg.Rows {
		m, err := cascadia.Compile(raw)
		if err != nil {
			return nil, &ConfigError{Section: "rows", Index: i, Err: err}
		}
		table.Rows = append(table.Rows, RowPattern{Raw: raw, matcher: m})
	}

	var err error
	if table.Summary, err = compileSection("summary", cfg.Summary); err != nil {
		return nil, err
	}
	if table.Detail, err = compileSection("detail", cfg.Detail); err != nil {
		return nil, err
	}

	for _, name := range []string{FieldExternalID, FieldDetailURL} {
		if _, ok := table.SummaryField(name); !ok {
			return nil, &ConfigError{Section: "summary", Field: name, Err: errors.New("required field has no strategies")}
		}
	}
	_, hasRubro := table.DetailField(FieldRubro)
	_, hasDetailTitle := table.DetailField(FieldTitle)
	_, hasSummaryTitle := table.SummaryField(FieldTitle)
	if !hasRubro && !hasDetailTitle && !hasSummaryTitle {
		return nil, &ConfigError{Section: "detail", Field: FieldRubro, Err: errors.New("no strategy can produce a title")}
	}
	return table, nil
}

func compileSection(section string, fields map[string][]StrategyConfig) ([]FieldSpec, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]FieldSpec, 0, len(names))
	for _, name := range names {
		list := fields[name]
		if len(list) == 0 {
			return nil, &ConfigError{Section: section, Field: name, Err: errors.New("empty strategy list")}
		}
		spec := FieldSpec{Name: name}
		for i, sc := range list {
			st, err := compileStrategy(sc)
			if err != nil {
				return nil, &ConfigError{Section: section, Field: name, Index: i, Err: err}
			}
			spec.Strategies = append(spec.Strategies, st)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func compileStrategy(sc StrategyConfig) (Strategy, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(sc.Type))) {
	case KindCSS:
		if strings.TrimSpace(sc.Selector) == "" {
			return nil, errors.New("css strategy requires a selector")
		}
		m, err := cascadia.Compile(sc.Selector)
		if err != nil {
			return nil, fmt.Errorf("compile selector %q: %w", sc.Selector, err)
		}
		return cssStrategy{raw: sc.Selector, matcher: m}, nil
	case KindAttr:
		if strings.TrimSpace(sc.Selector) == "" || strings.TrimSpace(sc.Attr) == "" {
			return nil, errors.New("attr strategy requires selector and attr")
		}
		m, err := cascadia.Compile(sc.Selector)
		if err != nil {
			return nil, fmt.Errorf("compile selector %q: %w", sc.Selector, err)
		}
		return attrStrategy{raw: sc.Selector, attr: sc.Attr, matcher: m}, nil
	case KindRegex:
		if sc.Pattern == "" {
			return nil, errors.New("regex strategy requires a pattern")
		}
		re, err := regexp.Compile(sc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern: %w", err)
		}
		group := 0
		if re.NumSubexp() > 0 {
			group = 1
		}
		if sc.Group != nil {
			group = *sc.Group
		}
		if group < 0 || group > re.NumSubexp() {
			return nil, fmt.Errorf("group %d out of range for pattern with %d groups", group, re.NumSubexp())
		}
		st := regexStrategy{pattern: re, group: group, raw: sc.Selector}
		if strings.TrimSpace(sc.Selector) != "" {
			m, err := cascadia.Compile(sc.Selector)
			if err != nil {
				return nil, fmt.Errorf("compile selector %q: %w", sc.Selector, err)
			}
			st.matcher = m
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown strategy type %q", sc.Type)
	}
}

// SummaryField returns the compiled summary spec for name.
func (t *Table) SummaryField(name string) (FieldSpec, bool) {
	return lookup(t.Summary, name)
}

// DetailField returns the compiled detail spec for name.
func (t *Table) DetailField(name string) (FieldSpec, bool) {
	return lookup(t.Detail, name)
}

func lookup(specs []FieldSpec, name string) (FieldSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return FieldSpec{}, false
}
