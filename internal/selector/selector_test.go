package selector

import (
	"errors"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureHTML = `<html><body>
<div class="ficha">
  <h1 class="tesis-titulo">  SUSPENSIÓN DEL ACTO RECLAMADO.   PROCEDE </h1>
  <span id="rubro"></span>
  <p class="registro">Registro digital: 2024511</p>
  <a class="descarga-pdf" href="">pdf</a>
  <a href="/docs/2024511.pdf">Descargar</a>
</div>
</body></html>`

func mustScope(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc.Selection
}

func mustCompile(t *testing.T, sc StrategyConfig) Strategy {
	t.Helper()
	st, err := compileStrategy(sc)
	require.NoError(t, err)
	return st
}

func TestResolveFirstMatchWins(t *testing.T) {
	t.Parallel()

	scope := mustScope(t, fixtureHTML)
	spec := FieldSpec{Name: "rubro", Strategies: []Strategy{
		mustCompile(t, StrategyConfig{Type: "css", Selector: "#missing"}),
		mustCompile(t, StrategyConfig{Type: "css", Selector: "h1.tesis-titulo"}),
		mustCompile(t, StrategyConfig{Type: "regex", Pattern: `(SUSPENSIÓN)`}),
	}}

	got, ok := Resolve(scope, spec)
	require.True(t, ok)
	// The regex would also match, but the css strategy has priority.
	assert.Equal(t, "SUSPENSIÓN DEL ACTO RECLAMADO. PROCEDE", got)
}

func TestResolveSkipsEmptyValues(t *testing.T) {
	t.Parallel()

	scope := mustScope(t, fixtureHTML)
	spec := FieldSpec{Name: "rubro", Strategies: []Strategy{
		mustCompile(t, StrategyConfig{Type: "css", Selector: "#rubro"}),
		mustCompile(t, StrategyConfig{Type: "css", Selector: "h1"}),
	}}
	got, ok := Resolve(scope, spec)
	require.True(t, ok)
	assert.Equal(t, "SUSPENSIÓN DEL ACTO RECLAMADO. PROCEDE", got)
}

func TestResolveAttrAndRegex(t *testing.T) {
	t.Parallel()

	scope := mustScope(t, fixtureHTML)

	link := FieldSpec{Name: FieldDocumentURL, Strategies: []Strategy{
		mustCompile(t, StrategyConfig{Type: "attr", Selector: "a.descarga-pdf", Attr: "href"}),
		mustCompile(t, StrategyConfig{Type: "attr", Selector: "a[href$='.pdf']", Attr: "href"}),
	}}
	got, ok := Resolve(scope, link)
	require.True(t, ok)
	assert.Equal(t, "/docs/2024511.pdf", got)

	id := FieldSpec{Name: FieldExternalID, Strategies: []Strategy{
		mustCompile(t, StrategyConfig{Type: "regex", Pattern: `Registro digital:\s*(\d+)`}),
	}}
	got, ok = Resolve(scope, id)
	require.True(t, ok)
	assert.Equal(t, "2024511", got)

	narrowed := FieldSpec{Name: FieldExternalID, Strategies: []Strategy{
		mustCompile(t, StrategyConfig{Type: "regex", Selector: "h1", Pattern: `\d+`}),
	}}
	_, ok = Resolve(scope, narrowed)
	assert.False(t, ok)
}

func TestResolveTotalMissIsNotAnError(t *testing.T) {
	t.Parallel()

	scope := mustScope(t, fixtureHTML)
	spec := FieldSpec{Name: "materia", Strategies: []Strategy{
		mustCompile(t, StrategyConfig{Type: "css", Selector: ".materia"}),
		mustCompile(t, StrategyConfig{Type: "regex", Pattern: `Materia:\s*(\w+)`}),
	}}
	got, ok := Resolve(scope, spec)
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestMatchRowsUsesFirstMatchingPattern(t *testing.T) {
	t.Parallel()

	scope := mustScope(t, `<div class="r">a</div><div class="r">b</div><li class="x">c</li>`)
	table, err := Compile(TableConfig{
		Rows: []string{"tr.none", "li.x", "div.r"},
		Summary: map[string][]StrategyConfig{
			FieldExternalID: {{Type: "css", Selector: "span"}},
			FieldDetailURL:  {{Type: "attr", Selector: "a", Attr: "href"}},
			FieldTitle:      {{Type: "css", Selector: "b"}},
		},
	})
	require.NoError(t, err)

	rows, idx := MatchRows(scope, table.Rows)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 1, rows.Length())

	rows, idx = MatchRows(mustScope(t, "<p>nothing</p>"), table.Rows)
	assert.Equal(t, -1, idx)
	assert.Equal(t, 0, rows.Length())
}

func TestCompileRejectsMalformedConfig(t *testing.T) {
	t.Parallel()

	base := func() TableConfig {
		return TableConfig{
			Rows: []string{"tr"},
			Summary: map[string][]StrategyConfig{
				FieldExternalID: {{Type: "css", Selector: "td.id"}},
				FieldDetailURL:  {{Type: "attr", Selector: "a", Attr: "href"}},
			},
			Detail: map[string][]StrategyConfig{
				FieldRubro: {{Type: "css", Selector: "#rubro"}},
			},
		}
	}
	_, err := Compile(base())
	require.NoError(t, err)

	cases := map[string]func(*TableConfig){
		"bad css": func(c *TableConfig) {
			c.Detail[FieldTexto] = []StrategyConfig{{Type: "css", Selector: "div[["}}
		},
		"bad regex": func(c *TableConfig) {
			c.Detail[FieldTexto] = []StrategyConfig{{Type: "regex", Pattern: "(unclosed"}}
		},
		"bad row": func(c *TableConfig) { c.Rows = []string{"tr[["} },
		"no rows": func(c *TableConfig) { c.Rows = nil },
		"unknown type": func(c *TableConfig) {
			c.Detail[FieldTexto] = []StrategyConfig{{Type: "xpath", Selector: "//p"}}
		},
		"missing external id": func(c *TableConfig) { delete(c.Summary, FieldExternalID) },
		"empty list":          func(c *TableConfig) { c.Detail[FieldTexto] = nil },
		"no title source":     func(c *TableConfig) { delete(c.Detail, FieldRubro) },
		"attr without attr": func(c *TableConfig) {
			c.Detail[FieldDocumentURL] = []StrategyConfig{{Type: "attr", Selector: "a"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			_, err := Compile(cfg)
			require.Error(t, err)
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestDefaultTableCompiles(t *testing.T) {
	t.Parallel()

	cfg, err := DefaultTableConfig()
	require.NoError(t, err)
	table, err := Compile(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, table.Rows)
	_, ok := table.DetailField(FieldTexto)
	assert.True(t, ok)
}

func TestParseTableConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := ParseTableConfig([]byte("rows: [tr]\ncolumns: [td]\n"))
	require.Error(t, err)
}
