package traversal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
	"github.com/JakeFAU/tesis-crawler/internal/selector"
)

const baseURL = "https://sjf.example.mx"

type fakeDriver struct {
	mu          sync.Mutex
	lists       map[int]string
	details     map[string]string
	failDetail  map[string]error
	failPage    map[int]error
	calls       []string
	searchTerms []string
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) SubmitSearch(_ context.Context, term string) (*crawler.Document, error) {
	f.record("search")
	f.searchTerms = append(f.searchTerms, term)
	return f.page(1)
}

func (f *fakeDriver) Paginate(_ context.Context, page int) (*crawler.Document, error) {
	f.record(fmt.Sprintf("page:%d", page))
	if err := f.failPage[page]; err != nil {
		return nil, err
	}
	return f.page(page)
}

func (f *fakeDriver) Fetch(_ context.Context, url string) (*crawler.Document, error) {
	f.record("detail:" + url)
	if err := f.failDetail[url]; err != nil {
		return nil, err
	}
	html, ok := f.details[url]
	if !ok {
		return nil, &crawler.StatusError{URL: url, StatusCode: 404}
	}
	return crawler.NewDocument(url, []byte(html))
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) page(n int) (*crawler.Document, error) {
	html, ok := f.lists[n]
	if !ok {
		html = "<html><body><p>Sin resultados</p></body></html>"
	}
	return crawler.NewDocument(fmt.Sprintf("%s/busqueda?page=%d", baseURL, n), []byte(html))
}

func listPage(ids ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table id="resultados"><tbody>`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<tr class="tesis"><td class="registro">%s</td>`+
			`<td class="rubro"><a href="/detalle/tesis/%s">RUBRO DE LA TESIS %s</a></td></tr>`, id, id, id)
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

func detailURL(id string) string { return baseURL + "/detalle/tesis/" + id }

func newFake(pages map[int][]string) *fakeDriver {
	f := &fakeDriver{
		lists:      map[int]string{},
		details:    map[string]string{},
		failDetail: map[string]error{},
		failPage:   map[int]error{},
	}
	for n, ids := range pages {
		f.lists[n] = listPage(ids...)
		for _, id := range ids {
			f.details[detailURL(id)] = `<html><body><h1 id="rubro">RUBRO ` + id + `</h1></body></html>`
		}
	}
	return f
}

func newDriver(t *testing.T, opts Options) *Driver {
	t.Helper()
	cfg, err := selector.DefaultTableConfig()
	require.NoError(t, err)
	table, err := selector.Compile(cfg)
	require.NoError(t, err)
	noSleep := func(context.Context, time.Duration) error { return nil }
	ctrl := retry.New(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, zap.NewNop(), retry.WithSleeper(noSleep))
	return New(table, ctrl, opts, zap.NewNop())
}

type collector struct {
	hits []Hit
}

func (c *collector) handle(_ context.Context, hit Hit) error {
	c.hits = append(c.hits, hit)
	return nil
}

func (c *collector) ids() []string {
	out := make([]string, 0, len(c.hits))
	for _, h := range c.hits {
		out = append(out, h.Summary.ExternalID)
	}
	return out
}

func TestRunStopsAtEmptyPage(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{
		1: {"100001", "100002"},
		2: {"100003"},
	})
	d := newDriver(t, Options{MaxPages: 10})
	c := &collector{}

	report := d.Run(context.Background(), fake, "amparo", c.handle)

	require.NoError(t, report.Err)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 3, report.Rows)
	assert.Equal(t, []string{"100001", "100002", "100003"}, c.ids())
	assert.Equal(t, []string{"amparo"}, fake.searchTerms)
	assert.Contains(t, fake.calls, "page:3")
	assert.NotContains(t, fake.calls, "page:4")

	first := c.hits[0]
	assert.Equal(t, detailURL("100001"), first.Summary.DetailURL)
	assert.Equal(t, 1, first.Summary.Page)
	require.NotNil(t, first.Detail)
	assert.Equal(t, detailURL("100001"), first.SourceURL())
}

func TestRunHonorsMaxPages(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{
		1: {"200001"},
		2: {"200002"},
		3: {"200003"},
	})
	d := newDriver(t, Options{MaxPages: 2})
	c := &collector{}

	report := d.Run(context.Background(), fake, "laboral", c.handle)

	require.NoError(t, report.Err)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, []string{"200001", "200002"}, c.ids())
	assert.NotContains(t, fake.calls, "page:3")
}

func TestRunDetailFailureDoesNotStopTerm(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{1: {"300001", "300002"}})
	fake.failDetail[detailURL("300001")] = errors.New("connection reset by peer")
	d := newDriver(t, Options{})
	c := &collector{}

	report := d.Run(context.Background(), fake, "penal", c.handle)

	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.DetailFailures)
	assert.Equal(t, []string{"300002"}, c.ids())

	attempts := 0
	for _, call := range fake.calls {
		if call == "detail:"+detailURL("300001") {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestRunListPageExhaustionEndsTerm(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{1: {"400001"}, 2: {"400002"}})
	fake.failPage[2] = &crawler.StatusError{URL: baseURL, StatusCode: 503}
	d := newDriver(t, Options{})
	c := &collector{}

	report := d.Run(context.Background(), fake, "fiscal", c.handle)

	require.Error(t, report.Err)
	assert.True(t, IsExhausted(report.Err))
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, []string{"400001"}, c.ids())
}

func TestRunHandlerErrorAborts(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{1: {"500001", "500002"}})
	d := newDriver(t, Options{})
	boom := errors.New("disk full")
	calls := 0

	report := d.Run(context.Background(), fake, "civil", func(context.Context, Hit) error {
		calls++
		return boom
	})

	require.ErrorIs(t, report.Err, boom)
	assert.Equal(t, 1, calls)
}

func TestRunStopsBetweenRecordsOnCancel(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{1: {"600001", "600002", "600003"}})
	d := newDriver(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0

	report := d.Run(ctx, fake, "agrario", func(context.Context, Hit) error {
		seen++
		cancel()
		return nil
	})

	require.ErrorIs(t, report.Err, context.Canceled)
	assert.Equal(t, 1, seen)
}

func TestRunPacesRequests(t *testing.T) {
	t.Parallel()

	fake := newFake(map[int][]string{1: {"700001"}})
	d := newDriver(t, Options{RequestDelay: 40 * time.Millisecond})

	start := time.Now()
	report := d.Run(context.Background(), fake, "amparo", (&collector{}).handle)
	require.NoError(t, report.Err)

	// search, detail and page 2: two waits after the first free token.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "list_page", StateListPage.String())
	assert.Equal(t, "done", StateDone.String())
}
