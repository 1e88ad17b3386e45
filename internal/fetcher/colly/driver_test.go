package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
)

func newCatalog(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/buscar", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "tesis-crawler/test", r.Header.Get("User-Agent"))
		assert.Equal(t, "es-MX", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>q=" + r.URL.Query().Get("q") + " page=" + r.URL.Query().Get("page") + "</p></body></html>"))
	})
	mux.HandleFunc("/vacio", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/caido", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/lento", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte("<html></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newDriver(t *testing.T, base string) *Driver {
	t.Helper()
	d, err := New(Config{
		UserAgent: "tesis-crawler/test",
		Timeout:   5 * time.Second,
		SearchURL: base + "/buscar?q={term}&page={page}",
		Headers:   http.Header{"Accept-Language": {"es-MX"}},
	})
	require.NoError(t, err)
	return d
}

func TestSearchAndPaginate(t *testing.T) {
	t.Parallel()

	srv, hits := newCatalog(t)
	d := newDriver(t, srv.URL)
	ctx := context.Background()

	doc, err := d.SubmitSearch(ctx, "suspensión del acto")
	require.NoError(t, err)
	assert.Contains(t, doc.Root().Find("p").Text(), "q=suspensión del acto page=1")

	doc, err = d.Paginate(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, doc.Root().Find("p").Text(), "page=2")

	// The same URL can be fetched again for retries.
	_, err = d.Paginate(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
	require.NoError(t, d.Close())
}

func TestFetchStatusError(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalog(t)
	d := newDriver(t, srv.URL)

	_, err := d.Fetch(context.Background(), srv.URL+"/caido")
	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))

	_, err = d.Fetch(context.Background(), srv.URL+"/nada")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

func TestFetchEmptyBody(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalog(t)
	d := newDriver(t, srv.URL)

	_, err := d.Fetch(context.Background(), srv.URL+"/vacio")
	require.ErrorIs(t, err, crawler.ErrEmptyResponse)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalog(t)
	d := newDriver(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Fetch(ctx, srv.URL+"/lento")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPaginateBeforeSearch(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalog(t)
	_, err := newDriver(t, srv.URL).Paginate(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

func TestNewValidatesTemplates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SearchURL: "https://sjf.example.mx/buscar"})
	require.True(t, errors.Is(err, crawler.ErrInvalidURL))

	_, err = New(Config{SearchURL: "https://sjf.example.mx/buscar?q={term}", PageURL: "https://sjf.example.mx/p"})
	require.Error(t, err)

	factory := Factory(Config{SearchURL: "https://sjf.example.mx/buscar?q={term}&p={page}"})
	pd, err := factory(context.Background())
	require.NoError(t, err)
	require.NoError(t, pd.Close())
}
