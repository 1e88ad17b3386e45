package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDocumentRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	_, err := NewDocument("https://example.com", []byte("   \n"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestDocumentResolveURL(t *testing.T) {
	t.Parallel()

	doc, err := NewDocument("https://sjf.example.mx/busqueda/resultados?q=amparo", []byte("<html><body>x</body></html>"))
	require.NoError(t, err)

	require.Equal(t, "https://sjf.example.mx/detalle/tesis/123456", doc.ResolveURL("/detalle/tesis/123456"))
	require.Equal(t, "https://sjf.example.mx/busqueda/ficha?id=1", doc.ResolveURL("ficha?id=1"))
	require.Equal(t, "https://other.example.com/a.pdf", doc.ResolveURL("https://other.example.com/a.pdf"))
	require.Equal(t, "", doc.ResolveURL("  "))
}

func TestDocumentRootOnNil(t *testing.T) {
	t.Parallel()

	var doc *Document
	require.Equal(t, 0, doc.Root().Length())
}
