package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://SJF.Example.mx:443/tesis?b=2&a=1#frag")
	require.NoError(t, err)
	require.Equal(t, "https://sjf.example.mx/tesis?a=1&b=2", got)
}

func TestExpandTemplate(t *testing.T) {
	t.Parallel()

	got, err := ExpandTemplate("https://sjf.example.mx/buscar?q={term}&page={page}", "suspensión del acto", 3)
	require.NoError(t, err)
	require.Equal(t, "https://sjf.example.mx/buscar?q=suspensi%C3%B3n+del+acto&page=3", got)

	_, err = ExpandTemplate("ftp://example.com/{term}", "x", 1)
	require.True(t, errors.Is(err, ErrInvalidURL))

	_, err = ExpandTemplate("/relative/{page}", "x", 1)
	require.True(t, errors.Is(err, ErrInvalidURL))
}
