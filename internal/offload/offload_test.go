package offload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tesis-crawler/internal/hash/sha256"
	"github.com/JakeFAU/tesis-crawler/internal/storage/memory"
)

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

const page = "<html><body><h1>RUBRO</h1></body></html>"

func TestOffloadWritesAndUploads(t *testing.T) {
	t.Parallel()

	docs := t.TempDir()
	store := memory.NewBlobStore()
	hasher := sha256.New()
	u := New(store, hasher, Options{DocumentDir: docs, Prefix: "/tesis/"}, nil)

	ref, ok, err := u.Offload(context.Background(), "123456", []byte(page))
	require.NoError(t, err)
	require.True(t, ok)

	digest, err := hasher.Hash([]byte(page))
	require.NoError(t, err)
	key := "tesis/123456/" + digest + ".html"
	assert.Equal(t, "memory://"+key, ref)

	stored, found := store.Object(key)
	require.True(t, found)
	assert.Equal(t, page, string(stored))

	local, err := os.ReadFile(filepath.Join(docs, "123456.html"))
	require.NoError(t, err)
	assert.Equal(t, page, string(local))
}

func TestOffloadDisabledKeepsLocalCopy(t *testing.T) {
	t.Parallel()

	docs := t.TempDir()
	u := New(nil, sha256.New(), Options{DocumentDir: docs}, nil)
	assert.False(t, u.Enabled())

	ref, ok, err := u.Offload(context.Background(), "654321", []byte(page))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, ref)
	assert.FileExists(t, filepath.Join(docs, "654321.html"))
}

func TestUploadDisabled(t *testing.T) {
	t.Parallel()

	ref, ok, err := New(nil, nil, Options{}, nil).Upload(context.Background(), "/nope", "1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, ref)
}

func TestUploadStoreFailure(t *testing.T) {
	t.Parallel()

	docs := t.TempDir()
	store := &mockBlobStore{}
	store.On("PutObject", mock.Anything, mock.MatchedBy(func(key string) bool {
		return filepath.Dir(key) == "777"
	}), "text/html; charset=utf-8", mock.Anything).Return("", errors.New("quota exceeded"))

	u := New(store, sha256.New(), Options{DocumentDir: docs}, nil)
	_, ok, err := u.Offload(context.Background(), "777", []byte(page))
	require.ErrorContains(t, err, "quota exceeded")
	assert.False(t, ok)
	store.AssertExpectations(t)
}

func TestSaveDocumentSanitizesID(t *testing.T) {
	t.Parallel()

	docs := t.TempDir()
	u := New(nil, nil, Options{DocumentDir: docs}, nil)
	path, err := u.SaveDocument("2a./J. 15/2024", []byte(page))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(docs, "2a._J. 15_2024.html"), path)
}
