// Package offload copies retrieved documents to durable object storage. It
// is opportunistic: callers log failures and carry on.
package offload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/metrics"
)

// Offload outcomes used as metric labels.
const (
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

// FileHasher digests local files.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Options configures an Uploader.
type Options struct {
	// DocumentDir is where detail pages are written before upload.
	DocumentDir string
	// Prefix is prepended to every object key.
	Prefix string
}

// Uploader writes documents locally and pushes them to a BlobStore.
type Uploader struct {
	store  crawler.BlobStore
	hasher FileHasher
	opts   Options
	logger *zap.Logger
}

// New constructs an Uploader. A nil store disables uploads; documents are
// still written to DocumentDir when it is set.
func New(store crawler.BlobStore, hasher FileHasher, opts Options, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Uploader{store: store, hasher: hasher, opts: opts, logger: logger}
}

// Enabled reports whether uploads go anywhere.
func (u *Uploader) Enabled() bool {
	return u != nil && u.store != nil
}

// Upload stores the file at localPath under
// <prefix>/<externalID>/<sha256><ext> and returns its reference. ok is false
// when offload is disabled.
func (u *Uploader) Upload(ctx context.Context, localPath, externalID string) (string, bool, error) {
	if !u.Enabled() {
		return "", false, nil
	}
	if externalID == "" {
		return "", false, fmt.Errorf("external id is required")
	}
	digest, err := u.hasher.HashFile(localPath)
	if err != nil {
		return "", false, fmt.Errorf("hash document: %w", err)
	}
	ext := filepath.Ext(localPath)
	key := path.Join(u.opts.Prefix, externalID, digest+ext)

	f, err := os.Open(localPath)
	if err != nil {
		return "", false, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()

	ref, err := u.store.PutObject(ctx, key, contentType(ext), f)
	if err != nil {
		metrics.ObserveOffload(StatusFailed)
		return "", false, fmt.Errorf("upload %s: %w", key, err)
	}
	metrics.ObserveOffload(StatusUploaded)
	u.logger.Debug("document offloaded", zap.String("external_id", externalID), zap.String("ref", ref))
	return ref, true, nil
}

// SaveDocument writes html to DocumentDir/<externalID>.html and returns the
// path. It returns "" when no document directory is configured.
func (u *Uploader) SaveDocument(externalID string, html []byte) (string, error) {
	if u == nil || u.opts.DocumentDir == "" {
		return "", nil
	}
	name := sanitizeID(externalID)
	if name == "" {
		return "", fmt.Errorf("external id is required")
	}
	if err := os.MkdirAll(u.opts.DocumentDir, 0o750); err != nil {
		return "", fmt.Errorf("create document dir: %w", err)
	}
	dest := filepath.Join(u.opts.DocumentDir, name+".html")
	if err := os.WriteFile(dest, html, 0o600); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	return dest, nil
}

// Offload saves html locally and uploads it. Disabled offload with a
// document directory still keeps the local copy.
func (u *Uploader) Offload(ctx context.Context, externalID string, html []byte) (string, bool, error) {
	if u == nil {
		return "", false, nil
	}
	local, err := u.SaveDocument(externalID, html)
	if err != nil {
		return "", false, err
	}
	if local == "" || !u.Enabled() {
		metrics.ObserveOffload(StatusDisabled)
		return "", false, nil
	}
	return u.Upload(ctx, local, externalID)
}

func contentType(ext string) string {
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// sanitizeID keeps external ids usable as file names.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
