package crawler

import (
	"context"
	"io"
	"time"
)

// PageDriver loads catalog pages. Implementations must not retry internally;
// callers wrap every call with the retry controller.
type PageDriver interface {
	Fetch(ctx context.Context, url string) (*Document, error)
	SubmitSearch(ctx context.Context, term string) (*Document, error)
	Paginate(ctx context.Context, page int) (*Document, error)
	Close() error
}

// DriverFactory opens a fresh page driver session, one per search term.
type DriverFactory func(ctx context.Context) (PageDriver, error)

// RecordStore is the system of record keyed by external id.
type RecordStore interface {
	EnsureSchema(ctx context.Context) error
	Begin(ctx context.Context) (RecordTx, error)
	Get(ctx context.Context, externalID string) (PersistedRecord, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// RecordTx is a short-lived write transaction against a RecordStore.
type RecordTx interface {
	Exists(ctx context.Context, externalID string) (bool, error)
	// Insert reports false when the external id is already present.
	Insert(ctx context.Context, rec PersistedRecord) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
