// Package sqlite provides a single-file record store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "tesis"

var columns = []string{
	"external_id",
	"title",
	"source_url",
	"document_url",
	"body_text",
	"metadata",
	"retrieved_at",
	"downloaded_at",
	"processed",
	"analyzed",
}

const defaultBusyTimeout = 5 * time.Second

// Config selects the database file and table.
type Config struct {
	// DSN is a file path or ":memory:".
	DSN   string
	Table string
	// BusyTimeout bounds the wait on a database locked by another process.
	// Zero means five seconds.
	BusyTimeout time.Duration
}

// RecordStore persists tesis rows in SQLite.
type RecordStore struct {
	db    *sql.DB
	table string
}

// Open opens (or creates) the database.
func Open(cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	db, err := sql.Open("sqlite", withLocking(cfg.DSN, busy))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	return &RecordStore{db: db, table: table}, nil
}

// withLocking sets busy_timeout on every connection the pool opens and
// makes transactions take the write lock at BEGIN, where the busy handler
// waits, instead of failing on a later read-to-write upgrade.
func withLocking(dsn string, busy time.Duration) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")&_txlock=immediate"
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	external_id   TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	document_url  TEXT,
	body_text     TEXT,
	metadata      TEXT NOT NULL DEFAULT '{}',
	retrieved_at  TEXT NOT NULL,
	downloaded_at TEXT NOT NULL,
	processed     INTEGER NOT NULL DEFAULT 0,
	analyzed      INTEGER NOT NULL DEFAULT 0
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Begin opens a transaction.
func (s *RecordStore) Begin(ctx context.Context) (crawler.RecordTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &recordTx{tx: tx, table: s.table}, nil
}

// Get loads one row.
func (s *RecordStore) Get(ctx context.Context, externalID string) (crawler.PersistedRecord, error) {
	query, args, err := sq.Select(columns...).
		From(s.table).
		Where(sq.Eq{"external_id": externalID}).
		ToSql()
	if err != nil {
		return crawler.PersistedRecord{}, fmt.Errorf("build select: %w", err)
	}

	var (
		rec                     crawler.PersistedRecord
		documentURL, body       sql.NullString
		meta, retrieved, loaded string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ExternalID,
		&rec.Title,
		&rec.SourceURL,
		&documentURL,
		&body,
		&meta,
		&retrieved,
		&loaded,
		&rec.Processed,
		&rec.Analyzed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.PersistedRecord{}, crawler.ErrNotFound
		}
		return crawler.PersistedRecord{}, fmt.Errorf("get %s: %w", externalID, err)
	}
	rec.DocumentURL = documentURL.String
	rec.BodyText = body.String
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return crawler.PersistedRecord{}, fmt.Errorf("decode metadata: %w", err)
	}
	if rec.RetrievedAt, err = time.Parse(time.RFC3339Nano, retrieved); err != nil {
		return crawler.PersistedRecord{}, fmt.Errorf("decode retrieved_at: %w", err)
	}
	if rec.DownloadedAt, err = time.Parse(time.RFC3339Nano, loaded); err != nil {
		return crawler.PersistedRecord{}, fmt.Errorf("decode downloaded_at: %w", err)
	}
	return rec, nil
}

// Count returns the number of rows.
func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	query, args, err := sq.Select("COUNT(*)").From(s.table).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

type recordTx struct {
	tx    *sql.Tx
	table string
}

func (t *recordTx) Exists(ctx context.Context, externalID string) (bool, error) {
	query, args, err := sq.Select("1").
		From(t.table).
		Where(sq.Eq{"external_id": externalID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build lookup: %w", err)
	}
	var one int
	err = t.tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", externalID, err)
	}
	return true, nil
}

func (t *recordTx) Insert(ctx context.Context, rec crawler.PersistedRecord) (bool, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	var documentURL sql.NullString
	if rec.DocumentURL != "" {
		documentURL = sql.NullString{String: rec.DocumentURL, Valid: true}
	}
	query, args, err := sq.Insert(t.table).
		Options("OR IGNORE").
		Columns(columns...).
		Values(
			rec.ExternalID,
			rec.Title,
			rec.SourceURL,
			documentURL,
			rec.BodyText,
			string(metaJSON),
			rec.RetrievedAt.UTC().Format(time.RFC3339Nano),
			rec.DownloadedAt.UTC().Format(time.RFC3339Nano),
			rec.Processed,
			rec.Analyzed,
		).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *recordTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *recordTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
