// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable       = "tesis"
	uniqueViolationSQL = "23505"
)

// Config controls the Postgres connection pool used for tesis rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RecordStore persists tesis rows keyed by external_id.
type RecordStore struct {
	pool  pgxPool
	table string
}

// New connects a pool and returns a RecordStore.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
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
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	retrieved_at  TIMESTAMPTZ NOT NULL,
	downloaded_at TIMESTAMPTZ NOT NULL,
	processed     BOOLEAN NOT NULL DEFAULT FALSE,
	analyzed      BOOLEAN NOT NULL DEFAULT FALSE
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Begin opens a transaction.
func (s *RecordStore) Begin(ctx context.Context) (crawler.RecordTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &recordTx{tx: tx, table: s.table}, nil
}

// Get loads one row.
func (s *RecordStore) Get(ctx context.Context, externalID string) (crawler.PersistedRecord, error) {
	query := fmt.Sprintf(`
SELECT external_id, title, source_url, COALESCE(document_url, ''), COALESCE(body_text, ''),
	metadata, retrieved_at, downloaded_at, processed, analyzed
FROM %s
WHERE external_id = $1`, s.table)

	var (
		rec  crawler.PersistedRecord
		meta []byte
	)
	err := s.pool.QueryRow(ctx, query, externalID).Scan(
		&rec.ExternalID,
		&rec.Title,
		&rec.SourceURL,
		&rec.DocumentURL,
		&rec.BodyText,
		&meta,
		&rec.RetrievedAt,
		&rec.DownloadedAt,
		&rec.Processed,
		&rec.Analyzed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.PersistedRecord{}, crawler.ErrNotFound
		}
		return crawler.PersistedRecord{}, fmt.Errorf("get %s: %w", externalID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return crawler.PersistedRecord{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

// Count returns the number of rows.
func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

type recordTx struct {
	tx    pgx.Tx
	table string
}

func (t *recordTx) Exists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE external_id = $1)", t.table)
	if err := t.tx.QueryRow(ctx, query, externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup %s: %w", externalID, err)
	}
	return exists, nil
}

// Insert runs inside a savepoint so a failed row leaves the outer
// transaction usable.
func (t *recordTx) Insert(ctx context.Context, rec crawler.PersistedRecord) (bool, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	external_id,
	title,
	source_url,
	document_url,
	body_text,
	metadata,
	retrieved_at,
	downloaded_at,
	processed,
	analyzed
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (external_id) DO NOTHING`, t.table)

	args := []any{
		rec.ExternalID,
		rec.Title,
		rec.SourceURL,
		nullable(rec.DocumentURL),
		rec.BodyText,
		metaJSON,
		rec.RetrievedAt,
		rec.DownloadedAt,
		rec.Processed,
		rec.Analyzed,
	}

	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, query, args...)
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationSQL {
			return false, nil
		}
		return false, fmt.Errorf("insert %s: %w", rec.ExternalID, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *recordTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *recordTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
