// Package merge integrates staged batches into the record store. It only
// inserts; records already present are counted and left untouched.
package merge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/metrics"
	"github.com/JakeFAU/tesis-crawler/internal/staging"
)

// DefaultCommitInterval is used when Options.CommitInterval is not positive.
const DefaultCommitInterval = 100

// Options configures a Merger.
type Options struct {
	// CommitInterval is the number of inserts per transaction.
	CommitInterval int
	// ProcessedDir receives fully merged batch files.
	ProcessedDir string
}

// Merger moves staged records into a RecordStore.
type Merger struct {
	store  crawler.RecordStore
	opts   Options
	logger *zap.Logger
}

// New constructs a Merger.
func New(store crawler.RecordStore, opts Options, logger *zap.Logger) *Merger {
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = DefaultCommitInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: store, opts: opts, logger: logger}
}

// MergeAll merges every batch in stagingDir in name order. Per-record
// failures are reported, not returned; the error is reserved for
// cancellation and staging faults.
func (m *Merger) MergeAll(ctx context.Context, stagingDir string) (crawler.MergeReport, error) {
	var report crawler.MergeReport
	files, err := staging.List(stagingDir)
	if err != nil {
		return report, err
	}
	processed := m.opts.ProcessedDir
	if processed == "" {
		processed = staging.DefaultProcessedDir(stagingDir)
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fileReport, err := m.mergeFile(ctx, path, processed)
		report.Add(fileReport)
		if err != nil {
			return report, err
		}
	}
	m.logger.Info("merge complete",
		zap.Int("files", report.Files),
		zap.Int("files_consumed", report.FilesConsumed),
		zap.Int("inserted", report.Inserted),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// MergeFile merges a single batch file.
func (m *Merger) MergeFile(ctx context.Context, path string) (crawler.MergeReport, error) {
	return m.mergeFile(ctx, path, m.opts.ProcessedDir)
}

func (m *Merger) mergeFile(ctx context.Context, path, processedDir string) (crawler.MergeReport, error) {
	report := crawler.MergeReport{Files: 1}
	logger := m.logger.With(zap.String("file", path))

	batch, err := staging.Read(path)
	if err != nil {
		// An unreadable batch stays in place and counts as one failure.
		logger.Error("unreadable batch", zap.Error(err))
		report.Failed++
		metrics.ObserveMerge(metrics.MergeFailed)
		return report, nil
	}

	w := &fileWriter{store: m.store, interval: m.opts.CommitInterval, report: &report, logger: logger}
	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			w.abort(ctx)
			return report, err
		}
		w.merge(ctx, rec)
	}
	w.flush(ctx)

	if report.Failed > 0 {
		logger.Warn("batch kept for replay",
			zap.Int("failed", report.Failed),
			zap.Int("inserted", report.Inserted),
		)
		return report, nil
	}
	dest, err := staging.MarkConsumed(path, processedDir)
	if err != nil {
		return report, fmt.Errorf("mark consumed: %w", err)
	}
	report.FilesConsumed++
	logger.Info("batch merged",
		zap.String("moved_to", dest),
		zap.Int("records", len(batch.Records)),
		zap.Int("inserted", report.Inserted),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
	)
	return report, nil
}

// fileWriter owns the open transaction for one batch file.
type fileWriter struct {
	store    crawler.RecordStore
	interval int
	report   *crawler.MergeReport
	logger   *zap.Logger

	tx      crawler.RecordTx
	pending int
}

func (w *fileWriter) merge(ctx context.Context, rec crawler.CandidateRecord) {
	if w.tx == nil {
		tx, err := w.store.Begin(ctx)
		if err != nil {
			w.fail(rec.ExternalID, fmt.Errorf("begin: %w", err))
			return
		}
		w.tx = tx
	}

	exists, err := w.tx.Exists(ctx, rec.ExternalID)
	if err != nil {
		w.fail(rec.ExternalID, err)
		return
	}
	if exists {
		w.duplicate()
		return
	}
	inserted, err := w.tx.Insert(ctx, crawler.NewPersistedRecord(rec))
	if err != nil {
		w.fail(rec.ExternalID, err)
		return
	}
	if !inserted {
		w.duplicate()
		return
	}
	w.pending++
	if w.pending >= w.interval {
		w.flush(ctx)
	}
}

// flush commits the open transaction. A failed commit turns its pending
// inserts into failures.
func (w *fileWriter) flush(ctx context.Context) {
	if w.tx == nil {
		return
	}
	tx, pending := w.tx, w.pending
	w.tx, w.pending = nil, 0
	if pending == 0 {
		if err := tx.Rollback(ctx); err != nil {
			w.logger.Debug("rollback of empty transaction failed", zap.Error(err))
		}
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("commit failed", zap.Int("records", pending), zap.Error(err))
		w.report.Failed += pending
		for i := 0; i < pending; i++ {
			metrics.ObserveMerge(metrics.MergeFailed)
		}
		return
	}
	w.report.Inserted += pending
	for i := 0; i < pending; i++ {
		metrics.ObserveMerge(metrics.MergeInserted)
	}
}

func (w *fileWriter) abort(ctx context.Context) {
	if w.tx == nil {
		return
	}
	if err := w.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("rollback failed", zap.Error(err))
	}
	w.tx, w.pending = nil, 0
}

func (w *fileWriter) duplicate() {
	w.report.SkippedDuplicate++
	metrics.ObserveMerge(metrics.MergeDuplicate)
}

func (w *fileWriter) fail(externalID string, err error) {
	w.report.Failed++
	metrics.ObserveMerge(metrics.MergeFailed)
	w.logger.Error("record merge failed", zap.String("external_id", externalID), zap.Error(err))
}
